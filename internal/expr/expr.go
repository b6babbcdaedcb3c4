// Package expr implements the restricted predicate language used by gates
// (spec section 4.3). Expressions are parsed once at configuration time: a
// Go-syntax AST walk (go/ast over go/parser.ParseExpr, since the allowed
// grammar — boolean operators, comparisons, bare field names, literals,
// and the len/in functions — is a faithful subset of Go expression syntax;
// dotted attribute access such as a.b is not part of it and is rejected)
// rejects any node kind or identifier not on an explicit allow-list before the
// expression is ever handed to github.com/PaesslerAG/gval for evaluation.
// This satisfies the design note that the evaluator must never invoke a
// general-purpose eval: gval only ever sees expressions this package has
// already proven safe.
package expr

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"

	"github.com/PaesslerAG/gval"

	"github.com/tachyon-beep/elspeth/internal/elspetherrors"
)

// allowedFuncs is the closed set of function identifiers a predicate may
// call. Anything else is rejected at configuration time.
var allowedFuncs = map[string]bool{
	"len": true,
	"in":  true,
}

// allowedIdents is the closed set of bare identifiers that are not field
// names but are nonetheless legal tokens in a predicate.
var allowedIdents = map[string]bool{
	"true":  true,
	"false": true,
	"nil":   true,
}

// Predicate is a compiled, validated gate expression.
type Predicate struct {
	source string
	eval   gval.Evaluable
}

// gateLanguage is the restricted gval language: arithmetic/comparison/
// logical operators plus a hand-registered "in" membership function.
// Function calls and selectors beyond this language are rejected by the
// AST pre-walk before gval ever parses the string, so this language does
// not need to (and must not) include gval's general-purpose extensions
// like JSONPath or regex.
var gateLanguage = gval.NewLanguage(
	gval.Arithmetic(),
	gval.PropositionalLogic(),
	gval.Function("len", func(args ...any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("len: expected exactly 1 argument")
		}
		return lengthOf(args[0])
	}),
	gval.Function("in", func(args ...any) (any, error) {
		if len(args) < 1 {
			return false, nil
		}
		needle := args[0]
		for _, candidate := range args[1:] {
			if candidate == needle {
				return true, nil
			}
		}
		return false, nil
	}),
)

func lengthOf(v any) (int, error) {
	switch val := v.(type) {
	case string:
		return len(val), nil
	case []any:
		return len(val), nil
	case map[string]any:
		return len(val), nil
	default:
		return 0, fmt.Errorf("len: unsupported type %T", v)
	}
}

// Compile validates source against the restricted grammar and compiles it
// for repeated evaluation. allowedFields names the projection attributes
// the predicate may reference; any other bare identifier is rejected.
// Compile is the single point where a ConfigError can be raised for a gate
// expression — once compiled, evaluation is guaranteed total and
// side-effect free over the allowed grammar.
func Compile(source string, allowedFields []string) (*Predicate, error) {
	fieldSet := make(map[string]bool, len(allowedFields))
	for _, f := range allowedFields {
		fieldSet[f] = true
	}

	node, err := parser.ParseExpr(source)
	if err != nil {
		return nil, elspetherrors.ConfigError(fmt.Sprintf("expr: invalid predicate syntax: %q", source), err)
	}

	if err := walk(node, fieldSet); err != nil {
		return nil, elspetherrors.ConfigError(fmt.Sprintf("expr: predicate %q rejected", source), err)
	}

	evaluable, err := gateLanguage.NewEvaluable(source)
	if err != nil {
		return nil, elspetherrors.ConfigError(fmt.Sprintf("expr: gval could not compile %q", source), err)
	}

	return &Predicate{source: source, eval: evaluable}, nil
}

// Eval evaluates the predicate against a shallow projection of the current
// row (field name -> value). Evaluation is total and side-effect free by
// construction; any error here reflects a type mismatch inside the already
// validated expression (e.g. comparing a string to a number) and should be
// surfaced as a GateError, not a routing decision.
func (p *Predicate) Eval(ctx context.Context, projection map[string]any) (bool, error) {
	result, err := p.eval(ctx, projection)
	if err != nil {
		return false, elspetherrors.GateError(fmt.Sprintf("expr: evaluation of %q failed", p.source), err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, elspetherrors.GateError(fmt.Sprintf("expr: predicate %q did not evaluate to a boolean (got %T)", p.source, result), nil)
	}
	return b, nil
}

// String returns the original predicate source, used when recording a
// RoutingEvent's rule text.
func (p *Predicate) String() string { return p.source }

// walk rejects any AST node kind or identifier not on the allow-list.
func walk(node ast.Node, fields map[string]bool) error {
	var walkErr error
	ast.Inspect(node, func(n ast.Node) bool {
		if walkErr != nil {
			return false
		}
		if n == nil {
			return true
		}
		switch v := n.(type) {
		case *ast.BinaryExpr, *ast.ParenExpr, *ast.BasicLit:
			return true
		case *ast.UnaryExpr:
			if v.Op != token.NOT && v.Op != token.SUB {
				walkErr = fmt.Errorf("expr: unary operator %q not allowed", v.Op)
				return false
			}
			return true
		case *ast.Ident:
			if fields[v.Name] || allowedIdents[v.Name] {
				return true
			}
			// Bare identifiers that are the callee of an allowed call
			// (e.g. "len", "in") are validated by the CallExpr case
			// below; anything else reaching here is an unknown field.
			walkErr = fmt.Errorf("expr: identifier %q is not an allowed field or literal", v.Name)
			return false
		case *ast.CallExpr:
			ident, ok := v.Fun.(*ast.Ident)
			if !ok || !allowedFuncs[ident.Name] {
				walkErr = fmt.Errorf("expr: function calls are restricted to %v", allowedFuncNames())
				return false
			}
			for _, arg := range v.Args {
				if err := walk(arg, fields); err != nil {
					walkErr = err
					return false
				}
			}
			return false
		default:
			walkErr = fmt.Errorf("expr: construct %T is not allowed in a gate predicate", n)
			return false
		}
	})
	return walkErr
}

func allowedFuncNames() []string {
	names := make([]string, 0, len(allowedFuncs))
	for name := range allowedFuncs {
		names = append(names, name)
	}
	return names
}
