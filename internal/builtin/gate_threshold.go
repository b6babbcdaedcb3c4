package builtin

import (
	"context"
	"fmt"

	"github.com/tachyon-beep/elspeth/internal/elspetherrors"
	"github.com/tachyon-beep/elspeth/internal/expr"
	"github.com/tachyon-beep/elspeth/internal/plugin"
)

// ThresholdGate routes a row down one of two labeled edges by evaluating
// a restricted predicate (internal/expr) against the row's fields, per
// spec scenario S2 ("gate with routes high (score >= 0.5) and low (score
// < 0.5)"). Evaluate is pure: no audit calls, no external I/O, matching
// the Gate contract's side-effect-free requirement.
type ThresholdGate struct {
	predicate  *expr.Predicate
	trueLabel  string
	falseLabel string
}

// NewThresholdGate compiles predicate once, validating it against
// allowedFields, and builds a gate that routes to trueLabel when the
// predicate holds and falseLabel otherwise.
func NewThresholdGate(predicate string, allowedFields []string, trueLabel, falseLabel string) (*ThresholdGate, error) {
	p, err := expr.Compile(predicate, allowedFields)
	if err != nil {
		return nil, err
	}
	return &ThresholdGate{predicate: p, trueLabel: trueLabel, falseLabel: falseLabel}, nil
}

func (g *ThresholdGate) Evaluate(ctx context.Context, row plugin.Row, pc *plugin.PluginContext) (plugin.RoutingAction, error) {
	ok, err := g.predicate.Eval(ctx, row)
	if err != nil {
		return plugin.RoutingAction{}, elspetherrors.GateError(
			fmt.Sprintf("builtin: threshold gate predicate %q failed", g.predicate.String()), err)
	}
	if ok {
		return plugin.RoutingAction{Kind: plugin.RouteTo, RouteLabels: []string{g.trueLabel}, Rule: g.predicate.String()}, nil
	}
	return plugin.RoutingAction{Kind: plugin.RouteTo, RouteLabels: []string{g.falseLabel}, Rule: "!(" + g.predicate.String() + ")"}, nil
}

var _ plugin.Gate = (*ThresholdGate)(nil)
