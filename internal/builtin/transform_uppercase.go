package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/tachyon-beep/elspeth/internal/plugin"
)

// UppercaseTransform uppercases a single configured string field ("field"
// in config, default "text"), leaving every other field untouched. It
// must not coerce non-string values (spec section 6: "must not silently
// coerce"); a field that isn't a string is a retryable-false Failure.
type UppercaseTransform struct{}

// NewUppercaseTransform builds an UppercaseTransform.
func NewUppercaseTransform() *UppercaseTransform { return &UppercaseTransform{} }

func (t *UppercaseTransform) Process(ctx context.Context, row plugin.Row, pc *plugin.PluginContext) plugin.TransformResult {
	field, _ := pc.Config["field"].(string)
	if field == "" {
		field = "text"
	}

	raw, ok := row[field]
	if !ok {
		return plugin.Failure(fmt.Errorf("builtin: uppercase transform: field %q not present on row", field), false)
	}
	s, ok := raw.(string)
	if !ok {
		return plugin.Failure(fmt.Errorf("builtin: uppercase transform: field %q is %T, not string", field, raw), false)
	}

	out := make(plugin.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	out[field] = strings.ToUpper(s)
	return plugin.Success(out)
}

var _ plugin.Transform = (*UppercaseTransform)(nil)
