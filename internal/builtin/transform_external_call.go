package builtin

import (
	"context"
	"fmt"

	"github.com/tachyon-beep/elspeth/internal/plugin"
)

// ExternalCallTransform demonstrates the audited-call discipline from spec
// section 4.8: it never dials an endpoint itself, only ever going through
// the HTTPClient the core handed it via PluginContext.HTTPClients, so
// every attempt gets hashed, rate-limited, circuit-broken, and recorded as
// a Call row by internal/executor.AuditedClient regardless of how many
// times the underlying transport actually fails before succeeding (spec
// scenario S4, "retry then success").
type ExternalCallTransform struct{}

// NewExternalCallTransform builds an ExternalCallTransform.
func NewExternalCallTransform() *ExternalCallTransform { return &ExternalCallTransform{} }

func (t *ExternalCallTransform) Process(ctx context.Context, row plugin.Row, pc *plugin.PluginContext) plugin.TransformResult {
	service, _ := pc.Config["service"].(string)
	if service == "" {
		service = "default"
	}
	url, _ := pc.Config["url"].(string)

	if pc.HTTPClients == nil {
		return plugin.Failure(fmt.Errorf("builtin: external call transform requires an HTTP client factory"), false)
	}
	client := pc.HTTPClients(service)

	body, err := rowToJSON(row)
	if err != nil {
		return plugin.Failure(fmt.Errorf("builtin: encode row for external call: %w", err), false)
	}

	resp, status, err := client.Do(ctx, "POST", url, body)
	if err != nil {
		return plugin.Failure(err, true)
	}

	out := make(plugin.Row, len(row)+2)
	for k, v := range row {
		out[k] = v
	}
	out["_response_status"] = status
	out["_response_body"] = string(resp)
	return plugin.Success(out)
}

var _ plugin.Transform = (*ExternalCallTransform)(nil)
