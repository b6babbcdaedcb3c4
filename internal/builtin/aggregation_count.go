package builtin

import (
	"context"
	"sync"

	"github.com/tachyon-beep/elspeth/internal/plugin"
)

// CountAggregation buffers rows under Accept and, on Flush, emits a
// single row reporting how many rows it buffered (spec scenario S3: each
// of the three closed batches becomes exactly one output row). The
// core's trigger engine (internal/operators.Aggregator) decides when
// Flush is called; this plugin only knows about its own buffer.
type CountAggregation struct {
	mu     sync.Mutex
	buffer []plugin.Row
}

// NewCountAggregation builds a CountAggregation.
func NewCountAggregation() *CountAggregation { return &CountAggregation{} }

func (a *CountAggregation) Accept(ctx context.Context, row plugin.Row, pc *plugin.PluginContext) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffer = append(a.buffer, row)
	return nil
}

func (a *CountAggregation) Flush(ctx context.Context, reason plugin.FlushReason, pc *plugin.PluginContext) ([]plugin.Row, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	count := len(a.buffer)
	a.buffer = nil
	return []plugin.Row{{"count": count, "trigger": string(reason)}}, nil
}

var _ plugin.Aggregation = (*CountAggregation)(nil)
