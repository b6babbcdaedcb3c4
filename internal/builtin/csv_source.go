// Package builtin provides a minimal reference implementation of each
// plugin protocol kind (spec section 6), sufficient to drive the
// end-to-end scenarios a pipeline config can declare: a CSV source, an
// uppercase transform and an audited external-call transform, a threshold
// gate, a counting aggregation, a label-merging coalesce, and a sink that
// writes each batch as one JSON array into the payload store. These
// exist to exercise internal/executor and internal/orchestrator, not as a
// production plugin catalogue — real deployments register their own
// plugins against the same internal/plugin interfaces.
package builtin

import (
	"context"
	"encoding/csv"
	"strconv"
	"strings"

	"github.com/tachyon-beep/elspeth/internal/elspetherrors"
	"github.com/tachyon-beep/elspeth/internal/plugin"
)

// CSVSource reads rows from inline CSV text (config key "data"); it does
// not read from a file path. It coerces each column's cells via best-effort
// type inference — int, then float, then bool, then string — since a
// Source is the one plugin kind the spec allows to coerce external data
// at the Tier-2/Tier-3 boundary (spec section 6).
type CSVSource struct{}

// NewCSVSource builds a CSVSource.
func NewCSVSource() *CSVSource { return &CSVSource{} }

func (s *CSVSource) Load(ctx context.Context, pc *plugin.PluginContext) (plugin.RowIterator, error) {
	raw, ok := pc.Config["data"].(string)
	if !ok || raw == "" {
		return nil, elspetherrors.ConfigError("builtin: csv source requires a non-empty \"data\" config string", nil)
	}

	r := csv.NewReader(strings.NewReader(raw))
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, elspetherrors.SourceError("builtin: csv source failed to parse input", err)
	}
	if len(records) == 0 {
		return &csvRowIterator{}, nil
	}

	header := records[0]
	rows := make([]plugin.Row, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(plugin.Row, len(header))
		for i, col := range header {
			if i >= len(record) {
				continue
			}
			row[col] = coerceCell(record[i])
		}
		rows = append(rows, row)
	}
	return &csvRowIterator{rows: rows}, nil
}

func coerceCell(cell string) any {
	if n, err := strconv.ParseInt(cell, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(cell); err == nil {
		return b
	}
	return cell
}

type csvRowIterator struct {
	rows []plugin.Row
	pos  int
}

func (it *csvRowIterator) Next(ctx context.Context) bool {
	if it.pos >= len(it.rows) {
		return false
	}
	it.pos++
	return true
}

func (it *csvRowIterator) Row() plugin.Row { return it.rows[it.pos-1] }
func (it *csvRowIterator) Err() error       { return nil }
func (it *csvRowIterator) Close() error     { return nil }

var _ plugin.Source = (*CSVSource)(nil)
