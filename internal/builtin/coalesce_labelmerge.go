package builtin

import (
	"sort"

	"context"

	"github.com/tachyon-beep/elspeth/internal/elspetherrors"
	"github.com/tachyon-beep/elspeth/internal/plugin"
)

// LabelMergeCoalesce merges the rows that arrived along each of a
// barrier's labeled input paths into a single row, processing labels in
// sorted order so the merge is deterministic regardless of arrival
// order. A key present on more than one labeled row merges when the
// values are equal and fails, rather than silently picking a winner, when
// they differ.
type LabelMergeCoalesce struct{}

// NewLabelMergeCoalesce builds a LabelMergeCoalesce.
func NewLabelMergeCoalesce() *LabelMergeCoalesce { return &LabelMergeCoalesce{} }

func (c *LabelMergeCoalesce) Merge(ctx context.Context, rowsByLabel map[string]plugin.Row, pc *plugin.PluginContext) (plugin.Row, error) {
	labels := make([]string, 0, len(rowsByLabel))
	for label := range rowsByLabel {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	merged := make(plugin.Row)
	for _, label := range labels {
		for k, v := range rowsByLabel[label] {
			if existing, ok := merged[k]; ok {
				if !equalValues(existing, v) {
					return nil, elspetherrors.InvariantViolation(
						"builtin: label-merge coalesce found conflicting values for field "+k, nil)
				}
				continue
			}
			merged[k] = v
		}
	}
	return merged, nil
}

func equalValues(a, b any) bool {
	return a == b
}

var _ plugin.Coalesce = (*LabelMergeCoalesce)(nil)
