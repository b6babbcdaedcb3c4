package builtin

import (
	"context"
	"fmt"

	"github.com/tachyon-beep/elspeth/internal/canonicaljson"
	"github.com/tachyon-beep/elspeth/internal/elspetherrors"
	"github.com/tachyon-beep/elspeth/internal/plugin"
)

// JSONFileSink writes its batch of rows as one canonical-JSON array into
// the content-addressable payload store (spec section 4.6), reporting
// the resulting content hash as the Artifact's uri/content_hash so later
// explain/resume/purge operations can navigate straight back to the
// bytes through the same hash every other audit record uses.
type JSONFileSink struct{}

// NewJSONFileSink builds a JSONFileSink.
func NewJSONFileSink() *JSONFileSink { return &JSONFileSink{} }

func (s *JSONFileSink) Write(ctx context.Context, rows []plugin.Row, pc *plugin.PluginContext) (plugin.ArtifactDescriptor, error) {
	if pc.Payloads == nil {
		return plugin.ArtifactDescriptor{}, elspetherrors.ConfigError("builtin: jsonfile sink requires a payload store", nil)
	}

	payload := make([]any, len(rows))
	for i, r := range rows {
		payload[i] = r
	}
	data, err := canonicaljson.Marshal(payload)
	if err != nil {
		return plugin.ArtifactDescriptor{}, elspetherrors.TransformError("builtin: jsonfile sink failed to marshal rows", false, err)
	}

	hash, err := pc.Payloads.Put(data)
	if err != nil {
		return plugin.ArtifactDescriptor{}, elspetherrors.TransformError("builtin: jsonfile sink failed to store payload", false, err)
	}

	return plugin.ArtifactDescriptor{
		URI:         fmt.Sprintf("payload://%s", hash),
		ContentHash: hash,
		SizeBytes:   int64(len(data)),
		Kind:        "jsonfile",
	}, nil
}

var _ plugin.Sink = (*JSONFileSink)(nil)
