package builtin

import (
	"github.com/tachyon-beep/elspeth/internal/canonicaljson"
	"github.com/tachyon-beep/elspeth/internal/plugin"
)

// rowToJSON encodes a Row as canonical JSON bytes, the same normalization
// every other hash in the system goes through, so a request body built
// from a row hashes identically regardless of map iteration order.
func rowToJSON(row plugin.Row) ([]byte, error) {
	return canonicaljson.Marshal(row)
}
