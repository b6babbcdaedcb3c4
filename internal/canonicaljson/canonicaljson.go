// Package canonicaljson implements deterministic object-to-bytes
// normalization and hashing. Every audit hash in ELSPETH (row input hashes,
// node state output hashes, call request/response hashes, config
// fingerprints) is produced by this package so that two equal values always
// produce the same bytes, regardless of map iteration order or struct field
// order.
package canonicaljson

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

// CanonicalVersion is stamped on every Run so future schema changes can
// interpret hashes produced by older builds.
const CanonicalVersion = "1"

// Normalize projects a Go value into a JSON-safe form: time.Time becomes an
// RFC3339 UTC string, []byte becomes base64, and nested maps/slices are
// normalized recursively. NaN and +/-Inf floats are rejected because hashing
// a non-finite value is ambiguous.
func Normalize(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string, bool:
		return val, nil
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), nil
	case []byte:
		return base64.StdEncoding.EncodeToString(val), nil
	case float32:
		return normalizeFloat(float64(val))
	case float64:
		return normalizeFloat(val)
	case json.Number:
		// Stays a json.Number rather than becoming a plain string: encoding/json
		// has a built-in special case for this type that writes its digits as a
		// raw (unquoted) JSON number, which is exactly what marshalCanonical's
		// default branch needs for RFC 8785-shaped output.
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			n, err := Normalize(elem)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			n, err := Normalize(elem)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		return normalizeViaJSON(v)
	}
}

func normalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("canonicaljson: non-finite float is not hashable: %v", f)
	}
	return f, nil
}

// normalizeViaJSON handles structs, pointers, and other types by round
// tripping through encoding/json into a map[string]any/[]any tree, then
// normalizing that tree. This mirrors the teacher's own practice of treating
// encoding/json as the universal adapter for "arbitrary Go value to JSON
// tree" rather than hand-rolling reflection.
func normalizeViaJSON(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: marshal for normalization: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicaljson: decode for normalization: %w", err)
	}
	return Normalize(generic)
}

// Marshal emits RFC 8785 / JCS-shaped canonical JSON: UTF-8, sorted object
// keys, no insignificant whitespace. The value must already be normalized
// (or will be normalized as part of this call).
func Marshal(v any) ([]byte, error) {
	normalized, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := marshalCanonical(&buf, normalized); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func marshalCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := marshalCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := marshalCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(encoded)
		return nil
	}
}

// StableHash returns the lowercase hex SHA-256 of the canonical JSON
// encoding of v.
func StableHash(v any) (string, error) {
	canon, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return fmt.Sprintf("%x", sum), nil
}

// MustStableHash panics on error; reserved for call sites where v is known
// to be hashable (e.g. values already produced by Normalize).
func MustStableHash(v any) string {
	h, err := StableHash(v)
	if err != nil {
		panic(err)
	}
	return h
}
