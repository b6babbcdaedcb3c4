package canonicaljson

import (
	"math"
	"testing"
	"time"
)

func TestMarshalSortsKeys(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2}
	b := map[string]any{"a": 2, "b": 1}
	ca, err := Marshal(a)
	if err != nil {
		t.Fatalf("marshal a: %v", err)
	}
	cb, err := Marshal(b)
	if err != nil {
		t.Fatalf("marshal b: %v", err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("expected equal canonical bytes, got %s vs %s", ca, cb)
	}
	if string(ca) != `{"a":2,"b":1}` {
		t.Fatalf("unexpected canonical form: %s", ca)
	}
}

func TestStableHashEqualForEquivalentValues(t *testing.T) {
	h1, err := StableHash(map[string]any{"id": 1, "text": "hello"})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := StableHash(map[string]any{"text": "hello", "id": 1})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("hashes diverged for equivalent maps: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h1))
	}
}

func TestNormalizeRejectsNaNAndInf(t *testing.T) {
	cases := []float64{math.NaN(), math.Inf(1), math.Inf(-1)}
	for _, c := range cases {
		if _, err := Normalize(c); err == nil {
			t.Fatalf("expected error normalizing %v", c)
		}
	}
}

func TestNormalizeTimeBecomesRFC3339(t *testing.T) {
	ts := time.Date(2026, 7, 31, 12, 0, 0, 0, time.FixedZone("x", 3600))
	n, err := Normalize(ts)
	if err != nil {
		t.Fatal(err)
	}
	s, ok := n.(string)
	if !ok {
		t.Fatalf("expected string, got %T", n)
	}
	if s != ts.UTC().Format(time.RFC3339Nano) {
		t.Fatalf("unexpected normalized time: %s", s)
	}
}

func TestMarshalBytesAsBase64(t *testing.T) {
	out, err := Marshal(map[string]any{"blob": []byte("hi")})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"blob":"aGk="}` {
		t.Fatalf("unexpected base64 encoding: %s", out)
	}
}
