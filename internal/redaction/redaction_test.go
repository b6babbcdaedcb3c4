package redaction

import "testing"

func TestRedactStringScrubsKnownPatterns(t *testing.T) {
	r := New(DefaultConfig())

	cases := []struct {
		name  string
		input string
	}{
		{"api key", `api_key: "sk-abc123"`},
		{"bearer token", `Authorization: Bearer abc.def.ghi`},
		{"password", `password="hunter2"`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := r.RedactString(tc.input)
			if got == tc.input {
				t.Fatalf("RedactString(%q) = %q, want a redacted value", tc.input, got)
			}
		})
	}
}

func TestRedactStringLeavesOrdinaryTextAlone(t *testing.T) {
	r := New(DefaultConfig())
	input := "row 42 failed schema validation: missing field \"email\""
	if got := r.RedactString(input); got != input {
		t.Fatalf("RedactString(%q) = %q, want unchanged", input, got)
	}
}

func TestRedactFieldsReplacesSecretNamedKeysOutright(t *testing.T) {
	r := New(DefaultConfig())
	fields := map[string]any{
		"endpoint": "https://api.example.com/v1",
		"api_key":  "sk-live-abc123",
		"nested": map[string]any{
			"credential": "topsecret",
			"count":      3,
		},
	}

	out := r.RedactFields(fields)
	if out["api_key"] != DefaultConfig().RedactionText {
		t.Fatalf("api_key = %v, want redacted", out["api_key"])
	}
	nested, ok := out["nested"].(map[string]any)
	if !ok {
		t.Fatalf("nested field lost its map type: %T", out["nested"])
	}
	if nested["credential"] != DefaultConfig().RedactionText {
		t.Fatalf("nested credential = %v, want redacted", nested["credential"])
	}
	if nested["count"] != 3 {
		t.Fatalf("nested count = %v, want unchanged", nested["count"])
	}
	if out["endpoint"] != fields["endpoint"] {
		t.Fatalf("endpoint = %v, want unchanged", out["endpoint"])
	}
}

func TestRedactorDisabledPassesThrough(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	r := New(cfg)

	input := `password="hunter2"`
	if got := r.RedactString(input); got != input {
		t.Fatalf("disabled RedactString(%q) = %q, want unchanged", input, got)
	}
}
