package canonical

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestMarshalSortsKeys(t *testing.T) {
	got, err := Marshal(map[string]any{"b": 2, "a": 1, "c": 3})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `{"a":1,"b":2,"c":3}`
	if string(got) != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	v := map[string]any{
		"id":     "rec-1",
		"nested": map[string]any{"z": "last", "a": "first"},
		"list":   []any{1, 2, 3},
	}

	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Marshal(v)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding not deterministic: %s vs %s", first, again)
		}
	}
}

func TestMarshalStructTags(t *testing.T) {
	type record struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
		Skip  string `json:"skip,omitempty"`
	}

	got, err := Marshal(record{Name: "x", Count: 7})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `{"count":7,"name":"x"}`
	if string(got) != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestMarshalStripsNulls(t *testing.T) {
	got, err := Marshal(map[string]any{"keep": "v", "drop": nil})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(got) != `{"keep":"v"}` {
		t.Errorf("expected null member stripped, got %s", got)
	}
}

func TestMarshalRejectsFloats(t *testing.T) {
	for _, v := range []any{
		map[string]any{"amount": 1.5},
		map[string]any{"amount": []any{1, 2.5}},
	} {
		if _, err := Marshal(v); !errors.Is(err, ErrFloatNotAllowed) {
			t.Errorf("expected ErrFloatNotAllowed for %v, got %v", v, err)
		}
	}

	// Integral floats round-trip through json.Number as integers.
	got, err := Marshal(map[string]any{"amount": 2.0})
	if err != nil {
		t.Fatalf("Marshal failed for integral float: %v", err)
	}
	if string(got) != `{"amount":2}` {
		t.Errorf("expected integral float encoded as integer, got %s", got)
	}
}

func TestMarshalNormalizesUnicode(t *testing.T) {
	// U+00E9 and U+0065 U+0301 are the same character in NFC.
	composed, err := Marshal(map[string]any{"café": 1})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	decomposed, err := Marshal(map[string]any{"café": 1})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !bytes.Equal(composed, decomposed) {
		t.Errorf("NFC forms differ: %s vs %s", composed, decomposed)
	}

	_, err = Marshal(map[string]any{"café": 1, "café": 2})
	if !errors.Is(err, ErrKeyCollision) {
		t.Errorf("expected ErrKeyCollision, got %v", err)
	}
}

func TestDigest(t *testing.T) {
	ref, err := Digest(map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	if !strings.HasPrefix(ref, "sha256:") || len(ref) != len("sha256:")+64 {
		t.Errorf("unexpected digest format %q", ref)
	}

	same, _ := Digest(map[string]any{"a": 1})
	if ref != same {
		t.Errorf("digest not stable: %s vs %s", ref, same)
	}
	other, _ := Digest(map[string]any{"a": 2})
	if ref == other {
		t.Error("distinct values produced identical digests")
	}
}
