package codec

import (
	"bytes"
	"testing"
)

func TestMarshalDeterministic(t *testing.T) {
	v := map[string]any{"b": 2, "a": 1, "c": "x"}
	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 10 {
		again, err := Marshal(v)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("encoding is not deterministic")
		}
	}
}

func TestUnmarshalAnyUsesStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"props": map[string]any{"color": "red", "n": 3}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out any
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	top, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("decoded %T, want map[string]any", out)
	}
	props, ok := top["props"].(map[string]any)
	if !ok {
		t.Fatalf("props decoded %T, want map[string]any", top["props"])
	}
	if props["color"] != "red" {
		t.Errorf("color = %v", props["color"])
	}
	if props["n"] != int64(3) {
		t.Errorf("n = %v (%T), want int64(3)", props["n"], props["n"])
	}
}
