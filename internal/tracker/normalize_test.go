package tracker

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestNormalizeResult_Empty(t *testing.T) {
	if got := NormalizeResult(nil); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
	if got := NormalizeResult(json.RawMessage("")); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestNormalizeResult_PlainString(t *testing.T) {
	got := NormalizeResult(json.RawMessage(`"hello world"`))
	if got != "hello world" {
		t.Errorf("got %v", got)
	}
}

func TestNormalizeResult_NonJSON(t *testing.T) {
	got := NormalizeResult(json.RawMessage(`not json at all`))
	if got != "not json at all" {
		t.Errorf("got %v", got)
	}
}

func TestNormalizeResult_Object(t *testing.T) {
	got := NormalizeResult(json.RawMessage(`{"stdout":"ok","exit":0}`))
	want := map[string]any{"stdout": "ok", "exit": float64(0)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNormalizeResult_JSONEncodedString(t *testing.T) {
	// A string whose content is itself JSON gets unwrapped.
	got := NormalizeResult(json.RawMessage(`"{\"status\":\"done\"}"`))
	want := map[string]any{"status": "done"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNormalizeResult_DoublyEncoded(t *testing.T) {
	inner := `{"n":1}`
	level1, _ := json.Marshal(inner)       // "{\"n\":1}"
	level2, _ := json.Marshal(string(level1)) // "\"{\\\"n\\\":1}\""

	got := NormalizeResult(level2)
	want := map[string]any{"n": float64(1)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNormalizeResult_NumericLookingTextPreserved(t *testing.T) {
	// "3" parses as JSON, but unwrapping it would turn text into a number.
	got := NormalizeResult(json.RawMessage(`"3"`))
	if got != "3" {
		t.Errorf("numeric-looking string mangled: %v (%T)", got, got)
	}
	got = NormalizeResult(json.RawMessage(`"true"`))
	if got != "true" {
		t.Errorf("boolean-looking string mangled: %v (%T)", got, got)
	}
}

func TestNormalizeResult_NestedContainers(t *testing.T) {
	raw := json.RawMessage(`{"items":["{\"a\":1}","plain"]}`)
	got := NormalizeResult(raw)
	want := map[string]any{
		"items": []any{map[string]any{"a": float64(1)}, "plain"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNormalizeResult_DepthBounded(t *testing.T) {
	// Wrap a value deeper than the recursion ceiling; normalization must
	// terminate and return a string for the remaining layers.
	value := `{"leaf":true}`
	for i := 0; i < maxNormalizeDepth+2; i++ {
		encoded, _ := json.Marshal(value)
		value = string(encoded)
	}

	got := NormalizeResult(json.RawMessage(value))
	if _, isString := got.(string); !isString {
		t.Errorf("expected residual string at depth bound, got %T", got)
	}
}
