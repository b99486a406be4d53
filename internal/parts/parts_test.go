package parts

import (
	"testing"

	"github.com/relaywing/agentcore/internal/model"
)

func TestToDict_TextEmptyDropped(t *testing.T) {
	if d := ToDict(model.NewTextPart("")); d != nil {
		t.Fatalf("expected nil for empty text, got %v", d)
	}
}

func TestToDict_ToolCallEmptyNameDropped(t *testing.T) {
	if d := ToDict(model.NewToolCallPart("", map[string]any{"a": 1})); d != nil {
		t.Fatalf("expected nil for empty-name call, got %v", d)
	}
}

func TestRoundTrip_SerializeDeserializeReconstruct(t *testing.T) {
	original := []model.Part{
		model.NewTextPart("hello"),
		model.NewToolCallPart("get_weather", map[string]any{"location": "tokyo"}),
	}

	s := SerializeParts(original)
	dicts := DeserializeParts(s)
	if IsDeserializationFailure(dicts) {
		t.Fatalf("unexpected deserialization failure")
	}

	content := Reconstruct(model.RoleModel, dicts)
	if content == nil {
		t.Fatalf("expected non-nil content")
	}
	if len(content.Parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(content.Parts))
	}
	if content.Parts[0].Text != "hello" {
		t.Errorf("text part mismatch: %+v", content.Parts[0])
	}
	if content.Parts[1].CallName != "get_weather" {
		t.Errorf("call part mismatch: %+v", content.Parts[1])
	}
}

func TestRoundTrip_DropsEmptyNameCallsAndEmptyText(t *testing.T) {
	original := []model.Part{
		model.NewTextPart(""),
		model.NewToolCallPart("", nil),
		model.NewTextPart("kept"),
	}
	dicts := DeserializeParts(SerializeParts(original))
	content := Reconstruct(model.RoleModel, dicts)
	if content == nil || len(content.Parts) != 1 || content.Parts[0].Text != "kept" {
		t.Fatalf("expected only the kept text part to survive, got %+v", content)
	}
}

func TestReconstruct_NoValidPartsReturnsNil(t *testing.T) {
	dicts := []map[string]any{{"function_call": map[string]any{"name": ""}}}
	if c := Reconstruct(model.RoleModel, dicts); c != nil {
		t.Fatalf("expected nil content, got %+v", c)
	}
}

func TestDeserializeParts_MalformedJSONReturnsSentinel(t *testing.T) {
	dicts := DeserializeParts("{not json")
	if !IsDeserializationFailure(dicts) {
		t.Fatalf("expected sentinel failure dict, got %v", dicts)
	}
}

func TestNormalizeMap_FlattensMapLike(t *testing.T) {
	v := ToDict(model.NewToolResponsePart("r", map[string]any{"nested": fakeComposite{"x": 1}}))
	fr, _ := v["function_response"].(map[string]any)
	resp, _ := fr["response"].(map[string]any)
	nested, ok := resp["nested"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested map-composite to be flattened, got %#v", resp["nested"])
	}
	if nested["x"] != 1 {
		t.Errorf("expected flattened value to survive, got %v", nested["x"])
	}
}

type fakeComposite map[string]any

func (f fakeComposite) AsMap() map[string]any { return map[string]any(f) }
