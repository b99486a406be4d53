// Package parts implements the bidirectional conversion between in-memory
// Part variants and the persisted JSON dict form (spec §4.1).
package parts

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/relaywing/agentcore/internal/model"
)

// deserializationFailedSentinel is returned by DeserializeParts when the
// stored JSON cannot be decoded, so callers can skip the entry explicitly
// rather than silently treating a corrupt row as an empty turn.
const deserializationFailedSentinel = "deserialization_failed"

// mapLike is the structural shape a provider SDK's composite map type
// exposes (genai.MapComposite and similar). Any value with this method is
// flattened to a native map rather than leaking the SDK type into
// persistence, per spec §9.
type mapLike interface {
	AsMap() map[string]any
}

// ToDict converts a single Part to its persisted dict form. It emits exactly
// one of the "text", "function_call", "function_response" keys. A Text part
// with empty content and nothing else yields nil, signaling the caller to
// drop it.
func ToDict(p model.Part) map[string]any {
	switch p.Kind {
	case model.PartText:
		if p.Text == "" {
			return nil
		}
		return map[string]any{"text": p.Text}
	case model.PartToolCall:
		if p.CallName == "" {
			slog.Debug("dropping tool call part with empty name")
			return nil
		}
		return map[string]any{
			"function_call": map[string]any{
				"name": p.CallName,
				"args": normalizeMap(p.CallArgs),
			},
		}
	case model.PartToolResponse:
		if p.ResponseName == "" {
			slog.Debug("dropping tool response part with empty name")
			return nil
		}
		return map[string]any{
			"function_response": map[string]any{
				"name":     p.ResponseName,
				"response": normalizeMap(p.ResponseResult),
			},
		}
	default:
		return nil
	}
}

// normalizeMap walks a map, coercing keys to strings, flattening SDK
// map-composite values into native maps, and falling back to a string
// representation for scalars the encoder can't otherwise place.
func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case mapLike:
		return normalizeMap(t.AsMap())
	case map[string]any:
		return normalizeMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case string, bool, nil, float64, int, int64, float32:
		return t
	default:
		slog.Warn("coercing unrecognized value type to string in part args", "go_type", fmt.Sprintf("%T", t))
		return fmt.Sprintf("%v", t)
	}
}

// Content is the role-tagged, reconstructed part list a provider driver
// consumes for one turn (the Go binding of spec §4.1's "Content").
type Content struct {
	Role  model.Role
	Parts []model.Part
}

// Reconstruct builds Parts in order from persisted dicts. Parts with an
// empty tool-call/response name are dropped; parts with no content at all
// are dropped. Returns nil if no valid parts remain — the caller decides
// whether to keep an empty model turn for structural continuity.
func Reconstruct(role model.Role, dicts []map[string]any) *Content {
	var out []model.Part
	for _, d := range dicts {
		if p, ok := partFromDict(d); ok {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return &Content{Role: role, Parts: out}
}

func partFromDict(d map[string]any) (model.Part, bool) {
	if d == nil {
		return model.Part{}, false
	}
	if text, ok := d["text"]; ok {
		s, _ := text.(string)
		if s == "" {
			return model.Part{}, false
		}
		return model.NewTextPart(s), true
	}
	if fc, ok := d["function_call"].(map[string]any); ok {
		name, _ := fc["name"].(string)
		if name == "" {
			return model.Part{}, false
		}
		args, _ := fc["args"].(map[string]any)
		return model.NewToolCallPart(name, args), true
	}
	if fr, ok := d["function_response"].(map[string]any); ok {
		name, _ := fr["name"].(string)
		if name == "" {
			return model.Part{}, false
		}
		result, _ := fr["response"].(map[string]any)
		return model.NewToolResponsePart(name, result), true
	}
	return model.Part{}, false
}

// SerializeParts JSON-encodes a Part list for persistence. On encode
// failure it logs and returns the empty-list literal so the caller always
// has a valid JSON string to store.
func SerializeParts(ps []model.Part) string {
	dicts := make([]map[string]any, 0, len(ps))
	for _, p := range ps {
		if d := ToDict(p); d != nil {
			dicts = append(dicts, d)
		}
	}
	b, err := json.Marshal(dicts)
	if err != nil {
		slog.Error("failed to serialize parts", "error", err)
		return "[]"
	}
	return string(b)
}

// DeserializeParts JSON-decodes a persisted parts string. On decode failure
// it returns a one-element sentinel dict so the caller can skip the entry
// explicitly instead of misreading a corrupt row as an empty turn.
func DeserializeParts(s string) []map[string]any {
	if s == "" {
		return nil
	}
	var dicts []map[string]any
	if err := json.Unmarshal([]byte(s), &dicts); err != nil {
		slog.Warn("failed to deserialize parts, returning sentinel", "error", err)
		return []map[string]any{{"error": deserializationFailedSentinel}}
	}
	return dicts
}

// IsDeserializationFailure reports whether dicts is the sentinel produced by
// a decode failure in DeserializeParts.
func IsDeserializationFailure(dicts []map[string]any) bool {
	if len(dicts) != 1 {
		return false
	}
	v, ok := dicts[0]["error"]
	if !ok {
		return false
	}
	s, _ := v.(string)
	return s == deserializationFailedSentinel
}
