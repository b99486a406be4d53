// Package prefilter implements the Pre-Filter (spec §4.6): a constrained,
// tool-less lite model that triages a group-chat message into either no
// action, a small list of recognized actions, or a structured parse error.
package prefilter

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ActionTriggerProModel escalates the request to the heavy driver.
const ActionTriggerProModel = "trigger_pro_model_processing"

// ActionRememberUserInfo is executed inline against the store, bypassing
// the dispatcher entirely (spec §4.6).
const ActionRememberUserInfo = "remember_user_info"

// Action is one recognized instruction the lite model asked for.
type Action struct {
	FunctionName string
	Arguments    map[string]any
}

// ParseError reports why the lite model's raw text could not be turned
// into actions.
type ParseError struct {
	Code    string
	Message string
}

func (e *ParseError) Error() string { return e.Code + ": " + e.Message }

// Result is the outcome of parsing one lite-model response.
type Result struct {
	NoActionNeeded bool
	Actions        []Action
	Err            *ParseError
}

type rawEnvelope struct {
	ActionsToPerform []rawAction `json:"actions_to_perform"`
}

type rawAction struct {
	FunctionName string         `json:"function_name"`
	Arguments    map[string]any `json:"arguments"`
}

// Parse implements spec §4.6's output parsing: strip a leading fenced code
// block and optional "json" language tag, JSON-decode, validate the
// top-level shape, coerce user_id/chat_id arguments to integers, and drop
// malformed action items. An empty response is NO_ACTION_NEEDED.
func Parse(text string) Result {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{NoActionNeeded: true}
	}

	cleaned := stripFence(trimmed)

	var env rawEnvelope
	if err := json.Unmarshal([]byte(cleaned), &env); err != nil {
		return Result{Err: &ParseError{
			Code:    "JSON_DECODE_ERROR",
			Message: "lite model did not return valid JSON",
		}}
	}

	if len(env.ActionsToPerform) == 0 {
		// A body that decoded but never had the key at all (envelope
		// zero-valued) is indistinguishable here from "explicitly empty
		// list"; both are treated as NO_ACTION_NEEDED rather than the
		// former its own INVALID_JSON_STRUCTURE error (see DESIGN.md's
		// internal/prefilter entry).
		return Result{NoActionNeeded: true}
	}

	actions := make([]Action, 0, len(env.ActionsToPerform))
	for _, a := range env.ActionsToPerform {
		if a.FunctionName == "" || a.Arguments == nil {
			continue
		}
		actions = append(actions, Action{
			FunctionName: a.FunctionName,
			Arguments:    coerceIDs(a.Arguments),
		})
	}

	if len(actions) == 0 {
		return Result{Err: &ParseError{
			Code:    "INVALID_ACTION_STRUCTURE",
			Message: "actions list contains only invalid action structures",
		}}
	}

	return Result{Actions: actions}
}

// stripFence removes a leading/trailing ``` fence and an optional "json"
// language tag on the first line, matching the lite model's common habit of
// wrapping JSON in Markdown even when asked not to.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") {
		return s
	}
	inner := strings.TrimSpace(s[3 : len(s)-3])
	if nl := strings.IndexByte(inner, '\n'); nl != -1 {
		firstLine := strings.ToLower(strings.TrimSpace(inner[:nl]))
		if firstLine == "json" {
			return strings.TrimSpace(inner[nl:])
		}
	} else if strings.HasPrefix(strings.ToLower(inner), "json") {
		return strings.TrimSpace(inner[4:])
	}
	return inner
}

// coerceIDs converts user_id/chat_id argument values to int64 when the
// model emitted them as a JSON number or numeric string, matching the
// dispatcher's expectation that these arrive as integers.
func coerceIDs(args map[string]any) map[string]any {
	for _, key := range []string{"user_id", "chat_id"} {
		v, ok := args[key]
		if !ok || v == nil {
			continue
		}
		if n, ok := asInt64(v); ok {
			args[key] = n
		}
	}
	return args
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return int64(f), true
		}
	}
	return 0, false
}
