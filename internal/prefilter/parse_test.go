package prefilter

import "testing"

func TestParseEmptyTextIsNoActionNeeded(t *testing.T) {
	r := Parse("")
	if !r.NoActionNeeded || r.Err != nil || len(r.Actions) != 0 {
		t.Fatalf("got %+v, want NoActionNeeded", r)
	}
}

func TestParseEmptyActionsListIsNoActionNeeded(t *testing.T) {
	r := Parse(`{"actions_to_perform": []}`)
	if !r.NoActionNeeded {
		t.Fatalf("got %+v, want NoActionNeeded", r)
	}
}

func TestParseStripsFencedJSONBlock(t *testing.T) {
	text := "```json\n{\"actions_to_perform\": [{\"function_name\": \"remember_user_info\", \"arguments\": {\"user_id\": 5, \"info_category\": \"likes\", \"info_value\": \"coffee\"}}]}\n```"
	r := Parse(text)
	if r.Err != nil {
		t.Fatalf("unexpected parse error: %+v", r.Err)
	}
	if len(r.Actions) != 1 || r.Actions[0].FunctionName != "remember_user_info" {
		t.Fatalf("got %+v, want one remember_user_info action", r)
	}
}

func TestParseStripsPlainFenceNoLanguageTag(t *testing.T) {
	text := "```\n{\"actions_to_perform\": [{\"function_name\": \"trigger_pro_model_processing\", \"arguments\": {}}]}\n```"
	r := Parse(text)
	if r.Err != nil {
		t.Fatalf("unexpected parse error: %+v", r.Err)
	}
	if len(r.Actions) != 1 || r.Actions[0].FunctionName != ActionTriggerProModel {
		t.Fatalf("got %+v", r)
	}
}

func TestParseCoercesUserIDAndChatIDToInt64(t *testing.T) {
	text := `{"actions_to_perform": [{"function_name": "remember_user_info", "arguments": {"user_id": "42", "chat_id": 7.0, "info_category": "x", "info_value": "y"}}]}`
	r := Parse(text)
	if r.Err != nil {
		t.Fatalf("unexpected parse error: %+v", r.Err)
	}
	args := r.Actions[0].Arguments
	if uid, ok := args["user_id"].(int64); !ok || uid != 42 {
		t.Fatalf("user_id not coerced to int64: %+v", args["user_id"])
	}
	if cid, ok := args["chat_id"].(int64); !ok || cid != 7 {
		t.Fatalf("chat_id not coerced to int64: %+v", args["chat_id"])
	}
}

func TestParseDropsMalformedActionItemsKeepingValidOnes(t *testing.T) {
	text := `{"actions_to_perform": [{"function_name": "", "arguments": {}}, {"function_name": "trigger_pro_model_processing", "arguments": {}}]}`
	r := Parse(text)
	if r.Err != nil {
		t.Fatalf("unexpected parse error: %+v", r.Err)
	}
	if len(r.Actions) != 1 {
		t.Fatalf("got %d actions, want 1 surviving valid action: %+v", len(r.Actions), r.Actions)
	}
}

func TestParseAllMalformedActionsIsInvalidStructureError(t *testing.T) {
	text := `{"actions_to_perform": [{"function_name": "", "arguments": {}}]}`
	r := Parse(text)
	if r.Err == nil || r.Err.Code != "INVALID_ACTION_STRUCTURE" {
		t.Fatalf("got %+v, want INVALID_ACTION_STRUCTURE error", r)
	}
}

func TestParseInvalidJSONIsDecodeError(t *testing.T) {
	r := Parse("not json at all")
	if r.Err == nil || r.Err.Code != "JSON_DECODE_ERROR" {
		t.Fatalf("got %+v, want JSON_DECODE_ERROR", r)
	}
}

func TestParseErrorImplementsErrorInterface(t *testing.T) {
	var err error = &ParseError{Code: "X", Message: "y"}
	if err.Error() != "X: y" {
		t.Fatalf("got %q", err.Error())
	}
}
