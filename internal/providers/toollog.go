package providers

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relaywing/agentcore/internal/model"
)

// buildToolExecutionLog shapes one dispatch outcome into the persisted
// record (spec §4.4.1 step 3), shared by every dialect's driver loop.
func buildToolExecutionLog(chatID model.ChatId, userID model.UserId, toolName string, args map[string]any, result map[string]any, triggerMsgID *int64) model.ToolExecutionLog {
	uid := userID
	log := model.ToolExecutionLog{
		ID:               uuid.NewString(),
		ChatID:           chatID,
		UserID:           &uid,
		Timestamp:        time.Now().UTC(),
		ToolName:         toolName,
		Status:           statusFromResult(result),
		TriggerMessageID: triggerMsgID,
	}
	if argsJSON, err := json.Marshal(args); err == nil {
		s := string(argsJSON)
		log.ArgsJSON = &s
	}
	if fullJSON, err := json.Marshal(result); err == nil {
		s := string(fullJSON)
		log.FullResultJSON = &s
	}
	if msg, ok := result["message"].(string); ok {
		log.ResultMessage = &msg
	}
	if out, ok := result["stdout"].(string); ok {
		log.Stdout = &out
	}
	if errOut, ok := result["stderr"].(string); ok {
		log.Stderr = &errOut
	}
	if rc, ok := asInt(result["return_code"]); ok {
		log.ReturnCode = &rc
	}
	return log
}

func statusFromResult(result map[string]any) model.ToolExecutionStatus {
	s, _ := result["status"].(string)
	switch model.ToolExecutionStatus(s) {
	case model.ToolStatusError, model.ToolStatusNotFound, model.ToolStatusWarning, model.ToolStatusTimeout:
		return model.ToolExecutionStatus(s)
	default:
		return model.ToolStatusSuccess
	}
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}

// isTruthy interprets a model-supplied argument value as a boolean, since a
// tool call's JSON arguments may encode "true" as a bool, a string, or a
// number depending on how the model emitted it.
func isTruthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1" || t == "yes"
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return false
	}
}

// logToolExecution appends a ToolExecutionLog, swallowing (but logging) a
// store failure — a dropped audit row must never abort an otherwise-healthy
// tool dispatch.
func logToolExecution(ctx context.Context, logger ToolLogger, entry model.ToolExecutionLog) {
	if logger == nil {
		return
	}
	if err := logger.AppendToolLog(ctx, entry); err != nil {
		slog.Warn("failed to append tool execution log", "tool", entry.ToolName, "error", err)
	}
}
