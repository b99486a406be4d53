// Package providers implements the Provider Driver (spec §4.4): the
// dialect-specific loop that drives one model turn to completion, dispatching
// any tool calls it proposes along the way.
package providers

import (
	"context"

	"github.com/relaywing/agentcore/internal/model"
	"github.com/relaywing/agentcore/internal/parts"
	"github.com/relaywing/agentcore/internal/tools"
)

// Turn is one history entry in driver-native form: a role plus its parts.
type Turn = parts.Content

// ToolLogger is the narrow persistence capability the driver needs to
// satisfy spec §4.4.1 step 3 ("append a ToolExecutionLog"). The Dispatcher
// itself has no store dependency (spec §4.3 keeps dispatch and persistence
// separate), so the driver owns logging instead.
type ToolLogger interface {
	AppendToolLog(ctx context.Context, log model.ToolExecutionLog) error
}

// DriveRequest is everything a Driver needs to run one model turn.
type DriveRequest struct {
	// History is the prepared conversation so far (already trimmed/annotated
	// by the History Manager), oldest-first.
	History []Turn
	// UserMessage is the newly-arrived text to send this turn.
	UserMessage string

	// SystemPrompt is the operator-authored instruction text loaded from
	// pro_prompt_file (or lite_prompt_file, for the Pre-Filter's caller) at
	// startup. Empty means the driver sends no system instruction.
	SystemPrompt string

	Registry        *tools.Registry
	Dispatcher      *tools.Dispatcher
	ToolDeclarations []tools.ToolDeclaration

	// MaxSteps bounds the number of model round-trips in one Drive call
	// (tool-call step budget, spec §4.4 "Non-goals" notwithstanding — this
	// guards against a runaway tool-call loop).
	MaxSteps int

	CallerChatID  model.ChatId
	CallerUserID  model.UserId
	CallerIsAdmin bool

	// TriggerMessageID is threaded into every ToolExecutionLog this turn
	// produces (model.ToolExecutionLog.TriggerMessageID).
	TriggerMessageID *int64

	Logger ToolLogger
}

// DriveResult is what a Driver hands back once the model stops producing
// further tool calls (or a terminal condition is reached).
type DriveResult struct {
	// FinalHistory is req.History with every new turn produced this call
	// appended (including the new user turn) — the History Manager computes
	// its save-delta from len(FinalHistory) - len(req.History) (spec §4.5).
	FinalHistory []Turn

	LastToolCalled      string
	LastTextSentViaTool string
	LastToolResult      map[string]any
}

// Driver runs one Provider Driver loop to completion (spec §4.4.1/§4.4.2).
type Driver interface {
	Drive(ctx context.Context, req DriveRequest) (*DriveResult, error)
}
