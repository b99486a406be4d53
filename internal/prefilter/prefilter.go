package prefilter

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/relaywing/agentcore/internal/model"
)

// Caller sends one constrained prompt to the lite model and returns its raw
// text response. No tool access is involved — the Pre-Filter's model never
// sees a tool registry.
type Caller interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// PreFilter triages one group-chat message through the lite model, rate
// limited so a noisy chat cannot starve the heavy model's own quota
// (SPEC_FULL.md §4.8; the lite and heavy drivers share one KeyRotator, so
// bounding lite-model call volume here protects both).
type PreFilter struct {
	caller  Caller
	limiter *rate.Limiter
}

// New builds a PreFilter. limiter may be nil to disable throttling.
func New(caller Caller, limiter *rate.Limiter) *PreFilter {
	return &PreFilter{caller: caller, limiter: limiter}
}

// Invoke runs the constrained lite-model call and parses its response (spec
// §4.6). The prompt format — id, chat, then raw text — matches what the
// lite model was prompted to expect.
func (p *PreFilter) Invoke(ctx context.Context, userID model.UserId, chatID model.ChatId, text string) (Result, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return Result{}, fmt.Errorf("prefilter: rate limit wait: %w", err)
		}
	}
	prompt := fmt.Sprintf("user_id: %d\nchat_id: %d\nuser_input: %s", userID, chatID, text)
	resp, err := p.caller.GenerateText(ctx, prompt)
	if err != nil {
		return Result{}, fmt.Errorf("prefilter: lite model call failed: %w", err)
	}
	return Parse(resp), nil
}
