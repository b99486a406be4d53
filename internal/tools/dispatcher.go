package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/relaywing/agentcore/internal/model"
	"github.com/relaywing/agentcore/internal/workpool"
)

// ErrHandlerMissing is returned (wrapped into the result map, not surfaced
// as a Go error to the caller — spec §7) when the model names an unknown
// tool.
var ErrHandlerMissing = errors.New("tools: no handler registered for name")

// ErrArgumentParse marks a dispatch failure caused by malformed arguments,
// as opposed to an error raised by the handler itself.
var ErrArgumentParse = errors.New("tools: argument parse error")

// Dispatcher executes registered handlers against model-proposed calls,
// injecting caller context and normalizing results (spec §4.3).
type Dispatcher struct {
	registry *Registry
	pool     *workpool.Pool
}

// NewDispatcher builds a Dispatcher over registry, offloading handler
// invocations onto pool.
func NewDispatcher(registry *Registry, pool *workpool.Pool) *Dispatcher {
	if pool == nil {
		pool = workpool.New(0)
	}
	return &Dispatcher{registry: registry, pool: pool}
}

// Execute runs handlerName with args, injecting caller context per spec
// §4.3's dispatcher contract and returning a uniform result map. It never
// returns a Go error — every failure mode is folded into the returned map
// per the model-facing contract.
func (d *Dispatcher) Execute(ctx context.Context, handlerName string, args map[string]any, callerChatID model.ChatId, callerUserID model.UserId) map[string]any {
	h, ok := d.registry.Get(handlerName)
	if !ok {
		slog.Warn("dispatch: unknown tool name", "name", handlerName)
		return map[string]any{"status": "not_found", "message": fmt.Sprintf("%v: %s", ErrHandlerMissing, handlerName)}
	}

	prepared := injectCallerContext(h, args, callerChatID, callerUserID)

	if missing := h.requiredMissing(prepared); len(missing) > 0 {
		msg := fmt.Sprintf("missing required arguments: %v", missing)
		slog.Warn("dispatch: missing required arguments", "tool", handlerName, "missing", missing)
		return map[string]any{"status": "error", "message": msg}
	}

	result := d.pool.Submit(ctx, func(ctx context.Context) (map[string]any, error) {
		return safeCall(ctx, h.Func, prepared)
	})
	if result.Err != nil {
		slog.Warn("dispatch: handler failed", "tool", handlerName, "error", result.Err)
		return map[string]any{"status": "error", "message": result.Err.Error()}
	}
	return normalizeResult(result.Value)
}

// injectCallerContext starts from the model-supplied args, drops unknown
// keys, and injects caller_chat_id/caller_user_id for declared parameters
// the model omitted. The model's own value always wins, which is what lets
// a tool act on a user other than the caller (spec §4.3 step 3).
func injectCallerContext(h HandlerMetadata, args map[string]any, callerChatID model.ChatId, callerUserID model.UserId) map[string]any {
	out := make(map[string]any, len(h.Params))
	allowed := h.paramNames()
	for k, v := range args {
		if allowed[k] {
			out[k] = v
		}
	}
	if h.hasParam("chat_id") {
		if _, present := out["chat_id"]; !present {
			out["chat_id"] = int64(callerChatID)
		}
	}
	if h.hasParam("user_id") {
		if _, present := out["user_id"]; !present {
			out["user_id"] = int64(callerUserID)
		}
	}
	return out
}

// safeCall catches a panic from the handler and converts it into an error
// so a misbehaving tool can never take down the caller's goroutine.
func safeCall(ctx context.Context, fn HandlerFunc, args map[string]any) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return fn(ctx, args)
}

// normalizeResult ensures the dispatcher always hands the model a map;
// scalar-shaped returns that a handler already wrapped are passed through,
// and a nil/empty map gets an implicit success status.
func normalizeResult(v map[string]any) map[string]any {
	if v == nil {
		return map[string]any{"status": "success"}
	}
	if _, hasStatus := v["status"]; !hasStatus {
		v["status"] = "success"
	}
	return v
}
