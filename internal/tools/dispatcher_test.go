package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/relaywing/agentcore/internal/model"
	"github.com/relaywing/agentcore/internal/workpool"
)

func newTestDispatcher(t *testing.T) (*Registry, *Dispatcher) {
	t.Helper()
	r := NewRegistry()
	d := NewDispatcher(r, workpool.New(4))
	return r, d
}

func TestDispatcher_ModelSuppliedUserIDWins(t *testing.T) {
	r, d := newTestDispatcher(t)
	var seenUserID int64
	r.MustRegister(HandlerMetadata{
		Name:   "act_as",
		Params: []ParamSpec{{Name: "user_id"}},
		Func: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			seenUserID, _ = args["user_id"].(int64)
			return nil, nil
		},
	})

	res := d.Execute(context.Background(), "act_as", map[string]any{"user_id": int64(42)}, model.ChatId(1), model.UserId(7))
	if res["status"] != "success" {
		t.Fatalf("expected success, got %v", res)
	}
	if seenUserID != 42 {
		t.Fatalf("expected model-supplied user_id=42 to win over caller=7, got %d", seenUserID)
	}
}

func TestDispatcher_InjectsCallerIDsWhenOmitted(t *testing.T) {
	r, d := newTestDispatcher(t)
	var gotChat, gotUser int64
	r.MustRegister(HandlerMetadata{
		Name:   "echo_ids",
		Params: []ParamSpec{{Name: "chat_id"}, {Name: "user_id"}},
		Func: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			gotChat, _ = args["chat_id"].(int64)
			gotUser, _ = args["user_id"].(int64)
			return nil, nil
		},
	})

	d.Execute(context.Background(), "echo_ids", map[string]any{}, model.ChatId(100), model.UserId(200))
	if gotChat != 100 || gotUser != 200 {
		t.Fatalf("expected injected caller context 100/200, got %d/%d", gotChat, gotUser)
	}
}

func TestDispatcher_DropsUnknownArgs(t *testing.T) {
	r, d := newTestDispatcher(t)
	var seenArgs map[string]any
	r.MustRegister(HandlerMetadata{
		Name:   "strict",
		Params: []ParamSpec{{Name: "a"}},
		Func: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			seenArgs = args
			return nil, nil
		},
	})

	d.Execute(context.Background(), "strict", map[string]any{"a": 1, "b": 2}, 0, 0)
	if _, ok := seenArgs["b"]; ok {
		t.Fatalf("expected unknown key 'b' to be dropped, got %v", seenArgs)
	}
	if seenArgs["a"] != 1 {
		t.Fatalf("expected known key 'a' to survive, got %v", seenArgs)
	}
}

func TestDispatcher_MissingRequiredArgFailsFast(t *testing.T) {
	r, d := newTestDispatcher(t)
	called := false
	r.MustRegister(HandlerMetadata{
		Name:   "needs_arg",
		Params: []ParamSpec{{Name: "required_thing", Required: true}},
		Func: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			called = true
			return nil, nil
		},
	})

	res := d.Execute(context.Background(), "needs_arg", map[string]any{}, 0, 0)
	if res["status"] != "error" {
		t.Fatalf("expected error status, got %v", res)
	}
	if called {
		t.Fatalf("handler must not be invoked when a required arg is missing")
	}
}

func TestDispatcher_UnknownToolIsNotFound(t *testing.T) {
	_, d := newTestDispatcher(t)
	res := d.Execute(context.Background(), "does_not_exist", nil, 0, 0)
	if res["status"] != "not_found" {
		t.Fatalf("expected not_found status, got %v", res)
	}
}

func TestDispatcher_HandlerErrorBecomesErrorStatus(t *testing.T) {
	r, d := newTestDispatcher(t)
	r.MustRegister(HandlerMetadata{
		Name: "boom",
		Func: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return nil, errors.New("kaboom")
		},
	})
	res := d.Execute(context.Background(), "boom", nil, 0, 0)
	if res["status"] != "error" {
		t.Fatalf("expected error status, got %v", res)
	}
}

func TestDispatcher_HandlerPanicIsCaught(t *testing.T) {
	r, d := newTestDispatcher(t)
	r.MustRegister(HandlerMetadata{
		Name: "panics",
		Func: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			panic("boom")
		},
	})
	res := d.Execute(context.Background(), "panics", nil, 0, 0)
	if res["status"] != "error" {
		t.Fatalf("expected a panic to be converted into an error status, got %v", res)
	}
}

func TestDispatcher_NilResultGetsImplicitSuccess(t *testing.T) {
	r, d := newTestDispatcher(t)
	r.MustRegister(HandlerMetadata{
		Name: "returns_nil",
		Func: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return nil, nil
		},
	})
	res := d.Execute(context.Background(), "returns_nil", nil, 0, 0)
	if res["status"] != "success" {
		t.Fatalf("expected implicit success status, got %v", res)
	}
}

func TestRegistry_DuplicateRegistrationOverwrites(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(HandlerMetadata{Name: "dup", Func: func(context.Context, map[string]any) (map[string]any, error) { return map[string]any{"v": 1}, nil }})
	r.MustRegister(HandlerMetadata{Name: "dup", Func: func(context.Context, map[string]any) (map[string]any, error) { return map[string]any{"v": 2}, nil }})

	h, ok := r.Get("dup")
	if !ok {
		t.Fatalf("expected dup to be registered")
	}
	res, _ := h.Func(context.Background(), nil)
	if res["v"] != 2 {
		t.Fatalf("expected second registration to win, got %v", res)
	}
}

func TestRegistry_DeclarationsHidesAdminOnlyFromNonAdmin(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(HandlerMetadata{Name: "public", Func: func(context.Context, map[string]any) (map[string]any, error) { return nil, nil }})
	r.MustRegister(HandlerMetadata{Name: "admin_tool", AdminOnly: true, Func: func(context.Context, map[string]any) (map[string]any, error) { return nil, nil }})

	nonAdmin := r.Declarations(false)
	if len(nonAdmin) != 1 || nonAdmin[0].Name != "public" {
		t.Fatalf("expected only public tool visible to non-admin, got %+v", nonAdmin)
	}

	admin := r.Declarations(true)
	if len(admin) != 2 {
		t.Fatalf("expected both tools visible to admin, got %+v", admin)
	}
}
