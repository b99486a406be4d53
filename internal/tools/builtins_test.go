package tools

import (
	"context"
	"testing"
	"time"

	"github.com/relaywing/agentcore/internal/model"
)

type fakeNoteStore struct {
	upserted []model.UserNote
}

func (f *fakeNoteStore) UpsertNote(ctx context.Context, note model.UserNote, merge bool) error {
	f.upserted = append(f.upserted, note)
	return nil
}

func TestRegisterCommunicationToolCallsSendFunc(t *testing.T) {
	r := NewRegistry()
	var sentChat model.ChatId
	var sentText string
	RegisterCommunicationTool(r, func(ctx context.Context, chatID model.ChatId, text string) error {
		sentChat, sentText = chatID, text
		return nil
	})

	h, ok := r.Get(CommunicationToolName)
	if !ok {
		t.Fatalf("expected %s to be registered", CommunicationToolName)
	}
	res, err := h.Func(context.Background(), map[string]any{"chat_id": int64(42), "text": "hi"})
	if err != nil {
		t.Fatalf("Func: %v", err)
	}
	if sentChat != 42 || sentText != "hi" {
		t.Fatalf("send func got chat=%d text=%q", sentChat, sentText)
	}
	if res["status"] != "success" {
		t.Fatalf("got %+v", res)
	}
}

func TestRegisterCommunicationToolEscapesMarkdownV2Specials(t *testing.T) {
	r := NewRegistry()
	var sentText string
	RegisterCommunicationTool(r, func(ctx context.Context, chatID model.ChatId, text string) error {
		sentText = text
		return nil
	})

	h, _ := r.Get(CommunicationToolName)
	res, err := h.Func(context.Background(), map[string]any{"chat_id": int64(1), "text": "done! (really)"})
	if err != nil {
		t.Fatalf("Func: %v", err)
	}
	if sentText != `done\! \(really\)` {
		t.Fatalf("send func got unescaped text %q", sentText)
	}
	if res["sent_text"] != "done! (really)" {
		t.Fatalf("expected sent_text in the tool result to report the original, unescaped text, got %+v", res)
	}
}

func TestRegisterRememberUserInfoUpsertsNote(t *testing.T) {
	r := NewRegistry()
	notes := &fakeNoteStore{}
	RegisterRememberUserInfo(r, notes)

	h, _ := r.Get("remember_user_info")
	_, err := h.Func(context.Background(), map[string]any{
		"user_id": int64(7), "info_category": "likes", "info_value": "tea",
	})
	if err != nil {
		t.Fatalf("Func: %v", err)
	}
	if len(notes.upserted) != 1 || notes.upserted[0].Category != "likes" {
		t.Fatalf("got %+v", notes.upserted)
	}
}

func TestRegisterWeatherToolRequiresLocation(t *testing.T) {
	r := NewRegistry()
	RegisterWeatherTool(r, func(ctx context.Context, location string) (map[string]any, error) {
		return map[string]any{"temperature": "18"}, nil
	})

	h, _ := r.Get("get_current_weather")
	if _, err := h.Func(context.Background(), map[string]any{}); err == nil {
		t.Fatalf("expected an error for a missing location")
	}
	res, err := h.Func(context.Background(), map[string]any{"location": "tokyo"})
	if err != nil {
		t.Fatalf("Func: %v", err)
	}
	if res["status"] != "success" {
		t.Fatalf("got %+v", res)
	}
}

func TestRegisterShellToolIsAdminOnly(t *testing.T) {
	r := NewRegistry()
	RegisterShellTool(r, ShellLimits{Timeout: time.Second, MaxOutputBytes: 1000})

	h, ok := r.Get("run_shell_command")
	if !ok || !h.AdminOnly {
		t.Fatalf("expected run_shell_command to be registered admin-only")
	}
}

func TestRegisterShellToolBlocksDeniedCommand(t *testing.T) {
	r := NewRegistry()
	RegisterShellTool(r, ShellLimits{Timeout: time.Second, MaxOutputBytes: 1000})

	h, _ := r.Get("run_shell_command")
	res, err := h.Func(context.Background(), map[string]any{"command": "rm -rf /"})
	if err != nil {
		t.Fatalf("Func: %v", err)
	}
	if res["status"] != "error" {
		t.Fatalf("expected a denied command to return status=error, got %+v", res)
	}
}

func TestRegisterShellToolRunsAllowedCommand(t *testing.T) {
	r := NewRegistry()
	RegisterShellTool(r, ShellLimits{Timeout: 5 * time.Second, MaxOutputBytes: 1000})

	h, _ := r.Get("run_shell_command")
	res, err := h.Func(context.Background(), map[string]any{"command": "echo hello"})
	if err != nil {
		t.Fatalf("Func: %v", err)
	}
	if res["status"] != "success" {
		t.Fatalf("got %+v", res)
	}
}
