package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/relaywing/agentcore/internal/escape"
	"github.com/relaywing/agentcore/internal/model"
	"github.com/relaywing/agentcore/internal/store"
)

// CommunicationToolName is the blocking tool the Agent Loop (spec §4.4,
// §4.7) special-cases: once it fires with requires_user_response truthy,
// the calls after it in the same batch are not dispatched and no further
// model round-trip happens, and the text it carried is not double-spoken by
// the loop.
const CommunicationToolName = "send_telegram_message"

// SendFunc delivers text to the chat transport. The built-in registration
// closes over this so the tool package itself never imports a transport
// SDK.
type SendFunc func(ctx context.Context, chatID model.ChatId, text string) error

// RegisterCommunicationTool wires send_telegram_message, the one tool the
// blocking-tool rule (spec §4.4.1) is defined in terms of.
func RegisterCommunicationTool(r *Registry, send SendFunc) {
	r.MustRegister(HandlerMetadata{
		Name:        CommunicationToolName,
		Description: "Send a message to the user in the current chat.",
		Params: []ParamSpec{
			{Name: "chat_id", Required: true},
			{Name: "text", Required: true},
			{Name: "requires_user_response"},
		},
		Func: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			chatID, _ := args["chat_id"].(int64)
			text, _ := args["text"].(string)
			// The model's text is plain natural language, never markdown it
			// intends literally, so it is escaped the same way the loop
			// escapes its own terminal-text reply before any transport sees
			// it (spec §6: escaping is the core's job, not the transport's).
			escaped := escape.Text(text)
			if err := send(ctx, model.ChatId(chatID), escaped); err != nil {
				return nil, err
			}
			return map[string]any{"status": "success", "sent_text": text}, nil
		},
	})
}

// RegisterRememberUserInfo wires remember_user_info so it is callable both
// ways the original distinguishes: directly by the heavy driver as an
// ordinary tool call, and inline by the Pre-Filter, bypassing the
// dispatcher entirely (spec §4.6; SPEC_FULL.md §10). Both paths end up
// calling the same UpsertNote logic, exposed here as UpsertUserInfo so the
// Pre-Filter's inline path can call it directly.
func RegisterRememberUserInfo(r *Registry, notes store.NoteStore) {
	r.MustRegister(HandlerMetadata{
		Name:        "remember_user_info",
		Description: "Remember a fact about a user for future conversations.",
		Params: []ParamSpec{
			{Name: "user_id", Required: true},
			{Name: "info_category", Required: true},
			{Name: "info_value", Required: true},
		},
		Func: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			userID, _ := args["user_id"].(int64)
			category, _ := args["info_category"].(string)
			value := args["info_value"]
			if err := UpsertUserInfo(ctx, notes, model.UserId(userID), category, value); err != nil {
				return nil, err
			}
			return map[string]any{"status": "success"}, nil
		},
	})
}

// UpsertUserInfo is the shared implementation behind remember_user_info,
// called both through the dispatcher and inline from the Pre-Filter.
func UpsertUserInfo(ctx context.Context, notes store.NoteStore, userID model.UserId, category string, value any) error {
	return notes.UpsertNote(ctx, model.UserNote{UserID: userID, Category: category, Value: value}, true)
}

// WeatherLookup is the external side-effect get_current_weather performs;
// kept as an injected function so the tool itself stays a thin adapter.
type WeatherLookup func(ctx context.Context, location string) (map[string]any, error)

// RegisterWeatherTool wires an illustrative external-side-effect tool,
// exercising the full dispatcher contract end to end (spec's scenario S2).
func RegisterWeatherTool(r *Registry, lookup WeatherLookup) {
	r.MustRegister(HandlerMetadata{
		Name:        "get_current_weather",
		Description: "Get the current weather for a location.",
		Params:      []ParamSpec{{Name: "location", Required: true}},
		Func: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			loc, _ := args["location"].(string)
			if loc == "" {
				return nil, fmt.Errorf("location is required")
			}
			data, err := lookup(ctx, loc)
			if err != nil {
				return nil, err
			}
			return map[string]any{"status": "success", "data": data}, nil
		},
	})
}

// ShellLimits bounds a run_shell_command invocation, sourced from the
// command_timeout_seconds / max_command_output_len config knobs (spec §6).
type ShellLimits struct {
	Timeout        time.Duration
	MaxOutputBytes int
}

// RegisterShellTool wires run_shell_command, admin-gated, grounded on the
// teacher's deny-pattern and timeout/output-length discipline
// (SPEC_FULL.md §10) but trimmed to a fixed deny-list rather than the
// teacher's full sandbox/approval-manager machinery, which is out of this
// module's scope.
func RegisterShellTool(r *Registry, limits ShellLimits) {
	r.MustRegister(HandlerMetadata{
		Name:        "run_shell_command",
		Description: "Run a shell command and return its output. Admin only.",
		AdminOnly:   true,
		Params:      []ParamSpec{{Name: "command", Required: true}},
		Func: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			cmdStr, _ := args["command"].(string)
			if cmdStr == "" {
				return nil, fmt.Errorf("command is required")
			}
			if denied, pattern := isDeniedCommand(cmdStr); denied {
				return map[string]any{"status": "error", "message": fmt.Sprintf("command blocked by policy: %s", pattern)}, nil
			}

			timeout := limits.Timeout
			if timeout <= 0 {
				timeout = time.Hour
			}
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", cmdStr)
			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr
			err := cmd.Run()

			if runCtx.Err() == context.DeadlineExceeded {
				return map[string]any{"status": "timeout", "message": "command exceeded its timeout"}, nil
			}

			out := truncate(stdout.String(), limits.MaxOutputBytes)
			errOut := truncate(stderr.String(), limits.MaxOutputBytes)
			if err != nil {
				return map[string]any{"status": "error", "message": err.Error(), "stdout": out, "stderr": errOut}, nil
			}
			return map[string]any{"status": "success", "stdout": out, "stderr": errOut}, nil
		},
	})
}

// RegisterScriptTool wires run_script_in_env, admin-gated like
// run_shell_command: runs a previously written-to-environment script file
// with its working directory set to the chat's environment directory,
// grounded on the teacher's subprocess/timeout/truncation discipline
// (`execute_python_script_in_env`, SPEC_FULL.md §10) but generalized from a
// hardcoded `python` interpreter to whatever interpreter is named by
// `interpreter`, since this module has no Python-specific runtime
// dependency to assume.
func RegisterScriptTool(r *Registry, baseDir, interpreter string, limits ShellLimits) {
	r.MustRegister(HandlerMetadata{
		Name:        "run_script_in_env",
		Description: "Run a script previously written to this chat's file environment. Admin only.",
		AdminOnly:   true,
		Params: []ParamSpec{
			{Name: "chat_id", Required: true},
			{Name: "filename", Required: true},
		},
		Func: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			chatID, _ := args["chat_id"].(int64)
			filename, _ := args["filename"].(string)
			if filename == "" {
				return nil, fmt.Errorf("filename is required")
			}
			path, err := resolveChatPath(baseDir, chatID, filename)
			if err != nil {
				return map[string]any{"status": "error", "message": err.Error()}, nil
			}
			info, err := os.Stat(path)
			if err != nil {
				return map[string]any{"status": "error", "message": fmt.Sprintf("script %q not found", filename)}, nil
			}
			if info.IsDir() {
				return map[string]any{"status": "error", "message": fmt.Sprintf("%q is a directory, not a script", filename)}, nil
			}

			timeout := limits.Timeout
			if timeout <= 0 {
				timeout = time.Hour
			}
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(runCtx, interpreter, filepath.Base(path))
			cmd.Dir = filepath.Dir(path)
			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr
			runErr := cmd.Run()

			if runCtx.Err() == context.DeadlineExceeded {
				return map[string]any{"status": "timeout", "message": "script exceeded its timeout"}, nil
			}

			out := truncate(stdout.String(), limits.MaxOutputBytes)
			errOut := truncate(stderr.String(), limits.MaxOutputBytes)
			if runErr != nil {
				return map[string]any{"status": "error", "message": runErr.Error(), "stdout": out, "stderr": errOut}, nil
			}
			return map[string]any{"status": "success", "stdout": out, "stderr": errOut}, nil
		},
	})
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "...[truncated]"
}
