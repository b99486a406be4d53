package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FileEnvironmentLimits bounds read_file_from_env/write_file_to_env, sourced
// from the max_read_size_bytes/max_write_size_bytes config knobs (spec §6).
type FileEnvironmentLimits struct {
	MaxReadBytes  int
	MaxWriteBytes int
}

// RegisterReadFileTool wires read_file_from_env, grounded on the teacher's
// `internal/tools/filesystem.go` ReadFileTool but scoped to a per-chat
// subdirectory of baseDir rather than a shared sandboxed workspace — this
// module's file environment is a flat per-chat scratch space, not a general
// execution sandbox, so the teacher's symlink/hardlink TOCTOU hardening is
// trimmed to the one invariant that still applies here: the resolved path
// must stay inside its chat's directory.
func RegisterReadFileTool(r *Registry, baseDir string, limits FileEnvironmentLimits) {
	r.MustRegister(HandlerMetadata{
		Name:        "read_file_from_env",
		Description: "Read a file from this chat's file environment.",
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
				return map[string]any{"status": "error", "message": fmt.Sprintf("file %q not found", filename)}, nil
			}
			if info.IsDir() {
				return map[string]any{"status": "error", "message": fmt.Sprintf("%q is a directory, not a file", filename)}, nil
			}
			maxBytes := limits.MaxReadBytes
			if maxBytes > 0 && info.Size() > int64(maxBytes) {
				return map[string]any{"status": "error", "message": fmt.Sprintf("file %q exceeds the %d byte read limit", filename, maxBytes)}, nil
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return map[string]any{"status": "error", "message": err.Error()}, nil
			}
			return map[string]any{"status": "success", "filename": filename, "content": string(content)}, nil
		},
	})
}

// RegisterWriteFileTool wires write_file_to_env, creating the chat's
// directory on first use (spec §10's environment_tools.py equivalent).
func RegisterWriteFileTool(r *Registry, baseDir string, limits FileEnvironmentLimits) {
	r.MustRegister(HandlerMetadata{
		Name:        "write_file_to_env",
		Description: "Write (overwriting) a file in this chat's file environment.",
		Params: []ParamSpec{
			{Name: "chat_id", Required: true},
			{Name: "filename", Required: true},
			{Name: "content", Required: true},
		},
		Func: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			chatID, _ := args["chat_id"].(int64)
			filename, _ := args["filename"].(string)
			content, _ := args["content"].(string)
			if filename == "" {
				return nil, fmt.Errorf("filename is required")
			}
			maxBytes := limits.MaxWriteBytes
			if maxBytes > 0 && len(content) > maxBytes {
				return map[string]any{"status": "error", "message": fmt.Sprintf("content exceeds the %d byte write limit", maxBytes)}, nil
			}
			path, err := resolveChatPath(baseDir, chatID, filename)
			if err != nil {
				return map[string]any{"status": "error", "message": err.Error()}, nil
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return map[string]any{"status": "error", "message": err.Error()}, nil
			}
			if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
				return map[string]any{"status": "error", "message": err.Error()}, nil
			}
			return map[string]any{"status": "success", "filename": filename, "bytes_written": len(content)}, nil
		},
	})
}

// resolveChatPath joins filename onto chat_id's subdirectory of baseDir and
// rejects any result that escapes it (e.g. "../../etc/passwd").
func resolveChatPath(baseDir string, chatID int64, filename string) (string, error) {
	chatDir, err := filepath.Abs(filepath.Join(baseDir, strconv.FormatInt(chatID, 10)))
	if err != nil {
		return "", fmt.Errorf("resolve chat directory: %w", err)
	}
	joined, err := filepath.Abs(filepath.Join(chatDir, filename))
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if joined != chatDir && !strings.HasPrefix(joined, chatDir+string(filepath.Separator)) {
		return "", fmt.Errorf("access denied: %q escapes the chat's file environment", filename)
	}
	return joined, nil
}
