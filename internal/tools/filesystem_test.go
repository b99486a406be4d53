package tools

import (
	"context"
	"testing"
)

func TestWriteFileThenReadFileRoundTrips(t *testing.T) {
	r := NewRegistry()
	dir := t.TempDir()
	limits := FileEnvironmentLimits{MaxReadBytes: 1000, MaxWriteBytes: 1000}
	RegisterWriteFileTool(r, dir, limits)
	RegisterReadFileTool(r, dir, limits)

	writeH, _ := r.Get("write_file_to_env")
	res, err := writeH.Func(context.Background(), map[string]any{
		"chat_id": int64(1), "filename": "notes.txt", "content": "hello",
	})
	if err != nil {
		t.Fatalf("write Func: %v", err)
	}
	if res["status"] != "success" {
		t.Fatalf("write got %+v", res)
	}

	readH, _ := r.Get("read_file_from_env")
	res, err = readH.Func(context.Background(), map[string]any{
		"chat_id": int64(1), "filename": "notes.txt",
	})
	if err != nil {
		t.Fatalf("read Func: %v", err)
	}
	if res["status"] != "success" || res["content"] != "hello" {
		t.Fatalf("got %+v", res)
	}
}

func TestReadFileFromEnvRejectsPathEscape(t *testing.T) {
	r := NewRegistry()
	dir := t.TempDir()
	RegisterReadFileTool(r, dir, FileEnvironmentLimits{MaxReadBytes: 1000})

	h, _ := r.Get("read_file_from_env")
	res, err := h.Func(context.Background(), map[string]any{
		"chat_id": int64(1), "filename": "../../etc/passwd",
	})
	if err != nil {
		t.Fatalf("Func: %v", err)
	}
	if res["status"] != "error" {
		t.Fatalf("expected a path escape to be rejected, got %+v", res)
	}
}

func TestReadFileFromEnvMissingFileReturnsError(t *testing.T) {
	r := NewRegistry()
	dir := t.TempDir()
	RegisterReadFileTool(r, dir, FileEnvironmentLimits{MaxReadBytes: 1000})

	h, _ := r.Get("read_file_from_env")
	res, err := h.Func(context.Background(), map[string]any{
		"chat_id": int64(1), "filename": "missing.txt",
	})
	if err != nil {
		t.Fatalf("Func: %v", err)
	}
	if res["status"] != "error" {
		t.Fatalf("expected missing file to return status=error, got %+v", res)
	}
}

func TestWriteFileToEnvRejectsOverLimitContent(t *testing.T) {
	r := NewRegistry()
	dir := t.TempDir()
	RegisterWriteFileTool(r, dir, FileEnvironmentLimits{MaxWriteBytes: 4})

	h, _ := r.Get("write_file_to_env")
	res, err := h.Func(context.Background(), map[string]any{
		"chat_id": int64(1), "filename": "big.txt", "content": "too long",
	})
	if err != nil {
		t.Fatalf("Func: %v", err)
	}
	if res["status"] != "error" {
		t.Fatalf("expected over-limit write to be rejected, got %+v", res)
	}
}

func TestWriteFileToEnvIsolatesChats(t *testing.T) {
	r := NewRegistry()
	dir := t.TempDir()
	limits := FileEnvironmentLimits{MaxReadBytes: 1000, MaxWriteBytes: 1000}
	RegisterWriteFileTool(r, dir, limits)
	RegisterReadFileTool(r, dir, limits)

	writeH, _ := r.Get("write_file_to_env")
	if _, err := writeH.Func(context.Background(), map[string]any{
		"chat_id": int64(1), "filename": "shared.txt", "content": "chat one",
	}); err != nil {
		t.Fatalf("write Func: %v", err)
	}

	readH, _ := r.Get("read_file_from_env")
	res, err := readH.Func(context.Background(), map[string]any{
		"chat_id": int64(2), "filename": "shared.txt",
	})
	if err != nil {
		t.Fatalf("read Func: %v", err)
	}
	if res["status"] != "error" {
		t.Fatalf("expected chat 2 to not see chat 1's file, got %+v", res)
	}
}

func TestRegisterScriptToolIsAdminOnlyAndRunsWrittenScript(t *testing.T) {
	r := NewRegistry()
	dir := t.TempDir()
	RegisterWriteFileTool(r, dir, FileEnvironmentLimits{MaxWriteBytes: 1000})
	RegisterScriptTool(r, dir, "/bin/sh", ShellLimits{Timeout: 1e9, MaxOutputBytes: 1000})

	h, ok := r.Get("run_script_in_env")
	if !ok || !h.AdminOnly {
		t.Fatalf("expected run_script_in_env to be registered admin-only")
	}

	writeH, _ := r.Get("write_file_to_env")
	if _, err := writeH.Func(context.Background(), map[string]any{
		"chat_id": int64(1), "filename": "hello.sh", "content": "echo hi",
	}); err != nil {
		t.Fatalf("write Func: %v", err)
	}

	res, err := h.Func(context.Background(), map[string]any{
		"chat_id": int64(1), "filename": "hello.sh",
	})
	if err != nil {
		t.Fatalf("Func: %v", err)
	}
	if res["status"] != "success" {
		t.Fatalf("got %+v", res)
	}
}
