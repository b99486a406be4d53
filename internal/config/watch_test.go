package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchFileFiresOnChangeAfterWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "declarations.json")
	if err := os.WriteFile(path, []byte("[]"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 1)
	if err := WatchFile(ctx, path, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("watch file: %v", err)
	}

	if err := os.WriteFile(path, []byte(`[{"name":"x"}]`), 0o644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatalf("onChange was not called after the file was rewritten")
	}
}

func TestWatchFileReturnsErrorForMissingPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.json")
	if err := WatchFile(context.Background(), path, func() {}); err == nil {
		t.Fatalf("expected an error watching a nonexistent path")
	}
}
