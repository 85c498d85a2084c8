package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "checkpoint.json")
	cp := NewFileCheckpoint(path)

	if _, ok, err := cp.LoadState(ctx, "last_full_block"); err != nil || ok {
		t.Fatalf("expected empty checkpoint, got ok=%v err=%v", ok, err)
	}

	if err := cp.SaveState(ctx, "last_full_block", 120); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := cp.SaveState(ctx, "other", 7); err != nil {
		t.Fatalf("save: %v", err)
	}

	reopened := NewFileCheckpoint(path)
	value, ok, err := reopened.LoadState(ctx, "last_full_block")
	if err != nil || !ok || value != 120 {
		t.Fatalf("expected 120, got %d ok=%v err=%v", value, ok, err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected tmp file to be renamed, got %v", err)
	}
}

func TestFileCheckpointRejectsDirectory(t *testing.T) {
	dir := t.TempDir()
	if _, _, err := NewFileCheckpoint(dir).LoadState(context.Background(), "x"); err == nil {
		t.Fatalf("expected error for directory path")
	}
}
