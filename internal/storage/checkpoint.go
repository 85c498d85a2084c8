package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// checkpointFile is the on-disk layout of a FileCheckpoint.
type checkpointFile struct {
	Values    map[string]uint64 `json:"values"`
	UpdatedAt string            `json:"updated_at"`
}

// FileCheckpoint keeps named progress markers in a JSON file. It backs the
// runner when no Postgres store is configured.
type FileCheckpoint struct {
	path string
	mu   sync.Mutex
}

func NewFileCheckpoint(path string) *FileCheckpoint {
	return &FileCheckpoint{path: path}
}

func (c *FileCheckpoint) LoadState(_ context.Context, name string) (uint64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp, err := c.read()
	if err != nil {
		return 0, false, err
	}
	value, ok := cp.Values[name]
	return value, ok, nil
}

func (c *FileCheckpoint) SaveState(_ context.Context, name string, value uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp, err := c.read()
	if err != nil {
		return err
	}
	cp.Values[name] = value
	cp.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)

	dir := filepath.Dir(c.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint dir: %w", err)
		}
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint tmp: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

func (c *FileCheckpoint) read() (checkpointFile, error) {
	cp := checkpointFile{Values: make(map[string]uint64)}
	stat, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return cp, nil
		}
		return cp, fmt.Errorf("stat checkpoint: %w", err)
	}
	if stat.IsDir() {
		return cp, fmt.Errorf("checkpoint path is a directory")
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return cp, fmt.Errorf("read checkpoint: %w", err)
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		return cp, fmt.Errorf("parse checkpoint: %w", err)
	}
	if cp.Values == nil {
		cp.Values = make(map[string]uint64)
	}
	return cp, nil
}
