// ABOUTME: JSON file backed session ledger
// ABOUTME: Loads best-effort at startup and rewrites the whole file atomically on every change

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// FileLedger persists bindings as a single JSON object {"agent": "sessionID"}.
type FileLedger struct {
	bindings
	path   string
	logger *slog.Logger
}

// NewFileLedger loads the ledger at path. A missing or malformed file yields
// an empty ledger; the file is created on the first mutation.
func NewFileLedger(path string, logger *slog.Logger) *FileLedger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &FileLedger{
		path:   path,
		logger: logger.With("component", "store", "backend", "file"),
	}
	l.bindings = newBindings(l.load(), l.write)
	l.logger.Debug("session ledger loaded", "path", path, "bindings", len(l.m))
	return l
}

// Path returns the file backing the ledger.
func (l *FileLedger) Path() string {
	return l.path
}

// Close is a no-op; every mutation is already on disk.
func (l *FileLedger) Close() error {
	return nil
}

func (l *FileLedger) load() map[string]string {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		l.logger.Warn("cannot read session ledger, starting empty", "path", l.path, "error", err)
		return nil
	}

	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		l.logger.Warn("malformed session ledger, starting empty", "path", l.path, "error", err)
		return nil
	}
	return m
}

// write replaces the ledger file with snapshot via a temp file and rename.
func (l *FileLedger) write(_ context.Context, snapshot map[string]string) error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating ledger directory: %w", err)
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding ledger: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, ".sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("setting ledger permissions: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		return fmt.Errorf("replacing ledger file: %w", err)
	}
	return nil
}
