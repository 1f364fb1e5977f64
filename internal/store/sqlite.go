// ABOUTME: SQLite session ledger using modernc.org/sqlite
// ABOUTME: Keeps the binding table as an exact image of the in-memory map

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLedger persists bindings in a session_bindings table.
type SQLiteLedger struct {
	bindings
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteLedger opens (or creates) the database at path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. Rows that cannot be read are
// skipped; a database that cannot be opened at all is an error because no
// write could ever succeed.
func NewSQLiteLedger(path string, logger *slog.Logger) (*SQLiteLedger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "backend", "sqlite")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Single writer; one connection keeps the transaction semantics simple.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	l := &SQLiteLedger{db: db, logger: logger}

	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	l.bindings = newBindings(l.load(), l.write)
	logger.Info("SQLite session ledger initialized", "path", path, "bindings", len(l.m))
	return l, nil
}

func (l *SQLiteLedger) createSchema() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS session_bindings (
			agent_name TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`)
	return err
}

func (l *SQLiteLedger) load() map[string]string {
	rows, err := l.db.Query(`SELECT agent_name, session_id FROM session_bindings`)
	if err != nil {
		l.logger.Warn("cannot read session bindings, starting empty", "error", err)
		return nil
	}
	defer func() { _ = rows.Close() }()

	m := make(map[string]string)
	for rows.Next() {
		var agent, sessionID string
		if err := rows.Scan(&agent, &sessionID); err != nil {
			l.logger.Warn("skipping unreadable session binding", "error", err)
			continue
		}
		m[agent] = sessionID
	}
	if err := rows.Err(); err != nil {
		l.logger.Warn("iterating session bindings", "error", err)
	}
	return m
}

// write replaces the table contents with snapshot in one transaction.
func (l *SQLiteLedger) write(ctx context.Context, snapshot map[string]string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_bindings`); err != nil {
		return fmt.Errorf("clearing bindings: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for agent, sessionID := range snapshot {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO session_bindings (agent_name, session_id, updated_at) VALUES (?, ?, ?)`,
			agent, sessionID, now,
		)
		if err != nil {
			return fmt.Errorf("inserting binding for %s: %w", agent, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing bindings: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (l *SQLiteLedger) Close() error {
	l.logger.Debug("closing SQLite session ledger")
	return l.db.Close()
}
