// ABOUTME: Session ledger interface and the shared write-through binding map
// ABOUTME: One session id per agent name, persisted wholesale after every mutation

package store

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/2389/opencode-bridge/internal/config"
)

// Ledger records, for each agent name, the id of the remote session the bridge
// currently considers valid. Set and Delete return only after the change is
// persisted; Get and All read the in-memory state.
type Ledger interface {
	Get(agent string) (sessionID string, ok bool)
	Set(ctx context.Context, agent, sessionID string) error
	Delete(ctx context.Context, agent string) error
	All() map[string]string
	Close() error
}

// Open creates the ledger selected by cfg.Backend.
func Open(cfg config.SessionsConfig, logger *slog.Logger) (Ledger, error) {
	switch cfg.Backend {
	case config.BackendFile, "":
		return NewFileLedger(cfg.Path, logger), nil
	case config.BackendSQLite:
		return NewSQLiteLedger(cfg.Path, logger)
	case config.BackendMemory:
		return NewMemoryLedger(), nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}

// persistFunc writes a complete snapshot of the bindings.
type persistFunc func(ctx context.Context, snapshot map[string]string) error

// bindings is the in-memory map behind every ledger. Mutations hand a full
// snapshot to persist and are rolled back if it fails, so memory never runs
// ahead of storage.
type bindings struct {
	mu      sync.RWMutex
	m       map[string]string
	persist persistFunc
}

func newBindings(initial map[string]string, persist persistFunc) bindings {
	m := make(map[string]string, len(initial))
	for k, v := range initial {
		if k != "" && v != "" {
			m[k] = v
		}
	}
	return bindings{m: m, persist: persist}
}

// Get returns the session bound to agent.
func (b *bindings) Get(agent string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.m[agent]
	return id, ok
}

// Set binds agent to sessionID, replacing any previous binding.
func (b *bindings) Set(ctx context.Context, agent, sessionID string) error {
	if agent == "" || sessionID == "" {
		return fmt.Errorf("binding requires agent and session id (got %q, %q)", agent, sessionID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	prev, had := b.m[agent]
	b.m[agent] = sessionID
	if err := b.flush(ctx); err != nil {
		if had {
			b.m[agent] = prev
		} else {
			delete(b.m, agent)
		}
		return err
	}
	return nil
}

// Delete removes the binding for agent. Deleting a missing binding is not an error.
func (b *bindings) Delete(ctx context.Context, agent string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, had := b.m[agent]
	delete(b.m, agent)
	if err := b.flush(ctx); err != nil {
		if had {
			b.m[agent] = prev
		}
		return err
	}
	return nil
}

// All returns a snapshot copy of every binding.
func (b *bindings) All() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.m)
}

// flush must be called with mu held.
func (b *bindings) flush(ctx context.Context) error {
	if b.persist == nil {
		return nil
	}
	if err := b.persist(ctx, maps.Clone(b.m)); err != nil {
		return fmt.Errorf("persisting session bindings: %w", err)
	}
	return nil
}
