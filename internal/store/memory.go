// ABOUTME: In-memory session ledger for tests and ephemeral runs
// ABOUTME: Nothing is persisted; FailWrites simulates a broken backing store

package store

import (
	"context"
	"sync/atomic"
)

// MemoryLedger is a non-durable Ledger.
type MemoryLedger struct {
	bindings
	failWrites atomic.Pointer[error]
	writes     atomic.Int64
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return NewMemoryLedgerWith(nil)
}

// NewMemoryLedgerWith creates an in-memory ledger seeded with initial bindings.
func NewMemoryLedgerWith(initial map[string]string) *MemoryLedger {
	l := &MemoryLedger{}
	l.bindings = newBindings(initial, l.write)
	return l
}

// FailWrites makes every subsequent mutation fail with err. Pass nil to recover.
func (l *MemoryLedger) FailWrites(err error) {
	if err == nil {
		l.failWrites.Store(nil)
		return
	}
	l.failWrites.Store(&err)
}

// Writes returns how many mutations reached the (simulated) backing store.
func (l *MemoryLedger) Writes() int {
	return int(l.writes.Load())
}

// Close is a no-op.
func (l *MemoryLedger) Close() error {
	return nil
}

func (l *MemoryLedger) write(_ context.Context, _ map[string]string) error {
	if errp := l.failWrites.Load(); errp != nil {
		return *errp
	}
	l.writes.Add(1)
	return nil
}
