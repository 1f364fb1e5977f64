// Package store provides the persistent session ledger.
//
// # Model
//
// The ledger maps an agent name to the id of the OpenCode session the bridge
// will continue the next time that agent is addressed without an explicit
// session id. It holds at most one binding per agent.
//
// # Backends
//
//   - FileLedger: a single JSON object on disk, rewritten atomically
//   - SQLiteLedger: a session_bindings table in a modernc.org/sqlite database
//   - MemoryLedger: non-durable, for tests and throwaway runs
//
// Every backend keeps an in-memory copy and writes the whole mapping through
// to storage on each Set or Delete. A failed write is returned to the caller
// and the in-memory change is undone.
//
// # Loading
//
// Loading is best-effort. A missing or malformed JSON file produces an empty
// ledger and a warning; it is overwritten by the next mutation. A SQLite
// database that cannot be opened is an error from NewSQLiteLedger.
//
// # Testing
//
// Use NewMemoryLedger() for unit tests. FailWrites simulates a broken disk.
package store
