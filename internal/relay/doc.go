// Package relay is the session-routing core of the bridge.
//
// # Session resolution
//
// For each prompt the engine picks a remote session in this order:
//
//  1. the explicit session id on the request (the ledger is not consulted)
//  2. the agent's binding in the ledger, unless NewSession is set
//  3. a new session titled "Bridge: <first 60 characters of the prompt>",
//     which becomes the agent's binding
//
// # Staleness
//
// When the agent answers 404 the session is gone. The binding that pointed at
// it is dropped and the call still fails; nothing is retried. Other failures
// leave the ledger alone. See IsStale for the exact classification.
//
// # Concurrency
//
// Operations on the same agent are serialized by a per-agent semaphore held
// for the whole operation. Operations on different agents run in parallel.
// Sweep checks all agents concurrently.
package relay
