// Package mcp implements the Model Context Protocol server the bridge exposes.
//
// # Protocol
//
// The server speaks JSON-RPC 2.0 over stdin and stdout, one message per line
// (no Content-Length framing). Supported methods:
//
//   - initialize: handshake, advertises protocol version 2025-11-25
//   - ping
//   - tools/list: requires a prior initialize
//   - tools/call: requires a prior initialize
//
// Notifications (messages without an id) are accepted and never answered.
// stdout carries protocol frames only; all logging goes to stderr. A line
// longer than MaxLineSize is answered with -32600 and skipped.
//
// # Tool Execution
//
// Clients call tools/call to execute a tool:
//
//	{
//	  "jsonrpc": "2.0",
//	  "method": "tools/call",
//	  "params": {
//	    "name": "ask_agent",
//	    "arguments": {"agent": "mac-mini", "prompt": "run the tests"}
//	  },
//	  "id": 2
//	}
//
// Arguments are validated against the tool's JSON Schema before the handler
// runs. A validation failure is a tool result with isError set, not a
// protocol error. Each call runs in its own goroutine and gets a uuid
// request id (see RequestID) for log correlation. A tools/call reusing an id
// the server already accepted is refused with -32600.
//
// # Usage
//
//	server := mcp.NewServer(mcp.Config{Version: version, Logger: logger})
//	server.Register(mcp.Tool{Name: "echo", InputSchema: schema, Handler: h})
//	err := server.Serve(ctx)
package mcp
