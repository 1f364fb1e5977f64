// ABOUTME: MCP tool set of the bridge: relay, health, session management and git relay
// ABOUTME: Each tool is a thin adapter from validated JSON input onto the relay engine

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/opencode-bridge/internal/gitrelay"
	"github.com/2389/opencode-bridge/internal/mcp"
	"github.com/2389/opencode-bridge/internal/relay"
)

// Deps are the collaborators the tools call into.
type Deps struct {
	Engine *relay.Engine
	Git    *gitrelay.Relay
	Logger *slog.Logger
}

// handlerFunc is the internal shape of a tool: text on success, error on failure.
type handlerFunc func(ctx context.Context, input json.RawMessage) (string, error)

// All returns every bridge tool in the order tools/list presents them.
func All(d Deps) []mcp.Tool {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{engine: d.Engine, git: d.Git, logger: logger.With("component", "tools")}

	return []mcp.Tool{
		{
			Name:        "ask_agent",
			Description: "Send a prompt to a remote OpenCode agent and get the response. Returns the agent's full reply text plus session_id for continuity.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"agent":{"type":"string","description":"Agent name from registry (e.g. \"mac-mini\")"},"prompt":{"type":"string","description":"The prompt to send to the remote agent"},"session_id":{"type":"string","description":"Existing session ID to continue a conversation. Omit to use the agent's current session."},"new_session":{"type":"boolean","description":"Force a new session even if one exists for this agent"},"provider_id":{"type":"string","description":"Model provider override, requires model_id"},"model_id":{"type":"string","description":"Model override, requires provider_id"}},"required":["agent","prompt"],"dependencies":{"provider_id":["model_id"],"model_id":["provider_id"]}}`),
			Handler:     agentTool(h.askAgent),
		},
		{
			Name:        "list_agents",
			Description: "List all registered remote OpenCode agents with their online/offline status and active session info.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			Handler:     plainTool("list_agents", h.listAgents),
		},
		{
			Name:        "relay_code",
			Description: "Push or pull code through a shared git remote for relaying between machines.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"direction":{"type":"string","enum":["push","pull"],"description":"Push local changes to relay remote, or pull remote changes"},"remote":{"type":"string","description":"Git remote name (default: \"relay\")"},"branch":{"type":"string","description":"Git branch (default: \"main\")"},"message":{"type":"string","description":"Commit message when pushing (auto-commits staged + untracked)"},"cwd":{"type":"string","description":"Working directory for git operations (defaults to the configured workdir)"}},"required":["direction"]}`),
			Handler:     relayCodeTool(h.relayCode),
		},
		{
			Name:        "list_sessions",
			Description: "List the sessions an agent knows about, with their status and which one the bridge is currently using.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"agent":{"type":"string","description":"Agent name from registry"}},"required":["agent"]}`),
			Handler:     agentTool(h.listSessions),
		},
		{
			Name:        "agent_history",
			Description: "Show the most recent messages of an agent's session (the current one unless session_id is given).",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"agent":{"type":"string","description":"Agent name from registry"},"session_id":{"type":"string","description":"Session to read; defaults to the agent's current session"},"limit":{"type":"integer","minimum":1,"maximum":200,"description":"Number of messages to return (default 20)"}},"required":["agent"]}`),
			Handler:     agentTool(h.agentHistory),
		},
		{
			Name:        "dispatch_agent",
			Description: "Queue a prompt on a remote agent without waiting for the reply. Use agent_history later to read the result.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"agent":{"type":"string","description":"Agent name from registry"},"prompt":{"type":"string","description":"The prompt to send to the remote agent"},"session_id":{"type":"string","description":"Existing session ID to continue"},"new_session":{"type":"boolean","description":"Force a new session even if one exists for this agent"}},"required":["agent","prompt"]}`),
			Handler:     agentTool(h.dispatchAgent),
		},
		{
			Name:        "abort_agent",
			Description: "Abort whatever an agent's session is currently doing.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"agent":{"type":"string","description":"Agent name from registry"},"session_id":{"type":"string","description":"Session to abort; defaults to the agent's current session"}},"required":["agent"]}`),
			Handler:     agentTool(h.abortAgent),
		},
		{
			Name:        "end_session",
			Description: "Finish an agent's session: delete it on the agent (unless delete_remote is false) and stop continuing it.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"agent":{"type":"string","description":"Agent name from registry"},"session_id":{"type":"string","description":"Session to end; defaults to the agent's current session"},"delete_remote":{"type":"boolean","description":"Also delete the session on the agent (default true)"}},"required":["agent"]}`),
			Handler:     agentTool(h.endSession),
		},
	}
}

// Register adds every tool to the server.
func Register(s *mcp.Server, d Deps) error {
	for _, t := range All(d) {
		if err := s.Register(t); err != nil {
			return err
		}
	}
	return nil
}

type handlers struct {
	engine *relay.Engine
	git    *gitrelay.Relay
	logger *slog.Logger
}

// agentTool renders failures as `Error talking to agent "<name>": <msg>`.
func agentTool(fn handlerFunc) mcp.Handler {
	return func(ctx context.Context, input json.RawMessage) mcp.CallToolResult {
		text, err := fn(ctx, input)
		if err != nil {
			var in struct {
				Agent string `json:"agent"`
			}
			_ = json.Unmarshal(input, &in)
			return mcp.ErrorResult(fmt.Sprintf("Error talking to agent \"%s\": %s", in.Agent, err.Error()))
		}
		return mcp.TextResult(text)
	}
}

func relayCodeTool(fn handlerFunc) mcp.Handler {
	return func(ctx context.Context, input json.RawMessage) mcp.CallToolResult {
		text, err := fn(ctx, input)
		if err != nil {
			return mcp.ErrorResult("relay_code error: " + err.Error())
		}
		return mcp.TextResult(text)
	}
}

func plainTool(name string, fn handlerFunc) mcp.Handler {
	return func(ctx context.Context, input json.RawMessage) mcp.CallToolResult {
		text, err := fn(ctx, input)
		if err != nil {
			return mcp.ErrorResult(fmt.Sprintf("%s error: %s", name, err.Error()))
		}
		return mcp.TextResult(text)
	}
}

func decode[T any](input json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(input, &v); err != nil {
		return v, fmt.Errorf("invalid input: %w", err)
	}
	return v, nil
}

// toJSON pretty-prints v with two-space indent. Agent replies routinely carry
// code, so <, > and & are left unescaped.
func toJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("encoding result: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
