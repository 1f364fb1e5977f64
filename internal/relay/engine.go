// ABOUTME: Session-routing relay engine: picks or creates a remote session, sends the prompt
// ABOUTME: and keeps the ledger in step with what the remote agent reports

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/2389/opencode-bridge/internal/metrics"
	"github.com/2389/opencode-bridge/internal/opencode"
	"github.com/2389/opencode-bridge/internal/registry"
	"github.com/2389/opencode-bridge/internal/store"
)

// EmptyResponse is returned as the reply text when the agent produced no text parts.
const EmptyResponse = "(empty response)"

// titleRunes bounds how much of the prompt goes into a new session title.
const titleRunes = 60

// Request is one prompt to relay.
type Request struct {
	Agent      string
	Prompt     string
	SessionID  string
	NewSession bool
	Model      *opencode.Model
}

// Result is a successful relay.
type Result struct {
	Agent     string `json:"agent"`
	SessionID string `json:"session_id"`
	Response  string `json:"response"`
}

// Options configures an Engine.
type Options struct {
	Client  opencode.Options
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Engine routes prompts to agents. Every operation on one agent holds that
// agent's lock from the first ledger read to the last ledger write, so
// concurrent callers never interleave on a binding.
type Engine struct {
	registry *registry.Registry
	ledger   store.Ledger
	clients  map[string]*opencode.Client
	locks    map[string]*semaphore.Weighted
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New builds an engine with one client per registered agent.
func New(reg *registry.Registry, ledger store.Ledger, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clientOpts := opts.Client
	if clientOpts.Logger == nil {
		clientOpts.Logger = logger
	}

	e := &Engine{
		registry: reg,
		ledger:   ledger,
		clients:  make(map[string]*opencode.Client, reg.Len()),
		locks:    make(map[string]*semaphore.Weighted, reg.Len()),
		metrics:  opts.Metrics,
		logger:   logger.With("component", "relay"),
	}
	for _, name := range reg.Names() {
		agent, _ := reg.Get(name)
		e.clients[name] = opencode.New(agent, clientOpts)
		e.locks[name] = semaphore.NewWeighted(1)
	}
	return e
}

// Registry returns the registry the engine routes over.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Ledger returns the session ledger.
func (e *Engine) Ledger() store.Ledger {
	return e.ledger
}

// Relay sends req.Prompt to the agent and waits for the reply.
//
// The session is the explicit req.SessionID if given, otherwise the agent's
// binding unless req.NewSession is set, otherwise a freshly created one that
// becomes the new binding. A 404 from the agent drops the binding that
// pointed at the missing session and the call still fails; the next relay
// starts a new session.
func (e *Engine) Relay(ctx context.Context, req Request) (*Result, error) {
	client, release, err := e.acquire(ctx, req.Agent)
	if err != nil {
		return nil, err
	}
	defer release()

	sessionID, err := e.resolveSession(ctx, client, req)
	if err != nil {
		e.metrics.Relay(req.Agent, metrics.OutcomeError)
		return nil, err
	}

	start := time.Now()
	msg, err := client.Prompt(ctx, sessionID, req.Prompt, req.Model)
	e.metrics.ObservePrompt(req.Agent, time.Since(start))
	if err != nil {
		return nil, e.failed(ctx, req.Agent, sessionID, err, e.metrics.Relay)
	}

	e.metrics.Relay(req.Agent, metrics.OutcomeOK)
	e.logger.Debug("relay complete", "agent", req.Agent, "session", sessionID, "parts", len(msg.Parts), "elapsed", time.Since(start))
	return &Result{
		Agent:     req.Agent,
		SessionID: sessionID,
		Response:  ExtractText(msg.Parts),
	}, nil
}

// Dispatched is the outcome of a fire-and-forget prompt.
type Dispatched struct {
	Agent     string `json:"agent"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// Dispatch queues req.Prompt on the agent without waiting for a reply.
// Session resolution and staleness handling match Relay.
func (e *Engine) Dispatch(ctx context.Context, req Request) (*Dispatched, error) {
	client, release, err := e.acquire(ctx, req.Agent)
	if err != nil {
		return nil, err
	}
	defer release()

	sessionID, err := e.resolveSession(ctx, client, req)
	if err != nil {
		e.metrics.Dispatch(req.Agent, metrics.OutcomeError)
		return nil, err
	}

	if err := client.PromptAsync(ctx, sessionID, req.Prompt, req.Model); err != nil {
		return nil, e.failed(ctx, req.Agent, sessionID, err, e.metrics.Dispatch)
	}

	e.metrics.Dispatch(req.Agent, metrics.OutcomeOK)
	e.logger.Debug("prompt dispatched", "agent", req.Agent, "session", sessionID)
	return &Dispatched{Agent: req.Agent, SessionID: sessionID, Status: "dispatched"}, nil
}

// acquire looks the agent up and takes its lock.
func (e *Engine) acquire(ctx context.Context, name string) (*opencode.Client, func(), error) {
	if _, err := e.registry.Get(name); err != nil {
		return nil, nil, err
	}
	lock := e.locks[name]
	if err := lock.Acquire(ctx, 1); err != nil {
		return nil, nil, &Error{Agent: name, Err: fmt.Errorf("waiting for agent: %w", err)}
	}
	return e.clients[name], func() { lock.Release(1) }, nil
}

// resolveSession must be called with the agent's lock held.
func (e *Engine) resolveSession(ctx context.Context, client *opencode.Client, req Request) (string, error) {
	if req.SessionID != "" {
		return req.SessionID, nil
	}
	if !req.NewSession {
		if id, ok := e.ledger.Get(req.Agent); ok {
			return id, nil
		}
	}

	session, err := client.CreateSession(ctx, sessionTitle(req.Prompt))
	if err != nil {
		return "", &Error{Agent: req.Agent, Err: fmt.Errorf("creating session: %w", err)}
	}
	e.metrics.SessionCreated(req.Agent)

	// The remote session exists now; record it even if the caller has gone away.
	if err := e.ledger.Set(context.WithoutCancel(ctx), req.Agent, session.ID); err != nil {
		return "", &Error{Agent: req.Agent, SessionID: session.ID, Err: fmt.Errorf("recording session %s: %w", session.ID, err)}
	}
	e.logger.Info("session created", "agent", req.Agent, "session", session.ID)
	return session.ID, nil
}

// failed classifies a prompt failure. A stale session drops the agent's
// binding whichever session the prompt went to, so the next relay without an
// explicit id starts fresh. Must be called with the agent's lock held.
func (e *Engine) failed(ctx context.Context, agent, sessionID string, err error, record func(agent, outcome string)) error {
	rerr := &Error{Agent: agent, SessionID: sessionID, Err: err}
	if !IsStale(err) {
		record(agent, metrics.OutcomeError)
		e.logger.Warn("relay failed", "agent", agent, "session", sessionID, "error", err)
		return rerr
	}

	rerr.Stale = true
	record(agent, metrics.OutcomeStale)
	e.metrics.StaleSession(agent)
	e.forget(ctx, agent, sessionID)
	return rerr
}

// forget drops the binding for agent. failedSession is only logged.
func (e *Engine) forget(ctx context.Context, agent, failedSession string) bool {
	bound, ok := e.ledger.Get(agent)
	if !ok {
		return false
	}
	if err := e.ledger.Delete(context.WithoutCancel(ctx), agent); err != nil {
		e.logger.Error("failed to clear session binding", "agent", agent, "session", bound, "failed_session", failedSession, "error", err)
		return false
	}
	e.logger.Info("cleared session binding", "agent", agent, "session", bound, "failed_session", failedSession)
	return true
}

// forgetIfBound drops the binding for agent only when it still points at
// sessionID. Reads of an old session must not unbind the current one.
func (e *Engine) forgetIfBound(ctx context.Context, agent, sessionID string) bool {
	if bound, ok := e.ledger.Get(agent); !ok || bound != sessionID {
		return false
	}
	return e.forget(ctx, agent, sessionID)
}

func sessionTitle(prompt string) string {
	runes := []rune(prompt)
	if len(runes) > titleRunes {
		runes = runes[:titleRunes]
	}
	return "Bridge: " + string(runes)
}
