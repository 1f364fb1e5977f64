// ABOUTME: Session management operations: listing, history, abort and ending a session
// ABOUTME: Each runs under the agent lock and keeps the binding consistent with the remote

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/opencode-bridge/internal/opencode"
)

// DefaultHistoryLimit is how many messages History returns when no limit is given.
const DefaultHistoryLimit = 20

// SessionInfo describes one remote session of an agent.
type SessionInfo struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
	Status    string `json:"status"`
	Bound     bool   `json:"bound"`
}

// Sessions lists the agent's remote sessions, marking the bound one. Status
// comes from the session status endpoint; if that call fails every session
// is reported as "unknown" rather than failing the listing.
func (e *Engine) Sessions(ctx context.Context, agent string) ([]SessionInfo, error) {
	client, release, err := e.acquire(ctx, agent)
	if err != nil {
		return nil, err
	}
	defer release()

	sessions, err := client.ListSessions(ctx)
	if err != nil {
		return nil, &Error{Agent: agent, Err: err}
	}

	statuses, err := client.SessionStatuses(ctx)
	if err != nil {
		e.logger.Debug("session statuses unavailable", "agent", agent, "error", err)
	}

	bound, _ := e.ledger.Get(agent)
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		info := SessionInfo{
			ID:        s.ID,
			Title:     s.Title,
			UpdatedAt: s.UpdatedAt,
			Status:    "idle",
			Bound:     s.ID == bound,
		}
		if statuses == nil {
			info.Status = "unknown"
		} else if raw, ok := statuses[s.ID]; ok {
			info.Status = statusName(raw)
		}
		out = append(out, info)
	}
	return out, nil
}

// statusName reads a status that is either a bare string or an object with a type field.
func statusName(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil && s != "" {
		return s
	}
	var obj struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Type != "" {
		return obj.Type
	}
	return "unknown"
}

// History is the tail of a session's conversation.
type History struct {
	Agent     string                      `json:"agent"`
	SessionID string                      `json:"session_id"`
	Messages  []opencode.MessageWithParts `json:"messages"`
}

// History returns up to limit recent messages of sessionID, or of the bound
// session when sessionID is empty.
func (e *Engine) History(ctx context.Context, agent, sessionID string, limit int) (*History, error) {
	client, release, err := e.acquire(ctx, agent)
	if err != nil {
		return nil, err
	}
	defer release()

	sessionID, err = e.boundOr(agent, sessionID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	msgs, err := client.Messages(ctx, sessionID, limit)
	if err != nil {
		return nil, e.remoteFailed(ctx, agent, sessionID, err)
	}
	return &History{Agent: agent, SessionID: sessionID, Messages: msgs}, nil
}

// Abort stops whatever the session is doing and returns the session it acted on.
func (e *Engine) Abort(ctx context.Context, agent, sessionID string) (string, bool, error) {
	client, release, err := e.acquire(ctx, agent)
	if err != nil {
		return "", false, err
	}
	defer release()

	sessionID, err = e.boundOr(agent, sessionID)
	if err != nil {
		return "", false, err
	}

	aborted, err := client.Abort(ctx, sessionID)
	if err != nil {
		return sessionID, false, e.remoteFailed(ctx, agent, sessionID, err)
	}
	e.logger.Info("session aborted", "agent", agent, "session", sessionID, "aborted", aborted)
	return sessionID, aborted, nil
}

// Ended is the outcome of EndSession.
type Ended struct {
	Agent          string `json:"agent"`
	SessionID      string `json:"session_id"`
	RemoteDeleted  bool   `json:"remote_deleted"`
	BindingCleared bool   `json:"binding_cleared"`
}

// EndSession optionally deletes the session on the agent and drops the
// binding if it points at that session. A session the agent no longer knows
// counts as already deleted.
func (e *Engine) EndSession(ctx context.Context, agent, sessionID string, deleteRemote bool) (*Ended, error) {
	client, release, err := e.acquire(ctx, agent)
	if err != nil {
		return nil, err
	}
	defer release()

	sessionID, err = e.boundOr(agent, sessionID)
	if err != nil {
		return nil, err
	}

	out := &Ended{Agent: agent, SessionID: sessionID}
	if deleteRemote {
		deleted, err := client.DeleteSession(ctx, sessionID)
		switch {
		case err == nil:
			out.RemoteDeleted = deleted
		case errors.Is(err, opencode.ErrNotFound):
			e.logger.Debug("session already gone", "agent", agent, "session", sessionID)
		default:
			return nil, &Error{Agent: agent, SessionID: sessionID, Err: err}
		}
	}

	bound, ok := e.ledger.Get(agent)
	if ok && bound == sessionID {
		if err := e.ledger.Delete(context.WithoutCancel(ctx), agent); err != nil {
			return nil, &Error{Agent: agent, SessionID: sessionID, Err: err}
		}
		out.BindingCleared = true
	}
	e.logger.Info("session ended", "agent", agent, "session", sessionID,
		"remote_deleted", out.RemoteDeleted, "binding_cleared", out.BindingCleared)
	return out, nil
}

// boundOr returns sessionID, or the agent's binding when sessionID is empty.
func (e *Engine) boundOr(agent, sessionID string) (string, error) {
	if sessionID != "" {
		return sessionID, nil
	}
	if id, ok := e.ledger.Get(agent); ok {
		return id, nil
	}
	return "", &Error{Agent: agent, Err: fmt.Errorf("%w for agent %q; pass session_id or start one with ask_agent", ErrNoSession, agent)}
}

// remoteFailed wraps err and clears the binding when the session is gone.
func (e *Engine) remoteFailed(ctx context.Context, agent, sessionID string, err error) error {
	rerr := &Error{Agent: agent, SessionID: sessionID, Err: err}
	if IsStale(err) {
		rerr.Stale = true
		if e.forgetIfBound(ctx, agent, sessionID) {
			e.metrics.StaleSession(agent)
		}
	}
	return rerr
}
