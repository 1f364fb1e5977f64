// ABOUTME: Session management tools: list_sessions, agent_history, abort_agent, end_session
// ABOUTME: Output is plain text meant to be read by the calling model

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/2389/opencode-bridge/internal/opencode"
)

type sessionInput struct {
	Agent     string `json:"agent"`
	SessionID string `json:"session_id"`
}

func (h *handlers) listSessions(ctx context.Context, input json.RawMessage) (string, error) {
	in, err := decode[sessionInput](input)
	if err != nil {
		return "", err
	}

	sessions, err := h.engine.Sessions(ctx, in.Agent)
	if err != nil {
		return "", err
	}
	if len(sessions) == 0 {
		return fmt.Sprintf("%s: no sessions", in.Agent), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d session(s)", in.Agent, len(sessions))
	for _, s := range sessions {
		marker := " "
		if s.Bound {
			marker = "*"
		}
		fmt.Fprintf(&b, "\n%s %s [%s]", marker, s.ID, s.Status)
		if s.Title != "" {
			fmt.Fprintf(&b, " %s", s.Title)
		}
	}
	b.WriteString("\n(* = current session)")
	return b.String(), nil
}

type historyInput struct {
	Agent     string `json:"agent"`
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit"`
}

func (h *handlers) agentHistory(ctx context.Context, input json.RawMessage) (string, error) {
	in, err := decode[historyInput](input)
	if err != nil {
		return "", err
	}

	hist, err := h.engine.History(ctx, in.Agent, in.SessionID, in.Limit)
	if err != nil {
		return "", err
	}
	if len(hist.Messages) == 0 {
		return fmt.Sprintf("Session %s on %s has no messages.", hist.SessionID, in.Agent), nil
	}

	blocks := make([]string, 0, len(hist.Messages)+1)
	blocks = append(blocks, fmt.Sprintf("Session %s on %s, last %d message(s):", hist.SessionID, in.Agent, len(hist.Messages)))
	for _, m := range hist.Messages {
		blocks = append(blocks, fmt.Sprintf("[%s]\n%s", m.Info.Role, renderParts(m.Parts)))
	}
	return strings.Join(blocks, "\n\n"), nil
}

// renderParts shows text parts verbatim and counts the rest.
func renderParts(parts []opencode.MessagePart) string {
	var texts []string
	other := 0
	for _, p := range parts {
		switch {
		case p.Type == opencode.PartTypeText && p.Text != "":
			texts = append(texts, p.Text)
		case p.Type != opencode.PartTypeText:
			other++
		}
	}
	if other > 0 {
		texts = append(texts, fmt.Sprintf("(%d non-text part(s))", other))
	}
	if len(texts) == 0 {
		return "(no content)"
	}
	return strings.Join(texts, "\n")
}

func (h *handlers) abortAgent(ctx context.Context, input json.RawMessage) (string, error) {
	in, err := decode[sessionInput](input)
	if err != nil {
		return "", err
	}

	sessionID, aborted, err := h.engine.Abort(ctx, in.Agent, in.SessionID)
	if err != nil {
		return "", err
	}
	if !aborted {
		return fmt.Sprintf("Session %s on %s had nothing to abort.", sessionID, in.Agent), nil
	}
	return fmt.Sprintf("Aborted session %s on %s.", sessionID, in.Agent), nil
}

type endSessionInput struct {
	Agent        string `json:"agent"`
	SessionID    string `json:"session_id"`
	DeleteRemote *bool  `json:"delete_remote"`
}

func (h *handlers) endSession(ctx context.Context, input json.RawMessage) (string, error) {
	in, err := decode[endSessionInput](input)
	if err != nil {
		return "", err
	}
	deleteRemote := in.DeleteRemote == nil || *in.DeleteRemote

	ended, err := h.engine.EndSession(ctx, in.Agent, in.SessionID, deleteRemote)
	if err != nil {
		return "", err
	}

	lines := []string{fmt.Sprintf("Ended session %s on %s.", ended.SessionID, in.Agent)}
	switch {
	case !deleteRemote:
		lines = append(lines, "Remote session kept.")
	case ended.RemoteDeleted:
		lines = append(lines, "Remote session deleted.")
	default:
		lines = append(lines, "Remote session was already gone.")
	}
	if ended.BindingCleared {
		lines = append(lines, "The next ask_agent call will start a new session.")
	}
	return strings.Join(lines, "\n"), nil
}
