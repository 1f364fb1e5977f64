// ABOUTME: Health sweep across every registered agent and its text rendering
// ABOUTME: Per-agent failures fold into OFFLINE; the sweep itself never fails

package relay

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// AgentStatus is one row of a health sweep.
type AgentStatus struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	Online      bool   `json:"online"`
	Version     string `json:"version,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// Sweep checks every agent concurrently and returns the results in registry order.
func (e *Engine) Sweep(ctx context.Context) []AgentStatus {
	names := e.registry.Names()
	out := make([]AgentStatus, len(names))

	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			out[i] = e.check(ctx, name)
			return nil
		})
	}
	_ = g.Wait()

	return out
}

func (e *Engine) check(ctx context.Context, name string) AgentStatus {
	agent, _ := e.registry.Get(name)
	st := AgentStatus{
		Name:        agent.Name,
		URL:         agent.URL,
		Description: agent.Description,
	}
	st.SessionID, _ = e.ledger.Get(name)

	health, err := e.clients[name].Health(ctx)
	switch {
	case err != nil:
		e.logger.Debug("agent offline", "agent", name, "error", err)
	case !health.Healthy:
		e.logger.Debug("agent reports unhealthy", "agent", name)
	default:
		st.Online = true
		st.Version = health.Version
	}
	e.metrics.HealthCheck(name, st.Online)
	return st
}

// FormatStatuses renders a sweep the way list_agents shows it.
func FormatStatuses(statuses []AgentStatus) string {
	if len(statuses) == 0 {
		return "No agents configured in registry."
	}

	blocks := make([]string, 0, len(statuses))
	for _, st := range statuses {
		var b strings.Builder
		b.WriteString(st.Name)
		b.WriteString(": ")
		if st.Online {
			b.WriteString("ONLINE")
			if st.Version != "" {
				fmt.Fprintf(&b, " (v%s)", st.Version)
			}
		} else {
			b.WriteString("OFFLINE")
		}
		b.WriteString(" @ ")
		b.WriteString(st.URL)
		if st.Description != "" {
			b.WriteString(" — ")
			b.WriteString(st.Description)
		}
		b.WriteString("\n")
		if st.SessionID != "" {
			b.WriteString("  session: ")
			b.WriteString(st.SessionID)
		} else {
			b.WriteString("  no active session")
		}
		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, "\n\n")
}
