// ABOUTME: Prompt relay tools (ask_agent, dispatch_agent) and the list_agents health view

package tools

import (
	"context"
	"encoding/json"

	"github.com/2389/opencode-bridge/internal/opencode"
	"github.com/2389/opencode-bridge/internal/relay"
)

type promptInput struct {
	Agent      string `json:"agent"`
	Prompt     string `json:"prompt"`
	SessionID  string `json:"session_id"`
	NewSession bool   `json:"new_session"`
	ProviderID string `json:"provider_id"`
	ModelID    string `json:"model_id"`
}

func (in promptInput) request() relay.Request {
	req := relay.Request{
		Agent:      in.Agent,
		Prompt:     in.Prompt,
		SessionID:  in.SessionID,
		NewSession: in.NewSession,
	}
	if in.ProviderID != "" && in.ModelID != "" {
		req.Model = &opencode.Model{ProviderID: in.ProviderID, ModelID: in.ModelID}
	}
	return req
}

func (h *handlers) askAgent(ctx context.Context, input json.RawMessage) (string, error) {
	in, err := decode[promptInput](input)
	if err != nil {
		return "", err
	}

	res, err := h.engine.Relay(ctx, in.request())
	if err != nil {
		return "", err
	}
	return toJSON(res)
}

func (h *handlers) dispatchAgent(ctx context.Context, input json.RawMessage) (string, error) {
	in, err := decode[promptInput](input)
	if err != nil {
		return "", err
	}

	res, err := h.engine.Dispatch(ctx, in.request())
	if err != nil {
		return "", err
	}
	return toJSON(res)
}

func (h *handlers) listAgents(ctx context.Context, _ json.RawMessage) (string, error) {
	return relay.FormatStatuses(h.engine.Sweep(ctx)), nil
}
