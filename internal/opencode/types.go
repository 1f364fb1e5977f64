// ABOUTME: Wire types for the OpenCode server HTTP API
// ABOUTME: Sessions, messages with parts, health and model selectors

package opencode

import "encoding/json"

// PartTypeText is the part type carrying assistant text.
const PartTypeText = "text"

// Session is a remote conversation context.
type Session struct {
	ID        string `json:"id"`
	ParentID  string `json:"parentID,omitempty"`
	Title     string `json:"title,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// MessagePart is one piece of a message. Only text parts are interpreted;
// everything else the server sends is kept in Raw.
type MessagePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the full part alongside the decoded type and text.
func (p *MessagePart) UnmarshalJSON(data []byte) error {
	type plain MessagePart
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = MessagePart(v)
	p.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MessageInfo is the metadata of a message.
type MessageInfo struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	SessionID string `json:"sessionID"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// MessageWithParts is what the prompt and message listing endpoints return.
type MessageWithParts struct {
	Info  MessageInfo   `json:"info"`
	Parts []MessagePart `json:"parts"`
}

// Health is the response of GET /global/health.
type Health struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// Model selects a provider/model pair for a single prompt.
type Model struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

type createSessionRequest struct {
	Title string `json:"title"`
}

type promptRequest struct {
	Parts []textPart `json:"parts"`
	Model *Model     `json:"model,omitempty"`
}

type textPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func newPromptRequest(text string, model *Model) promptRequest {
	return promptRequest{
		Parts: []textPart{{Type: PartTypeText, Text: text}},
		Model: model,
	}
}
