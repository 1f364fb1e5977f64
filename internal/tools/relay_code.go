// ABOUTME: relay_code tool: pushes or pulls the working tree through a shared git remote

package tools

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/2389/opencode-bridge/internal/gitrelay"
)

type relayCodeInput struct {
	Direction string `json:"direction"`
	Remote    string `json:"remote"`
	Branch    string `json:"branch"`
	Message   string `json:"message"`
	Cwd       string `json:"cwd"`
}

func (h *handlers) relayCode(ctx context.Context, input json.RawMessage) (string, error) {
	if h.git == nil {
		return "", errors.New("git relay is not configured")
	}
	in, err := decode[relayCodeInput](input)
	if err != nil {
		return "", err
	}

	return h.git.Do(ctx, gitrelay.Request{
		Direction: gitrelay.Direction(in.Direction),
		Remote:    in.Remote,
		Branch:    in.Branch,
		Message:   in.Message,
		Dir:       in.Cwd,
	})
}
