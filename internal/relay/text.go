// ABOUTME: Reply normalization: pulls the text parts out of an agent message

package relay

import (
	"strings"

	"github.com/2389/opencode-bridge/internal/opencode"
)

// ExtractText joins the non-empty text parts with newlines, in order.
// Non-text parts are skipped. With nothing to show it returns EmptyResponse.
func ExtractText(parts []opencode.MessagePart) string {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type == opencode.PartTypeText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	if len(texts) == 0 {
		return EmptyResponse
	}
	return strings.Join(texts, "\n")
}
