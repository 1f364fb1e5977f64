// ABOUTME: Tool definitions with JSON Schema input validation
// ABOUTME: Schemas are compiled once at registration with gojsonschema

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrToolExists is returned when registering a tool name twice.
var ErrToolExists = errors.New("tool already registered")

// Handler executes a tool. Arguments have already been validated against the
// tool's input schema. Handlers report failures through ErrorResult; they do
// not return Go errors.
type Handler func(ctx context.Context, args json.RawMessage) CallToolResult

// Tool is one callable tool.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     Handler
}

type registeredTool struct {
	Tool
	schema *gojsonschema.Schema
}

// validate checks args against the compiled schema and returns one message
// per violation.
func (t *registeredTool) validate(args json.RawMessage) ([]string, error) {
	result, err := t.schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return nil, err
	}
	if result.Valid() {
		return nil, nil
	}
	msgs := make([]string, len(result.Errors()))
	for i, desc := range result.Errors() {
		msgs[i] = desc.String()
	}
	return msgs, nil
}

// Register adds a tool. It fails if the name is taken or the schema does not compile.
func (s *Server) Register(tool Tool) error {
	if tool.Name == "" {
		return errors.New("tool name is required")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", tool.Name)
	}
	if len(tool.InputSchema) == 0 {
		tool.InputSchema = json.RawMessage(`{"type":"object"}`)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(tool.InputSchema))
	if err != nil {
		return fmt.Errorf("invalid input schema for tool %s: %w", tool.Name, err)
	}

	s.toolsMu.Lock()
	defer s.toolsMu.Unlock()
	if _, ok := s.tools[tool.Name]; ok {
		return fmt.Errorf("%w: %s", ErrToolExists, tool.Name)
	}
	s.tools[tool.Name] = &registeredTool{Tool: tool, schema: schema}
	s.order = append(s.order, tool.Name)
	return nil
}

// Tools lists registered tools in registration order.
func (s *Server) Tools() []ToolInfo {
	s.toolsMu.RLock()
	defer s.toolsMu.RUnlock()
	out := make([]ToolInfo, 0, len(s.order))
	for _, name := range s.order {
		t := s.tools[name]
		out = append(out, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}

func (s *Server) lookup(name string) (*registeredTool, bool) {
	s.toolsMu.RLock()
	defer s.toolsMu.RUnlock()
	t, ok := s.tools[name]
	return t, ok
}

func formatViolations(tool string, msgs []string) string {
	return fmt.Sprintf("invalid arguments for %s:\n- %s", tool, strings.Join(msgs, "\n- "))
}
