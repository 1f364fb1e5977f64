// ABOUTME: MCP server over newline-delimited JSON-RPC 2.0 on stdio.
// ABOUTME: Tool calls run concurrently; responses share one serialized writer.

package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/opencode-bridge/internal/dedupe"
	"github.com/2389/opencode-bridge/internal/metrics"
)

// Config holds configuration for the MCP server.
type Config struct {
	Name    string
	Version string
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server implements the MCP stdio transport.
type Server struct {
	info    ServerInfo
	logger  *slog.Logger
	metrics *metrics.Metrics

	toolsMu sync.RWMutex
	tools   map[string]*registeredTool
	order   []string

	initialized atomic.Bool

	// tools/call ids seen during the current Run
	replays *dedupe.Window

	writeMu sync.Mutex
	encoder *json.Encoder

	inflight sync.WaitGroup
}

// NewServer creates a new MCP server with no tools registered.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "opencode-bridge"
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	return &Server{
		info:    ServerInfo{Name: name, Version: version},
		logger:  logger.With("component", "mcp"),
		metrics: cfg.Metrics,
		tools:   make(map[string]*registeredTool),
	}
}

// Serve runs the server on the process's stdin and stdout.
func (s *Server) Serve(ctx context.Context) error {
	return s.Run(ctx, os.Stdin, os.Stdout)
}

// Run processes JSON-RPC 2.0 messages from input and writes responses to
// output until input reaches EOF or ctx is cancelled. Each message occupies a
// single line; a line over MaxLineSize is answered with an error and skipped.
// In-flight tool calls are waited for before Run returns.
func (s *Server) Run(ctx context.Context, input io.Reader, output io.Writer) error {
	s.encoder = json.NewEncoder(output)
	s.replays = dedupe.New(dedupe.DefaultTTL, dedupe.DefaultMaxKeys)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan inputLine)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		reader := bufio.NewReaderSize(input, 64*1024)
		for {
			line, truncated, err := readLine(reader)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
			select {
			case lines <- inputLine{data: line, truncated: truncated}:
			case <-ctx.Done():
				return
			}
		}
	}()

	s.logger.Info("MCP server ready", "name", s.info.Name, "version", s.info.Version, "tools", len(s.Tools()))

	var err error
loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if line.truncated {
				s.rejectOversized(line.data)
				continue
			}
			s.handleLine(ctx, line.data)
		case <-ctx.Done():
			break loop
		}
	}

	s.inflight.Wait()

	select {
	case err = <-readErr:
	default:
	}
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	s.logger.Info("MCP server stopped")
	return nil
}

// inputLine is one message read from input. A truncated line was longer than
// MaxLineSize and holds only its first MaxLineSize bytes.
type inputLine struct {
	data      []byte
	truncated bool
}

// readLine returns the next line without its line ending. The rest of a line
// longer than MaxLineSize is read and discarded so the next call starts on a
// fresh message. A final line without a newline is returned before io.EOF.
func readLine(r *bufio.Reader) (line []byte, truncated bool, err error) {
	for {
		chunk, err := r.ReadSlice('\n')
		if err == nil {
			chunk = chunk[:len(chunk)-1]
		}
		if room := MaxLineSize - len(line); len(chunk) > room {
			truncated = true
			chunk = chunk[:room]
		}
		line = append(line, chunk...)

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err == nil, errors.Is(err, io.EOF) && (len(line) > 0 || truncated):
			return bytes.TrimSuffix(line, []byte("\r")), truncated, nil
		default:
			return nil, false, err
		}
	}
}

// rejectOversized answers a message that exceeded MaxLineSize, echoing its id
// when the id appears before the cut.
func (s *Server) rejectOversized(prefix []byte) {
	id := leadingID(prefix)
	s.logger.Warn("dropping oversized message", "limit", MaxLineSize, "id", string(id))
	if id == nil {
		id = json.RawMessage("null")
	}
	s.sendJSONRPCError(id, JSONRPCInvalidRequest, fmt.Sprintf("message exceeds %d bytes", MaxLineSize), nil)
}

// leadingID walks the top-level members of a possibly truncated JSON object
// and returns the id if it is decoded before the first incomplete value.
func leadingID(prefix []byte) json.RawMessage {
	dec := json.NewDecoder(bytes.NewReader(prefix))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil
		}
		if key, _ := tok.(string); key != "id" {
			continue
		}
		switch {
		case len(value) == 0:
			return nil
		case value[0] == '"', value[0] == '-', value[0] >= '0' && value[0] <= '9':
			return value
		default:
			return nil
		}
	}
	return nil
}

// handleLine parses one message and routes it.
func (s *Server) handleLine(ctx context.Context, line []byte) {
	if len(line) == 0 {
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(line, &req); err != nil {
		s.sendJSONRPCError(json.RawMessage("null"), JSONRPCParseError, "parse error: "+err.Error(), nil)
		return
	}

	if req.JSONRPC != "2.0" {
		if !req.isNotification() {
			s.sendJSONRPCError(req.ID, JSONRPCInvalidRequest, "invalid JSON-RPC version", nil)
		}
		return
	}

	// Notifications have no ID and receive no response.
	if req.isNotification() {
		s.logger.Debug("accepted MCP notification", "method", req.Method)
		return
	}

	s.logger.Debug("MCP request", "method", req.Method)

	switch req.Method {
	case "initialize":
		s.handleInitialize(req)
	case "ping":
		s.sendJSONRPCResult(req.ID, struct{}{})
	case "tools/list":
		if !s.initialized.Load() {
			s.sendJSONRPCError(req.ID, JSONRPCInvalidRequest, "server not initialized (call initialize first)", nil)
			return
		}
		s.sendJSONRPCResult(req.ID, ListToolsResult{Tools: s.Tools()})
	case "tools/call":
		if !s.initialized.Load() {
			s.sendJSONRPCError(req.ID, JSONRPCInvalidRequest, "server not initialized (call initialize first)", nil)
			return
		}
		s.handleToolsCall(ctx, req)
	default:
		s.sendJSONRPCError(req.ID, JSONRPCMethodNotFound, "method not found: "+req.Method, nil)
	}
}

// handleInitialize answers the handshake. Clients asking for another protocol
// version are not rejected; they decide whether they can proceed.
func (s *Server) handleInitialize(req JSONRPCRequest) {
	if len(req.Params) > 0 {
		var params initializeParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendJSONRPCError(req.ID, JSONRPCInvalidParams, "invalid initialize params: "+err.Error(), nil)
			return
		}
		s.logger.Info("MCP client connected", "protocol_version", params.ProtocolVersion, "client", params.ClientInfo["name"])
	}
	s.initialized.Store(true)

	s.sendJSONRPCResult(req.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		ServerInfo:      s.info,
	})
}

// handleToolsCall validates the call synchronously and runs the tool in its
// own goroutine so a slow agent does not block other requests.
func (s *Server) handleToolsCall(ctx context.Context, req JSONRPCRequest) {
	var params CallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendJSONRPCError(req.ID, JSONRPCInvalidParams, "invalid params", nil)
			return
		}
	}
	if params.Name == "" {
		s.sendJSONRPCError(req.ID, JSONRPCInvalidParams, "tool name is required", nil)
		return
	}

	tool, ok := s.lookup(params.Name)
	if !ok {
		s.sendJSONRPCError(req.ID, JSONRPCInvalidParams, "tool not found: "+params.Name, nil)
		return
	}

	if s.replays.Seen(string(req.ID)) {
		s.logger.Warn("refusing replayed tools/call", "id", string(req.ID), "tool_name", params.Name)
		s.sendJSONRPCError(req.ID, JSONRPCInvalidRequest, "duplicate request id: "+string(req.ID), nil)
		return
	}

	args := params.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}

	// Generate request ID for correlation
	requestID := uuid.New().String()

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		result := s.callTool(WithRequestID(ctx, requestID), tool, args)
		s.sendJSONRPCResult(req.ID, result)
	}()
}

func (s *Server) callTool(ctx context.Context, tool *registeredTool, args json.RawMessage) (result CallToolResult) {
	requestID := RequestID(ctx)
	logger := s.logger.With("tool_name", tool.Name, "request_id", requestID)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("tool panicked", "panic", r)
			result = ErrorResult(fmt.Sprintf("internal error in %s", tool.Name))
		}
		s.metrics.ToolCall(tool.Name, result.IsError)
		logger.Debug("tools/call complete", "is_error", result.IsError, "elapsed", time.Since(start))
	}()

	logger.Debug("tools/call")

	violations, err := tool.validate(args)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", tool.Name, err))
	}
	if len(violations) > 0 {
		return ErrorResult(formatViolations(tool.Name, violations))
	}

	return tool.Handler(ctx, args)
}

// sendJSONRPCResult sends a successful JSON-RPC response.
func (s *Server) sendJSONRPCResult(id json.RawMessage, result any) {
	s.write(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

// sendJSONRPCError sends a JSON-RPC error response.
func (s *Server) sendJSONRPCError(id json.RawMessage, code int, message string, data any) {
	s.write(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	})
}

func (s *Server) write(resp JSONRPCResponse) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.encoder.Encode(resp); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}

type requestIDKey struct{}

// WithRequestID returns a context carrying the tool call's correlation id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the correlation id of the current tool call, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
