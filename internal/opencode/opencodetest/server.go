// ABOUTME: In-process fake OpenCode server for tests
// ABOUTME: Records every call and lets tests script health, replies and failures

package opencodetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/2389/opencode-bridge/internal/opencode"
)

// PromptCall records one prompt received by the fake server.
type PromptCall struct {
	SessionID string
	Text      string
	Model     *opencode.Model
	Async     bool
}

// Server is a fake OpenCode HTTP API backed by in-memory sessions.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	sessions     map[string]*opencode.Session
	order        []string
	messages     map[string][]opencode.MessageWithParts
	nextID       int
	creates      []string // titles, in order
	prompts      []PromptCall
	aborts       []string
	deletes      []string
	reply        []opencode.MessagePart
	promptStatus int
	promptBody   string
	promptDelay  time.Duration
	createStatus int
	healthy      bool
	version      string
	healthStatus int
	auth         string
	unauthorized int
}

// NewServer starts a fake server that is healthy, has no sessions and
// answers every prompt with a single "ok" text part. It is closed when the
// test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		sessions: make(map[string]*opencode.Session),
		messages: make(map[string][]opencode.MessageWithParts),
		reply:    []opencode.MessagePart{{Type: opencode.PartTypeText, Text: "ok"}},
		healthy:  true,
		version:  "0.9.1",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /global/health", s.handleHealth)
	mux.HandleFunc("GET /session", s.handleListSessions)
	mux.HandleFunc("POST /session", s.handleCreateSession)
	mux.HandleFunc("GET /session/status", s.handleStatuses)
	mux.HandleFunc("GET /session/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /session/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /session/{id}/message", s.handlePrompt)
	mux.HandleFunc("GET /session/{id}/message", s.handleMessages)
	mux.HandleFunc("POST /session/{id}/prompt_async", s.handlePromptAsync)
	mux.HandleFunc("POST /session/{id}/abort", s.handleAbort)

	s.Server = httptest.NewServer(s.checkAuth(mux))
	t.Cleanup(s.Close)
	return s
}

// RequireAuth makes every request without exactly this Authorization header fail with 401.
func (s *Server) RequireAuth(header string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = header
}

// SetHealth scripts the health endpoint response.
func (s *Server) SetHealth(healthy bool, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
	s.version = version
	s.healthStatus = 0
}

// FailHealth makes the health endpoint answer with the given status.
func (s *Server) FailHealth(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthStatus = status
}

// SetReply sets the parts returned by subsequent prompts.
func (s *Server) SetReply(parts ...opencode.MessagePart) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply = parts
}

// FailPrompts makes subsequent prompts answer with status and body. A zero
// status restores normal behaviour.
func (s *Server) FailPrompts(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promptStatus = status
	s.promptBody = body
}

// FailCreates makes subsequent session creation answer with status.
func (s *Server) FailCreates(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createStatus = status
}

// DelayPrompts makes the prompt endpoint sleep before answering.
func (s *Server) DelayPrompts(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promptDelay = d
}

// AddSession registers an existing remote session.
func (s *Server) AddSession(id, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addSessionLocked(id, title)
}

// ForgetSession removes a session on the remote side, as if it expired.
func (s *Server) ForgetSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeSessionLocked(id)
}

// HasSession reports whether the remote side knows the session.
func (s *Server) HasSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// CreateCount returns how many sessions were created through the API.
func (s *Server) CreateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.creates)
}

// CreatedTitles returns the titles of sessions created through the API.
func (s *Server) CreatedTitles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.creates...)
}

// Prompts returns every prompt received, synchronous and async.
func (s *Server) Prompts() []PromptCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PromptCall(nil), s.prompts...)
}

// Aborts returns the session ids that were aborted.
func (s *Server) Aborts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.aborts...)
}

// Deletes returns the session ids that were deleted.
func (s *Server) Deletes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deletes...)
}

// Unauthorized returns how many requests were rejected for bad auth.
func (s *Server) Unauthorized() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unauthorized
}

func (s *Server) checkAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		want := s.auth
		if want != "" && r.Header.Get("Authorization") != want {
			s.unauthorized++
			s.mu.Unlock()
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	status, healthy, version := s.healthStatus, s.healthy, s.version
	s.mu.Unlock()

	if status != 0 {
		http.Error(w, "unavailable", status)
		return
	}
	writeJSON(w, opencode.Health{Healthy: healthy, Version: version})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := make([]opencode.Session, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.sessions[id])
	}
	s.mu.Unlock()
	writeJSON(w, out)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.createStatus != 0 {
		status := s.createStatus
		s.mu.Unlock()
		http.Error(w, "cannot create session", status)
		return
	}
	s.nextID++
	id := "ses_" + strconv.Itoa(s.nextID)
	s.creates = append(s.creates, body.Title)
	sess := s.addSessionLocked(id, body.Title)
	out := *sess
	s.mu.Unlock()

	writeJSON(w, out)
}

func (s *Server) handleStatuses(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := make(map[string]any, len(s.sessions))
	for id := range s.sessions {
		out[id] = map[string]string{"type": "idle"}
	}
	s.mu.Unlock()
	writeJSON(w, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	sess, ok := s.sessions[id]
	var out opencode.Session
	if ok {
		out = *sess
	}
	s.mu.Unlock()

	if !ok {
		writeNotFound(w, id)
		return
	}
	writeJSON(w, out)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	_, ok := s.sessions[id]
	if ok {
		s.deletes = append(s.deletes, id)
		s.removeSessionLocked(id)
	}
	s.mu.Unlock()

	if !ok {
		writeNotFound(w, id)
		return
	}
	writeJSON(w, true)
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	s.receivePrompt(w, r, false)
}

func (s *Server) handlePromptAsync(w http.ResponseWriter, r *http.Request) {
	s.receivePrompt(w, r, true)
}

func (s *Server) receivePrompt(w http.ResponseWriter, r *http.Request, async bool) {
	id := r.PathValue("id")

	var body struct {
		Parts []opencode.MessagePart `json:"parts"`
		Model *opencode.Model        `json:"model"`
	}
	data, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(data, &body); err != nil || len(body.Parts) == 0 {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	call := PromptCall{SessionID: id, Text: body.Parts[0].Text, Model: body.Model, Async: async}
	s.prompts = append(s.prompts, call)
	_, known := s.sessions[id]
	status, failBody, delay := s.promptStatus, s.promptBody, s.promptDelay
	reply := append([]opencode.MessagePart(nil), s.reply...)
	s.mu.Unlock()

	if !async && delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if status != 0 {
		http.Error(w, failBody, status)
		return
	}
	if !known {
		writeNotFound(w, id)
		return
	}

	if async {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	msg := opencode.MessageWithParts{
		Info:  opencode.MessageInfo{ID: fmt.Sprintf("msg_%d", len(s.Prompts())), Role: "assistant", SessionID: id},
		Parts: reply,
	}

	s.mu.Lock()
	s.messages[id] = append(s.messages[id],
		opencode.MessageWithParts{
			Info:  opencode.MessageInfo{ID: msg.Info.ID + "_user", Role: "user", SessionID: id},
			Parts: []opencode.MessagePart{{Type: opencode.PartTypeText, Text: call.Text}},
		},
		msg,
	)
	s.mu.Unlock()

	writeJSON(w, msg)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	_, ok := s.sessions[id]
	msgs := append([]opencode.MessageWithParts(nil), s.messages[id]...)
	s.mu.Unlock()

	if !ok {
		writeNotFound(w, id)
		return
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 && limit < len(msgs) {
		msgs = msgs[len(msgs)-limit:]
	}
	if msgs == nil {
		msgs = []opencode.MessageWithParts{}
	}
	writeJSON(w, msgs)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	_, ok := s.sessions[id]
	if ok {
		s.aborts = append(s.aborts, id)
	}
	s.mu.Unlock()

	if !ok {
		writeNotFound(w, id)
		return
	}
	writeJSON(w, true)
}

func (s *Server) addSessionLocked(id, title string) *opencode.Session {
	now := time.Now().UTC().Format(time.RFC3339)
	sess := &opencode.Session{ID: id, Title: title, CreatedAt: now, UpdatedAt: now}
	if _, exists := s.sessions[id]; !exists {
		s.order = append(s.order, id)
	}
	s.sessions[id] = sess
	return sess
}

func (s *Server) removeSessionLocked(id string) {
	delete(s.sessions, id)
	delete(s.messages, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeNotFound(w http.ResponseWriter, id string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	_, _ = fmt.Fprintf(w, `{"name":"NotFoundError","data":{"message":"Session not found: %s"}}`, id)
}
