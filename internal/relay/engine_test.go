// ABOUTME: Tests for the relay engine's session routing and staleness recovery
// ABOUTME: Runs against the fake OpenCode server with an in-memory ledger

package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/opencode-bridge/internal/config"
	"github.com/2389/opencode-bridge/internal/metrics"
	"github.com/2389/opencode-bridge/internal/opencode"
	"github.com/2389/opencode-bridge/internal/opencode/opencodetest"
	"github.com/2389/opencode-bridge/internal/registry"
	"github.com/2389/opencode-bridge/internal/store"
)

type fixture struct {
	srv    *opencodetest.Server
	ledger *store.MemoryLedger
	engine *Engine
}

func newFixture(t *testing.T, initial map[string]string) *fixture {
	t.Helper()
	srv := opencodetest.NewServer(t)
	ledger := store.NewMemoryLedgerWith(initial)
	reg := registry.New(map[string]config.AgentConfig{
		"mac-mini": {URL: srv.URL, Description: "Build box"},
	})
	return &fixture{
		srv:    srv,
		ledger: ledger,
		engine: New(reg, ledger, Options{Metrics: metrics.New()}),
	}
}

func (f *fixture) binding(agent string) (string, bool) {
	return f.ledger.Get(agent)
}

func TestRelay_FirstCallCreatesSession(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.SetReply(
		opencode.MessagePart{Type: "text", Text: "hi"},
		opencode.MessagePart{Type: "text", Text: "there"},
	)

	res, err := f.engine.Relay(context.Background(), Request{Agent: "mac-mini", Prompt: "hello"})
	require.NoError(t, err)

	assert.Equal(t, 1, f.srv.CreateCount())
	assert.Equal(t, []string{"Bridge: hello"}, f.srv.CreatedTitles())
	require.Len(t, f.srv.Prompts(), 1)

	bound, ok := f.binding("mac-mini")
	require.True(t, ok)
	assert.Equal(t, res.SessionID, bound)
	assert.Equal(t, "mac-mini", res.Agent)
	assert.Equal(t, "hi\nthere", res.Response)
}

func TestRelay_SecondCallReusesBinding(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.engine.Relay(ctx, Request{Agent: "mac-mini", Prompt: "hello"})
	require.NoError(t, err)
	second, err := f.engine.Relay(ctx, Request{Agent: "mac-mini", Prompt: "again"})
	require.NoError(t, err)

	assert.Equal(t, 1, f.srv.CreateCount())
	assert.Equal(t, first.SessionID, second.SessionID)
	prompts := f.srv.Prompts()
	require.Len(t, prompts, 2)
	assert.Equal(t, first.SessionID, prompts[1].SessionID)
	assert.Equal(t, "again", prompts[1].Text)
}

func TestRelay_ExistingBindingSkipsCreate(t *testing.T) {
	f := newFixture(t, map[string]string{"mac-mini": "ses_known"})
	f.srv.AddSession("ses_known", "")

	res, err := f.engine.Relay(context.Background(), Request{Agent: "mac-mini", Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ses_known", res.SessionID)
	assert.Zero(t, f.srv.CreateCount())
}

func TestRelay_RepeatedSuccessDoesNotWriteLedger(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := range 5 {
		_, err := f.engine.Relay(ctx, Request{Agent: "mac-mini", Prompt: fmt.Sprintf("p%d", i)})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.ledger.Writes(), "only the initial create should write")
}

func TestRelay_NewSessionOverwritesBinding(t *testing.T) {
	f := newFixture(t, map[string]string{"mac-mini": "ses_old"})
	f.srv.AddSession("ses_old", "")

	res, err := f.engine.Relay(context.Background(), Request{Agent: "mac-mini", Prompt: "fresh", NewSession: true})
	require.NoError(t, err)

	assert.Equal(t, 1, f.srv.CreateCount())
	assert.NotEqual(t, "ses_old", res.SessionID)
	bound, _ := f.binding("mac-mini")
	assert.Equal(t, res.SessionID, bound)
}

func TestRelay_NewSessionWithoutBinding(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.engine.Relay(context.Background(), Request{Agent: "mac-mini", Prompt: "x", NewSession: true})
	require.NoError(t, err)
	assert.Equal(t, 1, f.srv.CreateCount())
	bound, _ := f.binding("mac-mini")
	assert.Equal(t, res.SessionID, bound)
}

func TestRelay_ExplicitSessionBypassesLedger(t *testing.T) {
	f := newFixture(t, map[string]string{"mac-mini": "ses_bound"})
	f.srv.AddSession("ses_explicit", "")

	res, err := f.engine.Relay(context.Background(), Request{Agent: "mac-mini", Prompt: "x", SessionID: "ses_explicit"})
	require.NoError(t, err)

	assert.Equal(t, "ses_explicit", res.SessionID)
	assert.Zero(t, f.srv.CreateCount())
	assert.Zero(t, f.ledger.Writes())
	bound, _ := f.binding("mac-mini")
	assert.Equal(t, "ses_bound", bound)
}

func TestRelay_ExplicitSessionWinsOverNewSession(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.AddSession("ses_explicit", "")

	res, err := f.engine.Relay(context.Background(), Request{Agent: "mac-mini", Prompt: "x", SessionID: "ses_explicit", NewSession: true})
	require.NoError(t, err)
	assert.Equal(t, "ses_explicit", res.SessionID)
	assert.Zero(t, f.srv.CreateCount())
}

func TestRelay_StaleBindingIsClearedThenRecreated(t *testing.T) {
	// The remote has forgotten ses_gone; the fake answers 404 for it.
	f := newFixture(t, map[string]string{"mac-mini": "ses_gone"})
	ctx := context.Background()

	_, err := f.engine.Relay(ctx, Request{Agent: "mac-mini", Prompt: "hello"})
	require.Error(t, err)

	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.True(t, rerr.Stale)
	assert.Equal(t, "ses_gone", rerr.SessionID)
	assert.True(t, errors.Is(err, opencode.ErrNotFound))
	_, ok := f.binding("mac-mini")
	assert.False(t, ok, "stale binding must be dropped")
	assert.Zero(t, f.srv.CreateCount(), "no retry within the same call")

	res, err := f.engine.Relay(ctx, Request{Agent: "mac-mini", Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.srv.CreateCount())
	bound, _ := f.binding("mac-mini")
	assert.Equal(t, res.SessionID, bound)
}

func TestRelay_StaleExplicitSessionClearsBinding(t *testing.T) {
	f := newFixture(t, map[string]string{"mac-mini": "ses_bound"})
	f.srv.AddSession("ses_bound", "")
	ctx := context.Background()

	_, err := f.engine.Relay(ctx, Request{Agent: "mac-mini", Prompt: "x", SessionID: "ses_missing"})
	require.Error(t, err)
	assert.True(t, IsStale(err))

	_, ok := f.binding("mac-mini")
	assert.False(t, ok, "a stale session drops the agent's binding")

	res, err := f.engine.Relay(ctx, Request{Agent: "mac-mini", Prompt: "again"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.srv.CreateCount(), "next relay starts a new session")
	assert.NotEqual(t, "ses_bound", res.SessionID)
}

func TestDispatch_StaleExplicitSessionClearsBinding(t *testing.T) {
	f := newFixture(t, map[string]string{"mac-mini": "ses_bound"})
	f.srv.AddSession("ses_bound", "")

	_, err := f.engine.Dispatch(context.Background(), Request{Agent: "mac-mini", Prompt: "x", SessionID: "ses_missing"})
	require.Error(t, err)

	_, ok := f.binding("mac-mini")
	assert.False(t, ok)
}

func TestRelay_NonStaleFailuresKeepBinding(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: "boom"},
		{name: "server error mentioning not found", status: http.StatusInternalServerError, body: "model not found"},
		{name: "bad request mentioning 404", status: http.StatusBadRequest, body: "route 404 missing"},
		{name: "unauthorized", status: http.StatusUnauthorized, body: "nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, map[string]string{"mac-mini": "ses_a"})
			f.srv.AddSession("ses_a", "")
			f.srv.FailPrompts(tt.status, tt.body)

			_, err := f.engine.Relay(context.Background(), Request{Agent: "mac-mini", Prompt: "x"})
			require.Error(t, err)

			var rerr *Error
			require.True(t, errors.As(err, &rerr))
			assert.False(t, rerr.Stale)
			bound, ok := f.binding("mac-mini")
			assert.True(t, ok)
			assert.Equal(t, "ses_a", bound)
			assert.Zero(t, f.ledger.Writes())
		})
	}
}

func TestRelay_TimeoutKeepsBinding(t *testing.T) {
	srv := opencodetest.NewServer(t)
	srv.AddSession("ses_a", "")
	srv.DelayPrompts(time.Second)
	ledger := store.NewMemoryLedgerWith(map[string]string{"mac-mini": "ses_a"})
	reg := registry.New(map[string]config.AgentConfig{"mac-mini": {URL: srv.URL}})
	engine := New(reg, ledger, Options{Client: opencode.Options{PromptTimeout: 50 * time.Millisecond}})

	_, err := engine.Relay(context.Background(), Request{Agent: "mac-mini", Prompt: "slow"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	bound, _ := ledger.Get("mac-mini")
	assert.Equal(t, "ses_a", bound)
}

func TestRelay_EmptyResponse(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.SetReply(opencode.MessagePart{Type: "tool"}, opencode.MessagePart{Type: "text", Text: ""})

	res, err := f.engine.Relay(context.Background(), Request{Agent: "mac-mini", Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, EmptyResponse, res.Response)
}

func TestRelay_CreateFailureLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.FailCreates(http.StatusInternalServerError)

	_, err := f.engine.Relay(context.Background(), Request{Agent: "mac-mini", Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creating session")
	assert.Empty(t, f.ledger.All())
	assert.Empty(t, f.srv.Prompts())
}

func TestRelay_LedgerWriteFailureSurfacesSession(t *testing.T) {
	f := newFixture(t, nil)
	f.ledger.FailWrites(errors.New("disk full"))

	_, err := f.engine.Relay(context.Background(), Request{Agent: "mac-mini", Prompt: "x"})
	require.Error(t, err)

	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "ses_1", rerr.SessionID)
	assert.Contains(t, err.Error(), "ses_1")
	assert.Contains(t, err.Error(), "disk full")
	assert.Empty(t, f.srv.Prompts(), "prompt is not sent when the binding cannot be recorded")
}

func TestRelay_UnknownAgent(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.engine.Relay(context.Background(), Request{Agent: "nas", Prompt: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrAgentNotFound))
	assert.Equal(t, `agent "nas" not found. Available: mac-mini`, err.Error())
}

func TestRelay_TitleUsesFirstSixtyRunes(t *testing.T) {
	f := newFixture(t, nil)
	prompt := strings.Repeat("é", 70)

	_, err := f.engine.Relay(context.Background(), Request{Agent: "mac-mini", Prompt: prompt})
	require.NoError(t, err)
	assert.Equal(t, []string{"Bridge: " + strings.Repeat("é", 60)}, f.srv.CreatedTitles())
}

func TestRelay_ForwardsModel(t *testing.T) {
	f := newFixture(t, nil)
	model := &opencode.Model{ProviderID: "acme", ModelID: "big-model"}

	_, err := f.engine.Relay(context.Background(), Request{Agent: "mac-mini", Prompt: "x", Model: model})
	require.NoError(t, err)
	require.NotNil(t, f.srv.Prompts()[0].Model)
	assert.Equal(t, *model, *f.srv.Prompts()[0].Model)
}

func TestRelay_ConcurrentCallsShareOneSession(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.DelayPrompts(20 * time.Millisecond)

	var wg sync.WaitGroup
	results := make([]*Result, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.engine.Relay(context.Background(), Request{Agent: "mac-mini", Prompt: "x"})
		}()
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].SessionID, results[i].SessionID)
	}
	assert.Equal(t, 1, f.srv.CreateCount())
}

func TestRelay_CancelledWhileWaitingForLock(t *testing.T) {
	f := newFixture(t, nil)
	lock := f.engine.locks["mac-mini"]
	require.NoError(t, lock.Acquire(context.Background(), 1))
	defer lock.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.engine.Relay(ctx, Request{Agent: "mac-mini", Prompt: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Zero(t, f.srv.CreateCount())
}

func TestDispatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	d, err := f.engine.Dispatch(ctx, Request{Agent: "mac-mini", Prompt: "background"})
	require.NoError(t, err)
	assert.Equal(t, "dispatched", d.Status)
	assert.Equal(t, 1, f.srv.CreateCount())

	prompts := f.srv.Prompts()
	require.Len(t, prompts, 1)
	assert.True(t, prompts[0].Async)
	bound, _ := f.binding("mac-mini")
	assert.Equal(t, d.SessionID, bound)

	// A follow-up relay continues the same session.
	res, err := f.engine.Relay(ctx, Request{Agent: "mac-mini", Prompt: "status?"})
	require.NoError(t, err)
	assert.Equal(t, d.SessionID, res.SessionID)
}

func TestDispatch_StaleBinding(t *testing.T) {
	f := newFixture(t, map[string]string{"mac-mini": "ses_gone"})

	_, err := f.engine.Dispatch(context.Background(), Request{Agent: "mac-mini", Prompt: "x"})
	require.Error(t, err)
	_, ok := f.binding("mac-mini")
	assert.False(t, ok)
}

func TestIsStale(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "api 404", err: &opencode.APIError{StatusCode: 404, Body: "whatever"}, want: true},
		{name: "wrapped api 404", err: fmt.Errorf("prompt: %w", &opencode.APIError{StatusCode: 404}), want: true},
		{name: "api 500 saying not found", err: &opencode.APIError{StatusCode: 500, Body: "session not found"}, want: false},
		{name: "api 410", err: &opencode.APIError{StatusCode: 410}, want: false},
		{name: "transport error", err: &opencode.TransportError{Method: "GET", Path: "/x", Err: errors.New("404 not found")}, want: false},
		{name: "plain text 404", err: errors.New("upstream said 404"), want: true},
		{name: "plain text not found", err: errors.New("session Not Found"), want: true},
		{name: "plain other", err: errors.New("connection reset"), want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsStale(tt.err))
		})
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name  string
		parts []opencode.MessagePart
		want  string
	}{
		{name: "joins text parts", parts: []opencode.MessagePart{{Type: "text", Text: "A"}, {Type: "text", Text: "B"}}, want: "A\nB"},
		{name: "skips non text", parts: []opencode.MessagePart{{Type: "reasoning", Text: "hmm"}, {Type: "text", Text: "A"}}, want: "A"},
		{name: "skips empty text", parts: []opencode.MessagePart{{Type: "text"}, {Type: "text", Text: "A"}}, want: "A"},
		{name: "nothing", parts: nil, want: EmptyResponse},
		{name: "only tools", parts: []opencode.MessagePart{{Type: "tool"}}, want: EmptyResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractText(tt.parts))
		})
	}
}
