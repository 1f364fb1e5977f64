// ABOUTME: Tests for the agent registry
// ABOUTME: Covers URL normalization, credential defaults and not-found errors

package registry

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/opencode-bridge/internal/config"
)

func testRegistry() *Registry {
	return New(map[string]config.AgentConfig{
		"mac-mini": {URL: "http://mac-mini.local:4096/", Description: "Build box", Password: "pw"},
		"linux":    {URL: "https://linux.example.com", Username: "admin", Password: "secret"},
		"open":     {URL: "http://open.local:4096", Username: "ignored"},
	})
}

func TestRegistry_Names(t *testing.T) {
	r := testRegistry()

	assert.Equal(t, []string{"linux", "mac-mini", "open"}, r.Names())
	assert.Equal(t, 3, r.Len())

	// Callers get a copy.
	names := r.Names()
	names[0] = "mutated"
	assert.Equal(t, "linux", r.Names()[0])
}

func TestRegistry_Get(t *testing.T) {
	r := testRegistry()

	t.Run("trailing slash normalized", func(t *testing.T) {
		agent, err := r.Get("mac-mini")
		require.NoError(t, err)
		assert.Equal(t, "mac-mini", agent.Name)
		assert.Equal(t, "http://mac-mini.local:4096", agent.URL)
		assert.Equal(t, "Build box", agent.Description)
	})

	t.Run("default username with password", func(t *testing.T) {
		agent, err := r.Get("mac-mini")
		require.NoError(t, err)
		assert.Equal(t, DefaultUsername, agent.Username)
		assert.True(t, agent.HasCredential())

		want := "Basic " + base64.StdEncoding.EncodeToString([]byte("opencode:pw"))
		assert.Equal(t, want, agent.AuthorizationHeader())
	})

	t.Run("explicit username kept", func(t *testing.T) {
		agent, err := r.Get("linux")
		require.NoError(t, err)
		assert.Equal(t, "admin", agent.Username)

		want := "Basic " + base64.StdEncoding.EncodeToString([]byte("admin:secret"))
		assert.Equal(t, want, agent.AuthorizationHeader())
	})

	t.Run("no password means no credential", func(t *testing.T) {
		agent, err := r.Get("open")
		require.NoError(t, err)
		assert.False(t, agent.HasCredential())
		assert.Empty(t, agent.Username)
		assert.Empty(t, agent.AuthorizationHeader())
	})

	t.Run("unknown agent lists available names", func(t *testing.T) {
		_, err := r.Get("windows")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrAgentNotFound))
		assert.Equal(t, `agent "windows" not found. Available: linux, mac-mini, open`, err.Error())

		var nf *NotFoundError
		require.True(t, errors.As(err, &nf))
		assert.Equal(t, "windows", nf.Name)
	})
}

func TestRegistry_Empty(t *testing.T) {
	r := New(nil)
	assert.Empty(t, r.Names())

	_, err := r.Get("anything")
	assert.ErrorIs(t, err, ErrAgentNotFound)
	assert.Equal(t, `agent "anything" not found. Available: `, err.Error())
}
