// ABOUTME: Static registry of remote OpenCode agents the bridge can relay to.
// ABOUTME: Built once from config; lookups fail with the list of available names.

package registry

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/2389/opencode-bridge/internal/config"
)

// DefaultUsername is sent with the password when an agent config has no username.
const DefaultUsername = "opencode"

// ErrAgentNotFound indicates the requested agent name is not configured.
var ErrAgentNotFound = errors.New("agent not found")

// Agent is the immutable connection descriptor for one remote agent.
type Agent struct {
	Name        string
	URL         string // base URL without trailing slash
	Description string
	Username    string // empty when no credential is configured
	Password    string
}

// HasCredential reports whether requests to this agent carry basic auth.
func (a Agent) HasCredential() bool {
	return a.Password != ""
}

// AuthorizationHeader returns the precomputed Authorization header value,
// or "" when the agent has no credential.
func (a Agent) AuthorizationHeader() string {
	if !a.HasCredential() {
		return ""
	}
	raw := a.Username + ":" + a.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}

// Registry maps agent names to descriptors. It is read-only after construction
// and safe for concurrent use.
type Registry struct {
	agents map[string]Agent
	names  []string
}

// New builds a registry from the agents section of the config.
func New(agents map[string]config.AgentConfig) *Registry {
	r := &Registry{
		agents: make(map[string]Agent, len(agents)),
		names:  make([]string, 0, len(agents)),
	}

	for name, ac := range agents {
		agent := Agent{
			Name:        name,
			URL:         strings.TrimSuffix(ac.URL, "/"),
			Description: ac.Description,
			Password:    ac.Password,
		}
		if ac.Password != "" {
			agent.Username = ac.Username
			if agent.Username == "" {
				agent.Username = DefaultUsername
			}
		}
		r.agents[name] = agent
		r.names = append(r.names, name)
	}

	sort.Strings(r.names)
	return r
}

// Names returns the configured agent names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Len returns the number of configured agents.
func (r *Registry) Len() int {
	return len(r.names)
}

// Get returns the descriptor for name. An unknown name yields an error wrapping
// ErrAgentNotFound that lists the available names.
func (r *Registry) Get(name string) (Agent, error) {
	agent, ok := r.agents[name]
	if !ok {
		return Agent{}, &NotFoundError{Name: name, Available: r.Names()}
	}
	return agent, nil
}

// NotFoundError is returned by Get for an unknown agent name.
type NotFoundError struct {
	Name      string
	Available []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("agent %q not found. Available: %s", e.Name, strings.Join(e.Available, ", "))
}

func (e *NotFoundError) Unwrap() error {
	return ErrAgentNotFound
}
