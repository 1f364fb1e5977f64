// Package config handles configuration loading for opencode-bridge.
//
// # Overview
//
// Configuration is loaded from a single file that lists the remote OpenCode
// agents the bridge can talk to, plus optional settings for session storage,
// timeouts, the git relay tool, logging and metrics. Every unset value gets a
// default, so the smallest valid file only contains the agents.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from the --config flag
//  2. Path from BRIDGE_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/opencode-bridge/agents.yaml
//  4. ~/.config/opencode-bridge/agents.yaml
//
// The decoder follows the file extension: .toml files are TOML, everything
// else is YAML. YAML is a superset of JSON, so a plain agents.json works:
//
//	{
//	  "agents": {
//	    "mac-mini": {"url": "http://mac-mini.local:4096", "password": "s3cret"}
//	  }
//	}
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	agents:
//	  mac-mini:
//	    url: "http://mac-mini.local:4096"
//	    password: "${MAC_MINI_PASSWORD}"
//
// # Configuration Sections
//
// Session ledger:
//
//	sessions:
//	  backend: "file"   # file, sqlite, memory
//	  path: "~/.local/share/opencode-bridge/sessions.json"
//
// BRIDGE_SESSION_STORE overrides the default path.
//
// Remote call timeouts:
//
//	timeouts:
//	  health: "5s"
//	  api: "10s"
//	  prompt: "5m"
//
// Git relay:
//
//	relay_code:
//	  workdir: "/src/project"   # BRIDGE_GIT_CWD overrides
//	  remote: "relay"
//	  branch: "main"
//	  timeout: "30s"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Metrics:
//
//	metrics:
//	  enabled: false
//	  addr: "127.0.0.1:9464"
//	  path: "/metrics"
//
// # Validation
//
// Load() validates:
//
//   - presence of the agents object (it may be empty)
//   - every agent has an absolute http(s) url
//   - duration format validity
//   - known session backend and log format values
package config
