// ABOUTME: Entry point for opencode-bridge, the MCP server relaying prompts to remote OpenCode agents
// ABOUTME: stdout belongs to the MCP protocol; banners and logs go to stderr

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/opencode-bridge/internal/config"
	"github.com/2389/opencode-bridge/internal/gitrelay"
	"github.com/2389/opencode-bridge/internal/mcp"
	"github.com/2389/opencode-bridge/internal/metrics"
	"github.com/2389/opencode-bridge/internal/opencode"
	"github.com/2389/opencode-bridge/internal/registry"
	"github.com/2389/opencode-bridge/internal/relay"
	"github.com/2389/opencode-bridge/internal/store"
	"github.com/2389/opencode-bridge/internal/tools"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                      _            _          _     _
  ___  _ __   ___ _ __   ___ ___   __| | ___      | |__  _ __(_) __| | __ _  ___
 / _ \| '_ \ / _ \ '_ \ / __/ _ \ / _' |/ _ \_____| '_ \| '__| |/ _' |/ _' |/ _ \
| (_) | |_) |  __/ | | | (_| (_) | (_| |  __/_____| |_) | |  | | (_| | (_| |  __/
 \___/| .__/ \___|_| |_|\___\___/ \__,_|\___|     |_.__/|_|  |_|\__,_|\__, |\___|
      |_|                                                             |___/
`

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "agents":
		err = runAgents(ctx, args)
	case "sessions":
		err = runSessions(args)
	case "forget":
		err = runForget(ctx, args)
	case "init":
		err = runInit(args)
	case "version", "--version":
		fmt.Printf("opencode-bridge %s\n", version)
	case "help", "-h", "--help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: opencode-bridge <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve            Run the MCP server on stdin/stdout")
	fmt.Fprintln(w, "  agents           Check every registered agent and print its status")
	fmt.Fprintln(w, "  sessions         Print the stored agent -> session bindings")
	fmt.Fprintln(w, "  forget AGENT     Drop the stored session binding of an agent")
	fmt.Fprintln(w, "  init             Write an example config file")
	fmt.Fprintln(w, "  version          Print the version")
}

// newFlagSet returns a flag set carrying the shared --config flag.
func newFlagSet(name string, configPath *string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("opencode-bridge "+name, pflag.ContinueOnError)
	fs.StringVarP(configPath, "config", "c", "", "config file (default: $BRIDGE_CONFIG or ~/.config/opencode-bridge/agents.yaml)")
	return fs
}

func loadConfig(path string) (string, *config.Config, error) {
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return path, nil, fmt.Errorf("loading config: %w", err)
	}
	return path, cfg, nil
}

func runServe(ctx context.Context, args []string) error {
	var configPath, logLevel string
	var quiet bool
	fs := newFlagSet("serve", &configPath)
	fs.StringVar(&logLevel, "log-level", "", "override logging.level from the config")
	fs.BoolVarP(&quiet, "quiet", "q", false, "do not print the startup banner")
	if err := fs.Parse(args); err != nil {
		return err
	}

	configPath, cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger := setupLogger(cfg.Logging, os.Stderr)

	if !quiet {
		printStartup(os.Stderr, configPath, cfg)
	}

	ledger, err := store.Open(cfg.Sessions, logger)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer ledger.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Addr, cfg.Metrics.Path, logger); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	reg := registry.New(cfg.Agents)
	engine := relay.New(reg, ledger, relay.Options{
		Client:  clientOptions(cfg, logger),
		Metrics: m,
		Logger:  logger,
	})

	gitOpts := gitrelay.OptionsFromConfig(cfg.RelayCode)
	gitOpts.Logger = logger

	server := mcp.NewServer(mcp.Config{
		Name:    "opencode-bridge",
		Version: version,
		Logger:  logger,
		Metrics: m,
	})
	if err := tools.Register(server, tools.Deps{
		Engine: engine,
		Git:    gitrelay.New(gitOpts),
		Logger: logger,
	}); err != nil {
		return fmt.Errorf("registering tools: %w", err)
	}

	logger.Info("starting opencode-bridge",
		"config", configPath,
		"agents", reg.Len(),
		"sessions_backend", cfg.Sessions.Backend,
		"sessions_path", cfg.Sessions.Path,
	)

	err = server.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("opencode-bridge stopped")
	return nil
}

func clientOptions(cfg *config.Config, logger *slog.Logger) opencode.Options {
	return opencode.Options{
		HealthTimeout: cfg.Timeouts.Health,
		APITimeout:    cfg.Timeouts.API,
		PromptTimeout: cfg.Timeouts.Prompt,
		Logger:        logger,
	}
}

func printStartup(w io.Writer, configPath string, cfg *config.Config) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Fprint(w, banner)
	gray.Fprintf(w, "    version: %s\n\n", version)

	green.Fprint(w, "    ▶ ")
	fmt.Fprintf(w, "Config:    %s\n", configPath)
	green.Fprint(w, "    ▶ ")
	fmt.Fprintf(w, "Agents:    %d\n", len(cfg.Agents))
	green.Fprint(w, "    ▶ ")
	fmt.Fprintf(w, "Sessions:  %s ", cfg.Sessions.Backend)
	gray.Fprintf(w, "(%s)\n", cfg.Sessions.Path)
	if cfg.Metrics.Enabled {
		green.Fprint(w, "    ▶ ")
		fmt.Fprintf(w, "Metrics:   http://%s%s\n", cfg.Metrics.Addr, cfg.Metrics.Path)
	}
	if len(cfg.Agents) == 0 {
		yellow.Fprintln(w, "    ! no agents configured")
	}
	fmt.Fprintln(w)
}

func runAgents(ctx context.Context, args []string) error {
	var configPath string
	fs := newFlagSet("agents", &configPath)
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, os.Stderr)

	ledger, err := store.Open(cfg.Sessions, logger)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer ledger.Close()

	engine := relay.New(registry.New(cfg.Agents), ledger, relay.Options{
		Client: clientOptions(cfg, logger),
		Logger: logger,
	})
	fmt.Println(relay.FormatStatuses(engine.Sweep(ctx)))
	return nil
}

func runSessions(args []string) error {
	var configPath string
	fs := newFlagSet("sessions", &configPath)
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ledger, err := store.Open(cfg.Sessions, setupLogger(cfg.Logging, os.Stderr))
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer ledger.Close()

	printBindings(os.Stdout, ledger.All())
	return nil
}

func printBindings(w io.Writer, bindings map[string]string) {
	if len(bindings) == 0 {
		fmt.Fprintln(w, "No stored sessions.")
		return
	}
	agents := make([]string, 0, len(bindings))
	for agent := range bindings {
		agents = append(agents, agent)
	}
	sort.Strings(agents)
	for _, agent := range agents {
		fmt.Fprintf(w, "%s: %s\n", agent, bindings[agent])
	}
}

func runForget(ctx context.Context, args []string) error {
	var configPath string
	fs := newFlagSet("forget", &configPath)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: opencode-bridge forget AGENT")
	}
	agent := fs.Arg(0)

	_, cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ledger, err := store.Open(cfg.Sessions, setupLogger(cfg.Logging, os.Stderr))
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer ledger.Close()

	sessionID, ok := ledger.Get(agent)
	if !ok {
		fmt.Printf("%s has no stored session.\n", agent)
		return nil
	}
	if err := ledger.Delete(ctx, agent); err != nil {
		return err
	}
	color.New(color.FgGreen).Print("  ✓ ")
	fmt.Printf("Forgot session %s of %s.\n", sessionID, agent)
	return nil
}

const exampleConfig = `# opencode-bridge configuration
# Generated by opencode-bridge init

agents:
  mac-mini:
    url: "http://mac-mini.local:4096"
    description: "Build box"
    # username defaults to "opencode" when a password is set
    # password: "${OPENCODE_SERVER_PASSWORD}"

sessions:
  backend: "file"          # file | sqlite | memory

timeouts:
  health: "5s"
  api: "10s"
  prompt: "300s"

relay_code:
  remote: "relay"
  branch: "main"
  timeout: "30s"

logging:
  level: "info"
  format: "text"

metrics:
  enabled: false
  addr: "127.0.0.1:9464"
  path: "/metrics"
`

func runInit(args []string) error {
	var configPath string
	var force bool
	fs := newFlagSet("init", &configPath)
	fs.BoolVarP(&force, "force", "f", false, "overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}

	path, err := writeExampleConfig(configPath, force)
	if err != nil {
		return err
	}

	color.New(color.FgGreen).Print("  ✓ ")
	fmt.Printf("Config written to %s\n", path)
	fmt.Println("\nEdit the agents section, then point your MCP client at:")
	fmt.Println("  opencode-bridge serve")
	return nil
}

func writeExampleConfig(path string, force bool) (string, error) {
	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(exampleConfig), 0600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogger(cfg config.LoggingConfig, out io.Writer) *slog.Logger {
	level := parseLevel(cfg.Level)

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{
			mu:    &sync.Mutex{},
			out:   out,
			level: level,
		}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// colorHandler provides colorized log output with thread-safe writes.
// Derived handlers share the parent's mutex and writer.
type colorHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	// Handler-level attrs first; their keys were prefixed in WithAttrs
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	prefix := h.groupPrefix()
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func (h *colorHandler) groupPrefix() string {
	if len(h.groups) == 0 {
		return ""
	}
	return strings.Join(h.groups, ".") + "."
}

// WithAttrs qualifies the new attrs with the groups open at this point, so
// attrs added after WithGroup print like record attrs do.
func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := h.groupPrefix()
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		newAttrs = append(newAttrs, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	return &colorHandler{
		mu:     h.mu,
		out:    h.out,
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		mu:     h.mu,
		out:    h.out,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
