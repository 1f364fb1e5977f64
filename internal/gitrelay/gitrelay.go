// ABOUTME: Moves code between machines through a shared git remote
// ABOUTME: Push auto-commits a dirty tree first; git is always run with argv, never a shell

package gitrelay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/2389/opencode-bridge/internal/config"
)

// Defaults used when neither the request nor the config names a value.
const (
	DefaultRemote  = config.DefaultGitRemote
	DefaultBranch  = config.DefaultGitBranch
	DefaultMessage = "bridge relay"
	DefaultTimeout = config.DefaultGitTimeout
)

// Direction says which way code moves.
type Direction string

const (
	Push Direction = "push"
	Pull Direction = "pull"
)

// ErrInvalidArgument is returned for a remote or branch that git would parse as an option.
var ErrInvalidArgument = errors.New("invalid argument")

// Runner runs one git command in dir and returns its stdout.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// CommandError is a git invocation that exited unsuccessfully.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("git %s failed: %s", strings.Join(e.Args, " "), msg)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExecRunner runs the git binary found on PATH.
type ExecRunner struct {
	// Binary overrides the executable name; empty means "git".
	Binary string
}

// Run executes git with args in dir.
func (r ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	bin := r.Binary
	if bin == "" {
		bin = "git"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Never stop to ask for credentials or an editor; there is no terminal.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_EDITOR=true")

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return "", &CommandError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Options configures a Relay.
type Options struct {
	Workdir string
	Remote  string
	Branch  string
	Timeout time.Duration
	Runner  Runner
	Logger  *slog.Logger
}

// OptionsFromConfig maps the relay_code config section onto Options.
func OptionsFromConfig(cfg config.RelayCodeConfig) Options {
	return Options{
		Workdir: cfg.Workdir,
		Remote:  cfg.Remote,
		Branch:  cfg.Branch,
		Timeout: cfg.Timeout,
	}
}

// Relay pushes and pulls through a git remote.
type Relay struct {
	workdir string
	remote  string
	branch  string
	timeout time.Duration
	runner  Runner
	logger  *slog.Logger
}

// New creates a Relay, filling unset options with defaults.
func New(opts Options) *Relay {
	r := &Relay{
		workdir: opts.Workdir,
		remote:  opts.Remote,
		branch:  opts.Branch,
		timeout: opts.Timeout,
		runner:  opts.Runner,
		logger:  opts.Logger,
	}
	if r.remote == "" {
		r.remote = DefaultRemote
	}
	if r.branch == "" {
		r.branch = DefaultBranch
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.runner == nil {
		r.runner = ExecRunner{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "gitrelay")
	return r
}

// Request is one relay operation. Empty fields use the Relay's defaults.
type Request struct {
	Direction Direction
	Remote    string
	Branch    string
	Message   string
	Dir       string
}

// Do performs req and returns a human-readable summary.
func (r *Relay) Do(ctx context.Context, req Request) (string, error) {
	remote := firstNonEmpty(req.Remote, r.remote)
	branch := firstNonEmpty(req.Branch, r.branch)
	if err := checkRef("remote", remote); err != nil {
		return "", err
	}
	if err := checkRef("branch", branch); err != nil {
		return "", err
	}

	dir, err := r.dir(req.Dir)
	if err != nil {
		return "", err
	}

	switch req.Direction {
	case Push:
		return r.push(ctx, dir, remote, branch, firstNonEmpty(req.Message, DefaultMessage))
	case Pull:
		return r.pull(ctx, dir, remote, branch)
	default:
		return "", fmt.Errorf("%w: direction must be push or pull, got %q", ErrInvalidArgument, req.Direction)
	}
}

func (r *Relay) push(ctx context.Context, dir, remote, branch, message string) (string, error) {
	status, err := r.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	if status != "" {
		if _, err := r.git(ctx, dir, "add", "-A"); err != nil {
			return "", err
		}
		if _, err := r.git(ctx, dir, "commit", "-m", message); err != nil {
			return "", err
		}
		r.logger.Info("committed working tree", "dir", dir, "message", message)
	}

	out, err := r.git(ctx, dir, "push", remote, branch)
	if err != nil {
		return "", err
	}
	if out == "" {
		out = "(up to date)"
	}
	r.logger.Info("pushed", "dir", dir, "remote", remote, "branch", branch)
	return fmt.Sprintf("Pushed to %s/%s.\n%s", remote, branch, out), nil
}

func (r *Relay) pull(ctx context.Context, dir, remote, branch string) (string, error) {
	out, err := r.git(ctx, dir, "pull", remote, branch)
	if err != nil {
		return "", err
	}
	r.logger.Info("pulled", "dir", dir, "remote", remote, "branch", branch)
	return fmt.Sprintf("Pulled from %s/%s.\n%s", remote, branch, out), nil
}

// git runs one command under the per-command timeout.
func (r *Relay) git(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	r.logger.Debug("running git", "dir", dir, "args", args)
	return r.runner.Run(ctx, dir, args...)
}

func (r *Relay) dir(override string) (string, error) {
	if d := firstNonEmpty(override, r.workdir); d != "" {
		return d, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolving working directory: %w", err)
	}
	return wd, nil
}

func checkRef(kind, v string) error {
	if strings.HasPrefix(v, "-") || strings.ContainsAny(v, " \t\n") {
		return fmt.Errorf("%w: %s %q", ErrInvalidArgument, kind, v)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
