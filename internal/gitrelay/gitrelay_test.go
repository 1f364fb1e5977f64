// ABOUTME: Tests for the git code relay
// ABOUTME: Uses a scripted runner for command sequencing and real git for an end-to-end round trip

package gitrelay

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/opencode-bridge/internal/config"
)

type call struct {
	dir  string
	args []string
}

// scriptedRunner answers each git subcommand from a table.
type scriptedRunner struct {
	outputs map[string]string
	fail    map[string]error
	calls   []call
}

func (r *scriptedRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	r.calls = append(r.calls, call{dir: dir, args: args})
	if _, ok := ctx.Deadline(); !ok {
		return "", errors.New("git run without a timeout")
	}
	if err := r.fail[args[0]]; err != nil {
		return "", &CommandError{Args: args, Stderr: err.Error(), Err: err}
	}
	return r.outputs[args[0]], nil
}

func (r *scriptedRunner) commands() []string {
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = strings.Join(c.args, " ")
	}
	return out
}

func TestPush_CleanTree(t *testing.T) {
	runner := &scriptedRunner{}
	relay := New(Options{Workdir: "/repo", Runner: runner})

	out, err := relay.Do(context.Background(), Request{Direction: Push})
	require.NoError(t, err)
	assert.Equal(t, "Pushed to relay/main.\n(up to date)", out)
	assert.Equal(t, []string{"status --porcelain", "push relay main"}, runner.commands())
	assert.Equal(t, "/repo", runner.calls[0].dir)
}

func TestPush_DirtyTreeCommitsFirst(t *testing.T) {
	runner := &scriptedRunner{outputs: map[string]string{
		"status": " M main.go",
		"push":   "branch pushed",
	}}
	relay := New(Options{Workdir: "/repo", Runner: runner})

	out, err := relay.Do(context.Background(), Request{
		Direction: Push,
		Remote:    "origin",
		Branch:    "feature",
		Message:   `fix "quotes" & $(things)`,
	})
	require.NoError(t, err)
	assert.Equal(t, "Pushed to origin/feature.\nbranch pushed", out)
	assert.Equal(t, []string{
		"status --porcelain",
		"add -A",
		`commit -m fix "quotes" & $(things)`,
		"push origin feature",
	}, runner.commands())
	assert.Equal(t, []string{"commit", "-m", `fix "quotes" & $(things)`}, runner.calls[2].args, "message is one argv entry")
}

func TestPush_DefaultMessage(t *testing.T) {
	runner := &scriptedRunner{outputs: map[string]string{"status": "?? new.txt"}}
	relay := New(Options{Workdir: "/repo", Runner: runner})

	_, err := relay.Do(context.Background(), Request{Direction: Push})
	require.NoError(t, err)
	assert.Equal(t, []string{"commit", "-m", DefaultMessage}, runner.calls[2].args)
}

func TestPull(t *testing.T) {
	runner := &scriptedRunner{outputs: map[string]string{"pull": "Already up to date."}}
	relay := New(Options{Workdir: "/repo", Runner: runner})

	out, err := relay.Do(context.Background(), Request{Direction: Pull, Dir: "/elsewhere"})
	require.NoError(t, err)
	assert.Equal(t, "Pulled from relay/main.\nAlready up to date.", out)
	assert.Equal(t, "/elsewhere", runner.calls[0].dir)
}

func TestDo_Failures(t *testing.T) {
	t.Run("git failure stops the sequence", func(t *testing.T) {
		runner := &scriptedRunner{
			outputs: map[string]string{"status": " M x"},
			fail:    map[string]error{"commit": errors.New("nothing to commit")},
		}
		relay := New(Options{Workdir: "/repo", Runner: runner})

		_, err := relay.Do(context.Background(), Request{Direction: Push, Message: "m"})
		require.Error(t, err)
		assert.Equal(t, "git commit -m m failed: nothing to commit", err.Error())
		assert.NotContains(t, runner.commands(), "push relay main")
	})

	t.Run("option-like remote rejected", func(t *testing.T) {
		runner := &scriptedRunner{}
		relay := New(Options{Workdir: "/repo", Runner: runner})

		_, err := relay.Do(context.Background(), Request{Direction: Push, Remote: "--upload-pack=evil"})
		assert.ErrorIs(t, err, ErrInvalidArgument)
		assert.Empty(t, runner.calls)
	})

	t.Run("unknown direction", func(t *testing.T) {
		relay := New(Options{Workdir: "/repo", Runner: &scriptedRunner{}})
		_, err := relay.Do(context.Background(), Request{Direction: "sideways"})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestCommandError(t *testing.T) {
	err := &CommandError{Args: []string{"push", "relay", "main"}, Err: errors.New("exit status 1")}
	assert.Equal(t, "git push relay main failed: exit status 1", err.Error())

	err.Stderr = "  fatal: no such remote\n"
	assert.Equal(t, "git push relay main failed: fatal: no such remote", err.Error())
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.RelayCodeConfig{Workdir: "/w", Remote: "r", Branch: "b", Timeout: time.Minute})
	assert.Equal(t, Options{Workdir: "/w", Remote: "r", Branch: "b", Timeout: time.Minute}, opts)
}

func TestExecRunner_RoundTrip(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ctx := context.Background()
	root := t.TempDir()
	bare := filepath.Join(root, "relay.git")
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")

	gitIn := func(dir string, args ...string) {
		t.Helper()
		_, err := ExecRunner{}.Run(ctx, dir, args...)
		require.NoError(t, err, "git %v", args)
	}
	t.Setenv("GIT_AUTHOR_NAME", "Bridge Test")
	t.Setenv("GIT_AUTHOR_EMAIL", "bridge@example.com")
	t.Setenv("GIT_COMMITTER_NAME", "Bridge Test")
	t.Setenv("GIT_COMMITTER_EMAIL", "bridge@example.com")

	gitIn(root, "init", "--bare", "-b", "main", bare)
	gitIn(root, "init", "-b", "main", src)
	gitIn(src, "remote", "add", "relay", bare)
	require.NoError(t, os.WriteFile(filepath.Join(src, "hello.txt"), []byte("hi\n"), 0644))

	pusher := New(Options{Workdir: src})
	out, err := pusher.Do(ctx, Request{Direction: Push, Message: "first relay"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Pushed to relay/main.\n"))

	gitIn(root, "clone", "-b", "main", bare, dst)
	gitIn(dst, "remote", "add", "relay", bare)
	require.NoError(t, os.WriteFile(filepath.Join(src, "hello.txt"), []byte("hi again\n"), 0644))
	_, err = pusher.Do(ctx, Request{Direction: Push})
	require.NoError(t, err)

	puller := New(Options{Workdir: dst})
	out, err = puller.Do(ctx, Request{Direction: Pull})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Pulled from relay/main.\n"))

	data, err := os.ReadFile(filepath.Join(dst, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi again\n", string(data))

	_, err = puller.Do(ctx, Request{Direction: Pull, Remote: "missing"})
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Contains(t, err.Error(), "git pull missing main failed:")
}
