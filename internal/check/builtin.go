package check

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/spf13/afero"

	"github.com/serp256/tenx/internal/config"
	"github.com/serp256/tenx/internal/errs"
	"github.com/serp256/tenx/internal/logging"
	"github.com/serp256/tenx/internal/session"
)

// Executor runs argv in dir and returns its output streams.
type Executor func(ctx context.Context, dir string, argv []string) (stdout, stderr string, err error)

// LookPath finds a binary.
type LookPath func(file string) (string, error)

func execCommand(ctx context.Context, dir string, argv []string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Tool is a built-in check that runs a language tool in its workspace.
type Tool struct {
	name   string
	mode   Mode
	ext    string
	marker string
	argv   []string
	// stderrFails treats any stderr output as failure.
	stderrFails bool

	Exec     Executor
	LookPath LookPath
}

// Builtins returns the built-in Go and Rust checks, formatters first.
func Builtins() []Check {
	tools := []*Tool{
		{name: "gofmt", mode: Format, ext: ".go", marker: "go.mod", argv: []string{"gofmt", "-w", "."}},
		{name: "cargo-fmt", mode: Format, ext: ".rs", marker: "Cargo.toml", argv: []string{"cargo", "fmt", "--all"}},
		{name: "go-vet", mode: Validate, ext: ".go", marker: "go.mod", argv: []string{"go", "vet", "./..."}},
		{name: "go-test", mode: Validate, ext: ".go", marker: "go.mod", argv: []string{"go", "test", "./..."}},
		{name: "cargo-check", mode: Validate, ext: ".rs", marker: "Cargo.toml", argv: []string{"cargo", "check", "--tests"}},
		{name: "cargo-test", mode: Validate, ext: ".rs", marker: "Cargo.toml", argv: []string{"cargo", "test", "-q"}},
		{name: "cargo-clippy", mode: Validate, ext: ".rs", marker: "Cargo.toml", argv: []string{"cargo", "clippy", "--no-deps", "--all", "--tests", "-q"}, stderrFails: true},
	}
	out := make([]Check, len(tools))
	for i, t := range tools {
		t.Exec, t.LookPath = execCommand, exec.LookPath
		out[i] = t
	}
	return out
}

func (t *Tool) Name() string { return t.name }
func (t *Tool) Mode() Mode   { return t.mode }

func (t *Tool) IsConfigured(cfg *config.Config) bool { return cfg.BuiltinEnabled(t.name) }

func (t *Tool) IsRelevant(cfg *config.Config, fsys afero.Fs, sess *session.Session) (bool, error) {
	paths, _, err := targets(cfg, fsys, sess)
	if err != nil {
		return false, err
	}
	return hasExt(paths, t.ext), nil
}

func (t *Tool) Runnable() Runnable {
	if _, err := t.LookPath(t.argv[0]); err != nil {
		return Runnable{Reason: fmt.Sprintf("%s is not installed", t.argv[0])}
	}
	return Ready
}

func (t *Tool) Run(ctx context.Context, cfg *config.Config, fsys afero.Fs, sess *session.Session) error {
	dir, err := Workspace(cfg, fsys, sess, t.marker)
	if err != nil {
		return err
	}
	cmdline := strings.Join(t.argv, " ")
	logging.Debug().Str("check", t.name).Str("dir", dir).Str("cmd", cmdline).Msg("running check")

	stdout, stderr, err := t.Exec(ctx, dir, t.argv)
	var exitErr *exec.ExitError
	switch {
	case err != nil && !errors.As(err, &exitErr):
		return errs.Wrap(errs.Check, "", err, "%s: run %s", t.name, cmdline)
	case err != nil:
		return failure(t.name, cmdline+" failed", fmt.Sprintf("stdout:\n%s\n\nstderr:\n%s", stdout, stderr))
	case t.stderrFails && strings.TrimSpace(stderr) != "":
		return failure(t.name, cmdline+" found issues", "stderr:\n"+stderr)
	}
	return nil
}
