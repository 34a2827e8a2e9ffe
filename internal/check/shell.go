package check

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/serp256/tenx/internal/config"
	"github.com/serp256/tenx/internal/errs"
	"github.com/serp256/tenx/internal/session"
)

// Shell is a user-configured check run by an in-process shell in the
// project root.
type Shell struct {
	name string
	cfg  config.CheckConfig
}

// NewShell creates a custom check.
func NewShell(name string, cfg config.CheckConfig) *Shell {
	return &Shell{name: name, cfg: cfg}
}

func (s *Shell) Name() string { return s.name }

func (s *Shell) Mode() Mode {
	if strings.EqualFold(s.cfg.Mode, "format") {
		return Format
	}
	return Validate
}

func (s *Shell) IsConfigured(*config.Config) bool {
	return !s.cfg.Disabled && strings.TrimSpace(s.cfg.Command) != ""
}

// IsRelevant matches the check's globs against the editables, or against
// every included file when there are none. A check without globs is always
// relevant.
func (s *Shell) IsRelevant(cfg *config.Config, fsys afero.Fs, sess *session.Session) (bool, error) {
	if len(s.cfg.Globs) == 0 {
		return true, nil
	}
	paths, _, err := targets(cfg, fsys, sess)
	if err != nil {
		return false, err
	}
	for _, p := range paths {
		rel, err := cfg.Relpath(p)
		if err != nil {
			continue
		}
		for _, g := range s.cfg.Globs {
			if ok, _ := doublestar.Match(g, rel); ok {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *Shell) parse() (*syntax.File, error) {
	return syntax.NewParser(syntax.Variant(syntax.LangBash)).Parse(strings.NewReader(s.cfg.Command), s.name)
}

func (s *Shell) Runnable() Runnable {
	if _, err := s.parse(); err != nil {
		return Runnable{Reason: "invalid command: " + err.Error()}
	}
	return Ready
}

func (s *Shell) Run(ctx context.Context, cfg *config.Config, fsys afero.Fs, sess *session.Session) error {
	file, err := s.parse()
	if err != nil {
		return errs.Wrap(errs.Check, "", err, "%s: parse command", s.name)
	}

	var out bytes.Buffer
	env := append(os.Environ(), "TENX_ROOT="+cfg.Root)
	if sess != nil {
		env = append(env, "TENX_EDITABLES="+strings.Join(sess.Editables, " "))
	}
	runner, err := interp.New(
		interp.Dir(cfg.Root),
		interp.Env(expand.ListEnviron(env...)),
		interp.StdIO(nil, &out, &out),
	)
	if err != nil {
		return errs.Wrap(errs.Check, "", err, "%s: start shell", s.name)
	}

	err = runner.Run(ctx, file)
	var status interp.ExitStatus
	switch {
	case err == nil:
		return nil
	case errors.As(err, &status):
		return failure(s.name, "exited with status "+strconv.Itoa(int(status)), out.String())
	default:
		return errs.Wrap(errs.Check, "", err, "%s: run", s.name)
	}
}
