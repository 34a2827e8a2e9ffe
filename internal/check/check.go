// Package check runs formatters and validators over the files a session
// edits.
package check

import (
	"context"
	"sort"

	"github.com/spf13/afero"

	"github.com/serp256/tenx/internal/config"
	"github.com/serp256/tenx/internal/errs"
	"github.com/serp256/tenx/internal/event"
	"github.com/serp256/tenx/internal/logging"
	"github.com/serp256/tenx/internal/session"
)

// Mode says whether a check rewrites files or only inspects them.
type Mode int

const (
	Validate Mode = iota
	Format
)

func (m Mode) String() string {
	if m == Format {
		return "format"
	}
	return "validate"
}

// Runnable reports whether a check can run on this machine.
type Runnable struct {
	OK     bool
	Reason string
}

// Ready is the Runnable of a check that can run.
var Ready = Runnable{OK: true}

// Check is a formatter or validator.
type Check interface {
	Name() string
	Mode() Mode
	IsConfigured(cfg *config.Config) bool
	IsRelevant(cfg *config.Config, fsys afero.Fs, sess *session.Session) (bool, error)
	Runnable() Runnable
	Run(ctx context.Context, cfg *config.Config, fsys afero.Fs, sess *session.Session) error
}

// All returns the built-in checks followed by the custom checks of cfg,
// sorted by name.
func All(cfg *config.Config) []Check {
	checks := Builtins()
	var names []string
	for name := range cfg.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		checks = append(checks, NewShell(name, cfg.Checks[name]))
	}
	return checks
}

// Runner sequences checks and reports progress on a bus.
type Runner struct {
	Checks []Check
	Bus    *event.Bus
}

// Run runs every configured, relevant and runnable check of the given mode
// in order. It stops at the first failure.
func (r *Runner) Run(ctx context.Context, cfg *config.Config, fsys afero.Fs, sess *session.Session, mode Mode) error {
	start, ok := event.CheckStart, event.CheckOK
	if mode == Format {
		start, ok = event.FormatStart, event.FormatOK
	}
	for _, c := range r.Checks {
		if c.Mode() != mode || !c.IsConfigured(cfg) {
			continue
		}
		relevant, err := c.IsRelevant(cfg, fsys, sess)
		if err != nil {
			return err
		}
		if !relevant {
			continue
		}
		if run := c.Runnable(); !run.OK {
			logging.Warn().Str("check", c.Name()).Str("reason", run.Reason).Msg("check skipped")
			r.Bus.Publish(event.Event{Type: event.CheckSkipped, Data: event.CheckData{Name: c.Name(), Reason: run.Reason}})
			continue
		}

		r.Bus.Publish(event.Event{Type: start, Data: event.CheckData{Name: c.Name()}})
		if err := c.Run(ctx, cfg, fsys, sess); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.Bus.Publish(event.Event{Type: event.CheckFailed, Data: event.CheckData{Name: c.Name(), Reason: errs.From(err).User}})
			return err
		}
		r.Bus.Publish(event.Event{Type: ok, Data: event.CheckData{Name: c.Name()}})
	}
	return nil
}

// failure builds the error of a failed check.
func failure(name, user, output string) *errs.Error {
	return &errs.Error{
		Kind:  errs.Check,
		User:  name + ": " + user,
		Model: "The check " + name + " failed:\n\n" + output,
	}
}
