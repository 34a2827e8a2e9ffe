// Package tenx drives sessions: it sends prompts to the model, streams the
// reply, applies the resulting patch, persists the session and runs checks.
package tenx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/serp256/tenx/internal/check"
	"github.com/serp256/tenx/internal/config"
	"github.com/serp256/tenx/internal/contextspec"
	"github.com/serp256/tenx/internal/errs"
	"github.com/serp256/tenx/internal/event"
	"github.com/serp256/tenx/internal/logging"
	"github.com/serp256/tenx/internal/model"
	"github.com/serp256/tenx/internal/session"
	"github.com/serp256/tenx/internal/storage"
)

// MaxAutoSteps bounds how many times a single request continues on its own
// after the model asks for more files.
const MaxAutoSteps = 3

// Tenx is the entry point for session operations on one project.
type Tenx struct {
	cfg    *config.Config
	fs     afero.Fs
	store  *session.Store
	bus    *event.Bus
	checks []check.Check

	modelOnce sync.Once
	model     model.Model
	modelErr  error
}

// Option configures a Tenx.
type Option func(*Tenx)

// WithFS sets the working-tree filesystem. The default is the OS filesystem.
func WithFS(fsys afero.Fs) Option { return func(t *Tenx) { t.fs = fsys } }

// WithModel sets the model instead of building it from the configuration.
func WithModel(m model.Model) Option {
	return func(t *Tenx) { t.modelOnce.Do(func() { t.model = m }) }
}

// WithBus sets the event bus.
func WithBus(b *event.Bus) Option { return func(t *Tenx) { t.bus = b } }

// WithStore sets the session store.
func WithStore(s *session.Store) Option { return func(t *Tenx) { t.store = s } }

// WithChecks replaces the configured checks. With no arguments no checks
// run.
func WithChecks(c ...check.Check) Option {
	return func(t *Tenx) { t.checks = append([]check.Check{}, c...) }
}

// New creates a Tenx for cfg.
func New(cfg *config.Config, opts ...Option) *Tenx {
	t := &Tenx{cfg: cfg}
	for _, o := range opts {
		o(t)
	}
	if t.fs == nil {
		t.fs = afero.NewOsFs()
	}
	if t.store == nil {
		t.store = session.NewStore(storage.New(cfg.SessionDir))
	}
	if t.bus == nil {
		t.bus = event.NewBus()
	}
	if t.checks == nil {
		t.checks = check.All(cfg)
	}
	return t
}

func (t *Tenx) Config() *config.Config { return t.cfg }
func (t *Tenx) Bus() *event.Bus        { return t.bus }
func (t *Tenx) FS() afero.Fs           { return t.fs }

func (t *Tenx) modelFor(ctx context.Context) (model.Model, error) {
	t.modelOnce.Do(func() {
		t.model, t.modelErr = model.New(ctx, t.cfg)
	})
	return t.model, t.modelErr
}

// NewSession creates and saves an empty session, replacing any existing
// one.
func (t *Tenx) NewSession(ctx context.Context) (*session.Session, error) {
	sess := session.New(t.cfg.Root, t.cfg.Model)
	if err := t.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	logging.Info().Str("session", sess.ID).Str("root", sess.Root).Msg("session created")
	return sess, nil
}

// LoadSession loads the project's session.
func (t *Tenx) LoadSession(ctx context.Context) (*session.Session, error) {
	sess, err := t.store.Load(ctx, t.cfg.Root)
	if errors.Is(err, session.ErrNoSession) {
		return nil, errs.Wrap(errs.Session, "", err, "load session (run tenx new first)")
	}
	return sess, err
}

// SaveSession persists sess.
func (t *Tenx) SaveSession(ctx context.Context, sess *session.Session) error {
	return t.store.Save(ctx, sess)
}

// ClearSession deletes the stored session. The working tree is untouched.
func (t *Tenx) ClearSession(ctx context.Context) error {
	return t.store.Delete(ctx, t.cfg.Root)
}

// Edit adds the files matching each pattern to the editable set. It returns
// how many were new.
func (t *Tenx) Edit(sess *session.Session, patterns ...string) (int, error) {
	added := 0
	for _, pat := range patterns {
		files, err := t.cfg.MatchFiles(t.fs, pat)
		if err != nil {
			return added, errs.Wrap(errs.ReadFailure, pat, err, "match %s", pat)
		}
		if len(files) == 0 {
			return added, errs.New(errs.ReadFailure, pat, "no files match %s", pat)
		}
		for _, f := range files {
			ok, err := sess.AddEditable(t.cfg, f)
			if err != nil {
				return added, err
			}
			if ok {
				added++
			}
		}
	}
	return added, nil
}

// AddContext attaches a context spec after checking it resolves to
// something.
func (t *Tenx) AddContext(sess *session.Session, spec contextspec.Spec) (int, error) {
	n, err := spec.Count(t.fs, t.cfg)
	if err != nil {
		return 0, errs.Wrap(errs.ReadFailure, spec.Value, err, "context %s", spec.Human())
	}
	if n == 0 {
		return 0, errs.New(errs.ReadFailure, spec.Value, "context %s matches nothing", spec.Human())
	}
	sess.AddContext(spec)
	return n, nil
}

// Code issues a user request. Streamed reply text is forwarded to chunks,
// which may be nil and is not closed.
func (t *Tenx) Code(ctx context.Context, sess *session.Session, prompt string, chunks chan<- string) error {
	if strings.TrimSpace(prompt) == "" {
		return errs.New(errs.Session, "", "empty prompt")
	}
	if err := sess.AddPrompt(session.Code, prompt); err != nil {
		return err
	}
	return t.process(ctx, sess, chunks)
}

// Fix runs the validators and asks the model to repair what they report.
// prompt, if not empty, is added as guidance.
func (t *Tenx) Fix(ctx context.Context, sess *session.Session, prompt string, chunks chan<- string) error {
	text := strings.TrimSpace(prompt)
	err := t.runner().Run(ctx, t.cfg, t.fs, sess, check.Validate)
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil && !errs.Is(err, errs.Check):
		return err
	case err != nil && text != "":
		text += "\n\n" + errs.From(err).ModelMessage()
	case err != nil:
		text = errs.From(err).ModelMessage()
	case text == "":
		return errs.New(errs.Check, "", "all checks pass, nothing to fix")
	}
	if err := sess.AddPrompt(session.Fix, text); err != nil {
		return err
	}
	return t.process(ctx, sess, chunks)
}

// Retry re-runs the session after a failed last step.
func (t *Tenx) Retry(ctx context.Context, sess *session.Session, chunks chan<- string) error {
	if err := sess.Retry(); err != nil {
		return err
	}
	return t.process(ctx, sess, chunks)
}

// Reset truncates the session to offset steps, reverting later patches, and
// saves it. It returns the restored files.
func (t *Tenx) Reset(ctx context.Context, sess *session.Session, offset int) ([]string, error) {
	unlock, err := t.store.Lock(ctx, t.cfg.Root)
	if err != nil {
		return nil, err
	}
	defer unlock()

	reverted, err := sess.Reset(t.fs, t.cfg, offset)
	if saveErr := t.SaveSession(ctx, sess); saveErr != nil && err == nil {
		err = saveErr
	}
	if err != nil {
		return reverted, err
	}
	t.bus.Publish(event.Event{Type: event.SessionReset, Data: event.ResetData{Offset: offset, Reverted: reverted}})
	return reverted, nil
}

// RunChecks runs the formatters and then the validators.
func (t *Tenx) RunChecks(ctx context.Context, sess *session.Session) error {
	r := t.runner()
	if err := r.Run(ctx, t.cfg, t.fs, sess, check.Format); err != nil {
		return err
	}
	return r.Run(ctx, t.cfg, t.fs, sess, check.Validate)
}

func (t *Tenx) runner() *check.Runner {
	return &check.Runner{Checks: t.checks, Bus: t.bus}
}

// process answers the pending last step and any Auto steps that follow it.
func (t *Tenx) process(ctx context.Context, sess *session.Session, chunks chan<- string) error {
	if _, err := t.modelFor(ctx); err != nil {
		sess.DiscardPending()
		return err
	}
	unlock, err := t.store.Lock(ctx, t.cfg.Root)
	if err != nil {
		sess.DiscardPending()
		return err
	}
	defer unlock()

	applied := false
	for auto := 0; ; auto++ {
		step := len(sess.Steps) - 1
		stepType := string(sess.LastStep().Type)
		t.bus.Publish(event.Event{Type: event.StepStarted, Data: event.StepData{SessionID: sess.ID, Step: step, Type: stepType}})

		resp, err := t.prompt(ctx, sess, chunks)
		if ctx.Err() != nil {
			sess.DiscardPending()
			logging.Info().Str("session", sess.ID).Msg("request cancelled")
			return ctx.Err()
		}
		if err == nil {
			err = sess.ApplyPatch(t.fs, t.cfg, resp)
		}
		if err != nil {
			return t.fail(ctx, sess, step, err, resp)
		}

		if p := resp.Patch; !p.IsEmpty() {
			applied = true
			t.bus.Publish(event.Event{Type: event.PatchApplied, Data: event.PatchData{Step: step, Files: p.ChangedFiles()}})
		}
		t.bus.Publish(event.Event{Type: event.StepCompleted, Data: event.StepData{SessionID: sess.ID, Step: step, Type: stepType}})

		added := t.honourEdits(sess, resp.Operations)
		if err := t.SaveSession(ctx, sess); err != nil {
			return err
		}
		if len(added) == 0 || auto >= MaxAutoSteps {
			break
		}
		prompt := fmt.Sprintf("These files are now editable: %s. Continue with the request.", strings.Join(added, ", "))
		if err := sess.AddPrompt(session.Auto, prompt); err != nil {
			return err
		}
	}

	if !applied {
		return nil
	}
	return t.RunChecks(ctx, sess)
}

// fail records err on the pending step and saves the session.
func (t *Tenx) fail(ctx context.Context, sess *session.Session, step int, err error, resp *session.ModelResponse) error {
	if ferr := sess.Fail(err, resp); ferr != nil {
		return ferr
	}
	logging.Warn().Err(err).Str("session", sess.ID).Int("step", step).Msg("step failed")
	t.bus.Publish(event.Event{Type: event.StepFailed, Data: event.StepData{
		SessionID: sess.ID, Step: step, Type: string(sess.LastStep().Type), Error: errs.From(err).User,
	}})
	if serr := t.SaveSession(ctx, sess); serr != nil {
		return errors.Join(err, serr)
	}
	return err
}

// honourEdits adds the files the model asked for and returns the new ones.
func (t *Tenx) honourEdits(sess *session.Session, ops []session.Operation) []string {
	var added []string
	for _, op := range ops {
		if op.Kind != session.OpEdit {
			continue
		}
		abs, err := t.cfg.Abspath(op.Path)
		if err != nil {
			logging.Warn().Err(err).Str("path", op.Path).Msg("ignoring edit request")
			continue
		}
		if ok, _ := afero.Exists(t.fs, abs); !ok {
			logging.Warn().Str("path", op.Path).Msg("ignoring edit request for missing file")
			continue
		}
		if ok, err := sess.AddEditable(t.cfg, op.Path); err == nil && ok {
			added = append(added, op.Path)
		}
	}
	return added
}

// prompt runs the model for the pending step. The model streams into an
// internal channel drained by a second goroutine, which publishes snippets
// and forwards them to chunks.
func (t *Tenx) prompt(ctx context.Context, sess *session.Session, chunks chan<- string) (*session.ModelResponse, error) {
	m, err := t.modelFor(ctx)
	if err != nil {
		return nil, err
	}
	items, err := contextspec.Gather(ctx, t.fs, t.cfg, sess.Contexts)
	if err != nil {
		return nil, err
	}
	req := &model.Request{Config: t.cfg, FS: t.fs, Session: sess, Contexts: items}

	var resp *session.ModelResponse
	stream := make(chan string)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(stream)
		var err error
		resp, err = m.Prompt(gctx, req, stream)
		return err
	})
	g.Go(func() error {
		for text := range stream {
			t.bus.Publish(event.Event{Type: event.Snippet, Data: event.SnippetData{Text: text}})
			if chunks == nil {
				continue
			}
			select {
			case chunks <- text:
			case <-ctx.Done():
			}
		}
		return nil
	})
	err = g.Wait()
	return resp, err
}
