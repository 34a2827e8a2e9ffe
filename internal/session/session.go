// Package session holds the step history of a tenx session and the state
// machine that sequences prompts, patches, retries and resets.
//
// A Session is not safe for concurrent mutation.
package session

import (
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"

	"github.com/serp256/tenx/internal/contextspec"
	"github.com/serp256/tenx/internal/errs"
	"github.com/serp256/tenx/internal/logging"
	"github.com/serp256/tenx/internal/patch"
)

// Paths resolves paths against the project root. *config.Config satisfies
// it.
type Paths interface {
	patch.Resolver
	Relpath(path string) (string, error)
}

// Session is the ordered history of steps for one project root.
type Session struct {
	ID        string             `json:"id"`
	Root      string             `json:"root"`
	Model     string             `json:"model,omitempty"`
	Created   int64              `json:"created"`
	Steps     []*Step            `json:"steps"`
	Contexts  []contextspec.Spec `json:"contexts,omitempty"`
	Editables []string           `json:"editables,omitempty"`
}

// New creates an empty session for root.
func New(root, model string) *Session {
	return &Session{
		ID:      ulid.Make().String(),
		Root:    root,
		Model:   model,
		Created: time.Now().UnixMilli(),
		Steps:   []*Step{},
	}
}

// LastStep returns the most recent step, or nil.
func (s *Session) LastStep() *Step {
	if len(s.Steps) == 0 {
		return nil
	}
	return s.Steps[len(s.Steps)-1]
}

// AddPrompt appends a pending step. It fails while another step is pending.
func (s *Session) AddPrompt(typ StepType, prompt string) error {
	if last := s.LastStep(); last != nil && last.State() == Pending {
		return errs.New(errs.Session, "", "step %d is still pending", len(s.Steps)-1)
	}
	s.Steps = append(s.Steps, &Step{Type: typ, Prompt: prompt})
	logging.Debug().Str("session", s.ID).Int("step", len(s.Steps)-1).Str("type", string(typ)).Msg("prompt added")
	return nil
}

// Retry appends a new pending step after a failed last step. Model failures
// repeat the prompt; other failures become an Error step carrying the
// failure. The failed step is left as it was.
func (s *Session) Retry() error {
	last := s.LastStep()
	if last == nil {
		return errs.New(errs.Session, "", "no steps to retry")
	}
	if last.State() != Failed {
		return errs.New(errs.Session, "", "last step has not failed")
	}
	typ, prompt := last.retryPrompt()
	return s.AddPrompt(typ, prompt)
}

// ApplyPatch runs the patch of resp against the working tree and, only on
// success, records resp on the pending step. On failure the step stays
// pending; the caller may record it with Fail.
func (s *Session) ApplyPatch(fsys afero.Fs, r patch.Resolver, resp *ModelResponse) error {
	last := s.LastStep()
	if last == nil || last.State() != Pending {
		return errs.Wrap(errs.Session, "", errNotPending, "apply patch")
	}
	if resp.Patch != nil && !resp.Patch.IsEmpty() {
		if err := resp.Patch.Apply(fsys, r); err != nil {
			return err
		}
	}
	last.Response = resp
	return nil
}

// Fail ends the pending step with err. resp, if not nil, is kept for display
// and for the model history.
func (s *Session) Fail(err error, resp *ModelResponse) error {
	last := s.LastStep()
	if last == nil || last.State() != Pending {
		return errs.Wrap(errs.Session, "", errNotPending, "record failure")
	}
	last.Response = resp
	last.Err = NewStepError(err)
	return nil
}

// DiscardPending drops the last step if it is pending.
func (s *Session) DiscardPending() {
	if last := s.LastStep(); last != nil && last.State() == Pending {
		s.Steps = s.Steps[:len(s.Steps)-1]
	}
}

// Reset truncates history to offset steps, reverting the patches of the
// dropped steps last first. It returns the files restored.
//
// If a revert fails, the steps already reverted are dropped and the rest are
// kept so the reset can be repeated.
func (s *Session) Reset(fsys afero.Fs, r patch.Resolver, offset int) ([]string, error) {
	if offset < 0 || offset > len(s.Steps) {
		return nil, errs.New(errs.Session, "", "invalid step offset %d (session has %d steps)", offset, len(s.Steps))
	}
	var reverted []string
	for i := len(s.Steps) - 1; i >= offset; i-- {
		step := s.Steps[i]
		if step.touchedDisk() {
			if err := step.Patch().Revert(fsys, r); err != nil {
				s.Steps = s.Steps[:i+1]
				return reverted, fmt.Errorf("revert step %d: %w", i, err)
			}
			reverted = append(reverted, step.Patch().ChangedFiles()...)
		}
	}
	s.Steps = s.Steps[:offset]
	slices.Sort(reverted)
	reverted = slices.Compact(reverted)
	logging.Info().Str("session", s.ID).Int("offset", offset).Strs("files", reverted).Msg("session reset")
	return reverted, nil
}

// AddContext adds a context spec unless an identical one is present.
func (s *Session) AddContext(spec contextspec.Spec) bool {
	if slices.Contains(s.Contexts, spec) {
		return false
	}
	s.Contexts = append(s.Contexts, spec)
	return true
}

// AddEditable adds a file to the editable set. It reports whether the file
// was new.
func (s *Session) AddEditable(p Paths, path string) (bool, error) {
	rel, err := p.Relpath(path)
	if err != nil {
		return false, errs.Wrap(errs.Session, path, err, "add editable")
	}
	if slices.Contains(s.Editables, rel) {
		return false, nil
	}
	s.Editables = append(s.Editables, rel)
	slices.Sort(s.Editables)
	return true, nil
}

// AbsEditables resolves the editable set to absolute paths.
func (s *Session) AbsEditables(r patch.Resolver) ([]string, error) {
	out := make([]string, 0, len(s.Editables))
	for _, rel := range s.Editables {
		abs, err := r.Abspath(rel)
		if err != nil {
			return nil, err
		}
		out = append(out, filepath.Clean(abs))
	}
	return out, nil
}

// Usage sums token usage over all steps.
func (s *Session) Usage() Usage {
	var u Usage
	for _, step := range s.Steps {
		if step.Response != nil && step.Response.Usage != nil {
			u.InputTokens += step.Response.Usage.InputTokens
			u.OutputTokens += step.Response.Usage.OutputTokens
			u.TotalTokens += step.Response.Usage.TotalTokens
		}
	}
	return u
}
