package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/serp256/tenx/internal/errs"
	"github.com/serp256/tenx/internal/logging"
)

// Resolver maps project-relative paths to absolute ones.
type Resolver interface {
	Abspath(path string) (string, error)
}

// Patch is an ordered set of changes with the pre-image of every file they
// touch.
type Patch struct {
	Changes []Change
	Comment string
	// Cache holds each changed file's content from before this patch was
	// first applied. Entries are never overwritten once present.
	Cache map[string]string
	// Created marks cached paths that did not exist; reverting removes them.
	Created map[string]bool
}

// ChangeError reports which change of a patch failed.
type ChangeError struct {
	Index  int
	Change Change
	Err    error
}

func (e *ChangeError) Error() string {
	return fmt.Sprintf("change %d (%s): %v", e.Index+1, e.Change.Description(), e.Err)
}

func (e *ChangeError) Unwrap() error { return e.Err }

// ChangedFiles is the union of every change's files in first-seen order.
func (p *Patch) ChangedFiles() []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range p.Changes {
		for _, f := range c.ChangedFiles() {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}

// Description summarises the changes, one per line.
func (p *Patch) Description() string {
	lines := make([]string, len(p.Changes))
	for i, c := range p.Changes {
		lines[i] = c.Description()
	}
	return strings.Join(lines, "\n")
}

// IsEmpty reports whether the patch has no changes.
func (p *Patch) IsEmpty() bool { return p == nil || len(p.Changes) == 0 }

func (p *Patch) mayCreate(path string) bool {
	for _, c := range p.Changes {
		if c.mayCreate(path) {
			return true
		}
	}
	return false
}

// PrepareCache reads the current content of every changed file not yet
// cached. Calling it again never replaces an existing entry.
func (p *Patch) PrepareCache(fsys afero.Fs, r Resolver) error {
	if p.Cache == nil {
		p.Cache = map[string]string{}
	}
	if p.Created == nil {
		p.Created = map[string]bool{}
	}
	for _, path := range p.ChangedFiles() {
		if _, ok := p.Cache[path]; ok {
			continue
		}
		abs, err := r.Abspath(path)
		if err != nil {
			return errs.Wrap(errs.ReadFailure, path, err, "resolve %s", path)
		}
		data, err := afero.ReadFile(fsys, abs)
		switch {
		case errors.Is(err, fs.ErrNotExist) && p.mayCreate(path):
			p.Cache[path] = ""
			p.Created[path] = true
		case err != nil:
			return errs.Wrap(errs.ReadFailure, path, err, "read %s", path).
				WithModel("The file %s does not exist or cannot be read. Only edit files that exist, or write the whole file.", path)
		default:
			p.Cache[path] = string(data)
		}
		logging.Debug().Str("path", path).Bool("created", p.Created[path]).Msg("cached pre-image")
	}
	return nil
}

// Transform applies every change, in order, to a copy of the cache and
// returns the resulting contents. The cache must be prepared.
func (p *Patch) Transform() (map[string]string, error) {
	scratch := make(map[string]string, len(p.Cache))
	for k, v := range p.Cache {
		scratch[k] = v
	}
	for i, c := range p.Changes {
		if err := c.ApplyToCache(scratch); err != nil {
			return nil, &ChangeError{Index: i, Change: c, Err: err}
		}
	}
	return scratch, nil
}

// Apply caches pre-images, transforms them and, only if every change
// succeeded, writes the results. Failures before the write phase leave the
// filesystem untouched. A failure while writing is an errs.WriteFailure and
// may leave earlier files written.
func (p *Patch) Apply(fsys afero.Fs, r Resolver) error {
	if err := p.PrepareCache(fsys, r); err != nil {
		return err
	}
	scratch, err := p.Transform()
	if err != nil {
		return err
	}

	paths := p.ChangedFiles()
	sort.Strings(paths)
	var written []string
	for _, path := range paths {
		content := scratch[path]
		if !p.Created[path] && content == p.Cache[path] {
			continue
		}
		if err := writeFile(fsys, r, path, content); err != nil {
			e := errs.Wrap(errs.WriteFailure, path, err, "write %s", path)
			if len(written) > 0 {
				e.User += fmt.Sprintf(" (already written: %s)", strings.Join(written, ", "))
			}
			return e
		}
		written = append(written, path)
	}
	logging.Info().Strs("files", written).Int("changes", len(p.Changes)).Msg("patch applied")
	return nil
}

// Revert restores every cached file to its pre-image and removes files the
// patch created.
func (p *Patch) Revert(fsys afero.Fs, r Resolver) error {
	var failures []error
	for _, path := range p.ChangedFiles() {
		pre, ok := p.Cache[path]
		if !ok {
			continue
		}
		if p.Created[path] {
			abs, err := r.Abspath(path)
			if err == nil {
				err = fsys.Remove(abs)
			}
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				failures = append(failures, fmt.Errorf("remove %s: %w", path, err))
			}
			continue
		}
		if err := writeFile(fsys, r, path, pre); err != nil {
			failures = append(failures, fmt.Errorf("restore %s: %w", path, err))
		}
	}
	if len(failures) > 0 {
		return errs.Wrap(errs.WriteFailure, "", errors.Join(failures...), "revert")
	}
	return nil
}

func writeFile(fsys afero.Fs, r Resolver, path, content string) error {
	abs, err := r.Abspath(path)
	if err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if info, err := fsys.Stat(abs); err == nil {
		mode = info.Mode().Perm()
	} else if err := fsys.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(fsys, abs, []byte(content), mode)
}

type patchJSON struct {
	Changes []json.RawMessage `json:"changes"`
	Comment string            `json:"comment,omitempty"`
	Cache   map[string]string `json:"cache,omitempty"`
	Created map[string]bool   `json:"created,omitempty"`
}

func (p *Patch) MarshalJSON() ([]byte, error) {
	out := patchJSON{Comment: p.Comment, Cache: p.Cache, Created: p.Created, Changes: []json.RawMessage{}}
	for _, c := range p.Changes {
		data, err := MarshalChange(c)
		if err != nil {
			return nil, err
		}
		out.Changes = append(out.Changes, data)
	}
	return json.Marshal(out)
}

func (p *Patch) UnmarshalJSON(data []byte) error {
	var in patchJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	p.Comment, p.Cache, p.Created, p.Changes = in.Comment, in.Cache, in.Created, nil
	for _, raw := range in.Changes {
		c, err := UnmarshalChange(raw)
		if err != nil {
			return err
		}
		p.Changes = append(p.Changes, c)
	}
	return nil
}
