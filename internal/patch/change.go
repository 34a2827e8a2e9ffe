// Package patch turns model-generated edits into atomic, reversible
// mutations of a working tree.
//
// A Patch is an ordered list of Changes. Applying it runs three phases:
// the pre-image of every touched file is cached, all changes are applied in
// order to an in-memory copy of that cache, and only if every change
// succeeded is the result written to disk. Revert writes the cache back.
package patch

import (
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/serp256/tenx/internal/errs"
)

// Kind identifies a Change variant.
type Kind string

const (
	KindWrite   Kind = "write"
	KindReplace Kind = "replace"
	KindSmart   Kind = "smart"
	KindUDiff   Kind = "udiff"
)

// Change is one mutation. The set of implementations is closed: *Write,
// *Replace, *Smart and *UDiff.
type Change interface {
	Kind() Kind
	// ChangedFiles lists the project-relative paths the change touches. It
	// performs no I/O.
	ChangedFiles() []string
	// ApplyToCache transforms the entries of scratch named by ChangedFiles.
	// On error no entry is modified.
	ApplyToCache(scratch map[string]string) error
	// Description is a one-line summary such as "Replace in main.go".
	Description() string

	// mayCreate reports whether the change accepts path not existing yet.
	mayCreate(path string) bool
}

// CleanPath normalises a project-relative path to slash form.
func CleanPath(p string) string {
	p = path.Clean(filepath.ToSlash(strings.TrimSpace(p)))
	return strings.TrimPrefix(p, "./")
}

func lookup(scratch map[string]string, p string) (string, error) {
	text, ok := scratch[p]
	if !ok {
		return "", errs.New(errs.ReadFailure, p, "no cached content for %s", p)
	}
	return text, nil
}

// envelope is the JSON form of a Change.
type envelope struct {
	Type Kind `json:"type"`
	Path string `json:"path,omitempty"`

	Content string `json:"content,omitempty"`
	Old     string `json:"old,omitempty"`
	New     string `json:"new,omitempty"`
	Text    string `json:"text,omitempty"`

	Patch         string   `json:"patch,omitempty"`
	ModifiedFiles []string `json:"modified_files,omitempty"`
}

// MarshalChange encodes a Change as a tagged JSON object.
func MarshalChange(c Change) ([]byte, error) {
	var env envelope
	switch c := c.(type) {
	case *Write:
		env = envelope{Type: KindWrite, Path: c.Path, Content: c.Content}
	case *Replace:
		env = envelope{Type: KindReplace, Path: c.Path, Old: c.Old, New: c.New}
	case *Smart:
		env = envelope{Type: KindSmart, Path: c.Path, Text: c.Text}
	case *UDiff:
		env = envelope{Type: KindUDiff, Patch: c.Patch, ModifiedFiles: c.ModifiedFiles}
	default:
		return nil, fmt.Errorf("unknown change type %T", c)
	}
	return json.Marshal(env)
}

// UnmarshalChange decodes a tagged JSON object into a Change.
func UnmarshalChange(data []byte) (Change, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case KindWrite:
		return &Write{Path: env.Path, Content: env.Content}, nil
	case KindReplace:
		return &Replace{Path: env.Path, Old: env.Old, New: env.New}, nil
	case KindSmart:
		return &Smart{Path: env.Path, Text: env.Text}, nil
	case KindUDiff:
		if len(env.ModifiedFiles) == 0 {
			return NewUDiff(env.Patch)
		}
		return &UDiff{Patch: env.Patch, ModifiedFiles: env.ModifiedFiles}, nil
	default:
		return nil, fmt.Errorf("unknown change type %q", env.Type)
	}
}
