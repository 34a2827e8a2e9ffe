// Package errs defines the error taxonomy shared across tenx.
//
// Every error carries two renderings: User is shown on the terminal, Model is
// fed back to the model when a follow-up prompt asks it to correct itself.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error.
type Kind string

const (
	ReadFailure       Kind = "read_failure"
	NoMatch           Kind = "no_match"
	AmbiguousMatch    Kind = "ambiguous_match"
	ParseError        Kind = "parse_error"
	AmbiguousTarget   Kind = "ambiguous_target"
	HunkNotApplicable Kind = "hunk_not_applicable"
	WriteFailure      Kind = "write_failure"
	ModelFailure      Kind = "model_failure"
	WorkspaceNotFound Kind = "workspace_not_found"
	Check             Kind = "check"
	Config            Kind = "config"
	Session           Kind = "session"
	Internal          Kind = "internal"
)

// Error is a classified tenx error.
type Error struct {
	Kind Kind
	// Path is the project-relative file the error concerns, if any.
	Path  string
	User  string
	Model string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if e.User != "" {
		b.WriteString(": ")
		b.WriteString(e.User)
	}
	if e.Err != nil && e.User == "" {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: NoMatch})
// works as a kind test.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Path == "" && t.User == "" && t.Model == ""
}

// Severe reports whether the error may have left the working tree partially
// modified.
func (e *Error) Severe() bool { return e.Kind == WriteFailure }

// ModelMessage returns the text handed back to the model.
func (e *Error) ModelMessage() string {
	if e.Model != "" {
		return e.Model
	}
	return e.User
}

// New creates an error whose user and model messages are the same.
func New(kind Kind, path, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Kind: kind, Path: path, User: msg, Model: msg}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, path string, err error, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	return &Error{Kind: kind, Path: path, User: msg, Model: msg, Err: err}
}

// Model creates a model provider failure.
func Model(err error) *Error {
	return Wrap(ModelFailure, "", err, "model request failed")
}

// WithModel returns a copy of e with a distinct model-facing message.
func (e *Error) WithModel(format string, args ...any) *Error {
	c := *e
	c.Model = fmt.Sprintf(format, args...)
	return &c
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err's chain holds an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// From converts any error into an *Error, classifying unknown errors as
// Internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: Internal, User: err.Error(), Model: err.Error(), Err: err}
}
