package session

import (
	"errors"

	"github.com/serp256/tenx/internal/errs"
	"github.com/serp256/tenx/internal/patch"
)

// StepType says why a step's prompt was issued.
type StepType string

const (
	// Code is a user request.
	Code StepType = "code"
	// Fix asks the model to repair check failures.
	Fix StepType = "fix"
	// Auto continues after the model asked for more files.
	Auto StepType = "auto"
	// Error feeds an apply failure back to the model.
	Error StepType = "error"
)

// State is the lifecycle position of a step.
type State int

const (
	Pending State = iota
	Applied
	Failed
)

func (s State) String() string {
	switch s {
	case Applied:
		return "applied"
	case Failed:
		return "failed"
	}
	return "pending"
}

// OperationKind names a non-patch request in a model response.
type OperationKind string

// OpEdit asks for a file to be added to the editable set.
const OpEdit OperationKind = "edit"

// Operation is a non-patch request made by the model.
type Operation struct {
	Kind OperationKind `json:"kind"`
	Path string        `json:"path"`
}

// Usage is the token accounting for one model call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ModelResponse is a parsed model reply.
type ModelResponse struct {
	Operations   []Operation  `json:"operations,omitempty"`
	Patch        *patch.Patch `json:"patch,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
	Comment      string       `json:"comment,omitempty"`
	ResponseText string       `json:"response_text,omitempty"`
}

// StepError is the persisted form of the error that ended a step.
type StepError struct {
	Kind  errs.Kind `json:"kind"`
	User  string    `json:"user"`
	Model string    `json:"model"`
	Path  string    `json:"path,omitempty"`
}

// NewStepError records err.
func NewStepError(err error) *StepError {
	e := errs.From(err)
	return &StepError{Kind: e.Kind, User: e.User, Model: e.ModelMessage(), Path: e.Path}
}

func (e *StepError) Error() string {
	return (&errs.Error{Kind: e.Kind, Path: e.Path, User: e.User}).Error()
}

// Err converts the record back into a classified error.
func (e *StepError) Err() *errs.Error {
	return &errs.Error{Kind: e.Kind, Path: e.Path, User: e.User, Model: e.Model}
}

// Step is one turn of a session.
type Step struct {
	Type     StepType       `json:"type"`
	Prompt   string         `json:"prompt"`
	Response *ModelResponse `json:"response,omitempty"`
	Err      *StepError     `json:"error,omitempty"`
}

// State derives the step's lifecycle position.
func (s *Step) State() State {
	switch {
	case s.Err != nil:
		return Failed
	case s.Response != nil:
		return Applied
	}
	return Pending
}

// Patch returns the step's patch, if any.
func (s *Step) Patch() *patch.Patch {
	if s.Response == nil {
		return nil
	}
	return s.Response.Patch
}

// touchedDisk reports whether reverting the step's patch is needed: it was
// committed, or its commit failed part way.
func (s *Step) touchedDisk() bool {
	p := s.Patch()
	if p.IsEmpty() {
		return false
	}
	return s.Err == nil || s.Err.Kind == errs.WriteFailure
}

// retryPrompt is the prompt for a step following the failed step s.
func (s *Step) retryPrompt() (StepType, string) {
	if s.Err.Kind == errs.ModelFailure {
		return s.Type, s.Prompt
	}
	return Error, "Your previous response could not be applied.\n\n" + s.Err.Model +
		"\n\nPlease correct the changes and respond again."
}

var errNotPending = errors.New("last step is not pending")
