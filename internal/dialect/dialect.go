// Package dialect renders sessions into model prompts and parses model
// replies back into operations and patches.
package dialect

import (
	"fmt"
	"strings"

	"github.com/spf13/afero"

	"github.com/serp256/tenx/internal/config"
	"github.com/serp256/tenx/internal/contextspec"
	"github.com/serp256/tenx/internal/errs"
	"github.com/serp256/tenx/internal/session"
)

// Role is a chat message author.
type Role string

const (
	User      Role = "user"
	Assistant Role = "assistant"
)

// Message is one rendered chat message.
type Message struct {
	Role    Role
	Content string
}

// Dialect is a prompt and response format.
type Dialect interface {
	Name() string
	System() string
	// Render turns the session, whose last step must be pending, into
	// alternating user and assistant messages ending with a user message.
	Render(fsys afero.Fs, cfg *config.Config, sess *session.Session, contexts []contextspec.Item) ([]Message, error)
	// Parse reads a complete model reply.
	Parse(text string) (*session.ModelResponse, error)
}

// New returns the dialect with the given name.
func New(name string) (Dialect, error) {
	switch name {
	case "", "tags":
		return Tags{}, nil
	case "markdown", "md":
		return Markdown{}, nil
	}
	return nil, errs.New(errs.Config, "", "unknown dialect %q", name)
}

// formatter supplies the dialect-specific blocks of a rendered prompt. Blocks
// carry no trailing newline.
type formatter interface {
	context(item contextspec.Item) string
	editable(path, content string) string
	prompt(step *session.Step) string
}

// render lays out a conversation: context first, then the prompt and reply
// of every earlier step that produced a reply, then the current editables
// with the pending prompt.
func render(f formatter, fsys afero.Fs, cfg *config.Config, sess *session.Session, contexts []contextspec.Item) ([]Message, error) {
	last := sess.LastStep()
	if last == nil || last.State() != session.Pending {
		return nil, errs.New(errs.Internal, "", "render: session has no pending step")
	}

	var preamble strings.Builder
	for _, item := range contexts {
		preamble.WriteString(f.context(item))
		preamble.WriteString("\n\n")
	}

	var msgs []Message
	add := func(role Role, text string) {
		if role == User && preamble.Len() > 0 {
			text = preamble.String() + text
			preamble.Reset()
		}
		msgs = append(msgs, Message{Role: role, Content: text})
	}

	for _, step := range sess.Steps[:len(sess.Steps)-1] {
		if step.Response == nil || step.Response.ResponseText == "" {
			continue
		}
		add(User, f.prompt(step))
		add(Assistant, step.Response.ResponseText)
	}

	var final strings.Builder
	for _, rel := range sess.Editables {
		abs, err := cfg.Abspath(rel)
		if err != nil {
			return nil, err
		}
		data, err := afero.ReadFile(fsys, abs)
		if err != nil {
			return nil, errs.Wrap(errs.ReadFailure, rel, err, "read editable %s", rel)
		}
		final.WriteString(f.editable(rel, string(data)))
		final.WriteString("\n\n")
	}
	final.WriteString(f.prompt(last))
	add(User, final.String())
	return msgs, nil
}

func parseError(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return errs.New(errs.ParseError, "", "%s", msg).
		WithModel("Your response could not be parsed: %s. Respond using the required format.", msg)
}
