package pretty

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serp256/tenx/internal/contextspec"
	"github.com/serp256/tenx/internal/errs"
	"github.com/serp256/tenx/internal/event"
	"github.com/serp256/tenx/internal/patch"
	"github.com/serp256/tenx/internal/session"
)

func init() {
	color.NoColor = true
}

func sampleSession() *session.Session {
	sess := &session.Session{
		ID:        "01TEST",
		Root:      "/proj",
		Model:     "dummy",
		Contexts:  []contextspec.Spec{contextspec.Path("docs/*.md")},
		Editables: []string{"a.txt"},
	}
	sess.Steps = append(sess.Steps,
		&session.Step{
			Type:   session.Code,
			Prompt: "shout",
			Response: &session.ModelResponse{
				Comment:      "uppercased",
				ResponseText: "<write_file path=\"a.txt\">\nALPHA\n</write_file>",
				Usage:        &session.Usage{InputTokens: 10, OutputTokens: 4, TotalTokens: 14},
				Patch: &patch.Patch{
					Changes: []patch.Change{&patch.Write{Path: "a.txt", Content: "ALPHA\n"}},
					Cache:   map[string]string{"a.txt": "alpha\n"},
				},
			},
		},
		&session.Step{
			Type:   session.Code,
			Prompt: "again",
			Err:    session.NewStepError(errs.Model(errors.New("overloaded"))),
		},
	)
	return sess
}

func TestSession(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Session(&buf, sampleSession(), Options{}))
	out := buf.String()

	assert.Contains(t, out, "session 01TEST\nroot: /proj\nmodel: dummy\n")
	assert.Contains(t, out, "contexts\n  path: docs/*.md\n")
	assert.Contains(t, out, "editables\n  a.txt\n")
	assert.Contains(t, out, "step 0 code applied\n  prompt:\n    shout\n  comment:\n    uppercased\n  changes:\n    Write to a.txt\n  usage: in 10, out 4\n")
	assert.Contains(t, out, "step 1 code failed\n")
	assert.Contains(t, out, "error:")
	assert.Contains(t, out, "tokens: in 10, out 4, total 14")
	assert.NotContains(t, out, "response:")
	assert.NotContains(t, out, "+ALPHA")
}

func TestSessionFull(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Session(&buf, sampleSession(), Options{Full: true}))
	out := buf.String()

	assert.Contains(t, out, "    --- a/a.txt\n    +++ b/a.txt\n")
	assert.Contains(t, out, "    -alpha\n    +ALPHA\n")
	assert.Contains(t, out, "  response:\n    <write_file path=\"a.txt\">\n")
}

func TestProgress(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	var buf bytes.Buffer
	stop := Progress(&buf, bus)
	bus.Publish(event.Event{Type: event.FormatStart, Data: event.CheckData{Name: "gofmt"}})
	bus.Publish(event.Event{Type: event.FormatOK, Data: event.CheckData{Name: "gofmt"}})
	bus.Publish(event.Event{Type: event.CheckStart, Data: event.CheckData{Name: "go-vet"}})
	bus.Publish(event.Event{Type: event.CheckFailed, Data: event.CheckData{Name: "go-vet", Reason: "go-vet: cmd failed"}})
	bus.Publish(event.Event{Type: event.CheckSkipped, Data: event.CheckData{Name: "cargo-check", Reason: "cargo not found"}})
	bus.Publish(event.Event{Type: event.PatchApplied, Data: event.PatchData{Files: []string{"a.txt", "b.txt"}}})
	stop()
	bus.Publish(event.Event{Type: event.CheckStart, Data: event.CheckData{Name: "ignored"}})

	assert.Equal(t, "format: gofmt\n  ok\ncheck: go-vet\n  failed: go-vet: cmd failed\nskipped: cargo-check (cargo not found)\napplied: a.txt, b.txt\n", buf.String())
}
