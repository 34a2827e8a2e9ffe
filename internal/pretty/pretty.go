// Package pretty renders sessions and progress events for the terminal.
package pretty

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/serp256/tenx/internal/event"
	"github.com/serp256/tenx/internal/session"
)

var (
	heading = color.New(color.FgCyan, color.Bold)
	dim     = color.New(color.FgHiBlack)
	ok      = color.New(color.FgGreen)
	warn    = color.New(color.FgYellow)
	bad     = color.New(color.FgRed, color.Bold)
	added   = color.New(color.FgGreen)
	removed = color.New(color.FgRed)
)

// Options controls session rendering.
type Options struct {
	// Full includes raw model responses and patch diffs.
	Full bool
}

// Session writes a readable summary of sess to w.
func Session(w io.Writer, sess *session.Session, opts Options) error {
	p := &printer{w: w}
	p.line("%s %s", heading.Sprint("session"), sess.ID)
	p.line("%s %s", dim.Sprint("root:"), sess.Root)
	if sess.Model != "" {
		p.line("%s %s", dim.Sprint("model:"), sess.Model)
	}

	if len(sess.Contexts) > 0 {
		p.line("%s", heading.Sprint("contexts"))
		for _, c := range sess.Contexts {
			p.line("  %s", c.Human())
		}
	}
	if len(sess.Editables) > 0 {
		p.line("%s", heading.Sprint("editables"))
		for _, e := range sess.Editables {
			p.line("  %s", e)
		}
	}

	for i, step := range sess.Steps {
		p.line("")
		p.step(i, step, opts)
	}

	if u := sess.Usage(); u.TotalTokens > 0 {
		p.line("")
		p.line("%s in %d, out %d, total %d", dim.Sprint("tokens:"), u.InputTokens, u.OutputTokens, u.TotalTokens)
	}
	return p.err
}

type printer struct {
	w   io.Writer
	err error
}

func (p *printer) line(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) block(indent, text string) {
	for _, l := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		p.line("%s%s", indent, l)
	}
}

func stateColor(s session.State) *color.Color {
	switch s {
	case session.Applied:
		return ok
	case session.Failed:
		return bad
	}
	return warn
}

func (p *printer) step(i int, step *session.Step, opts Options) {
	state := step.State()
	p.line("%s %s %s", heading.Sprintf("step %d", i), dim.Sprint(step.Type), stateColor(state).Sprint(state))
	p.line("  %s", dim.Sprint("prompt:"))
	p.block("    ", step.Prompt)

	if resp := step.Response; resp != nil {
		if resp.Comment != "" {
			p.line("  %s", dim.Sprint("comment:"))
			p.block("    ", resp.Comment)
		}
		for _, op := range resp.Operations {
			p.line("  %s %s %s", dim.Sprint("operation:"), op.Kind, op.Path)
		}
		if patch := resp.Patch; !patch.IsEmpty() {
			p.line("  %s", dim.Sprint("changes:"))
			for _, c := range patch.Changes {
				p.line("    %s", c.Description())
			}
			if opts.Full {
				if diff, err := patch.Diff(); err == nil && diff != "" {
					p.diff("    ", diff)
				}
			}
		}
		if u := resp.Usage; u != nil {
			p.line("  %s in %d, out %d", dim.Sprint("usage:"), u.InputTokens, u.OutputTokens)
		}
		if opts.Full && resp.ResponseText != "" {
			p.line("  %s", dim.Sprint("response:"))
			p.block("    ", resp.ResponseText)
		}
	}

	if e := step.Err; e != nil {
		p.line("  %s %s", bad.Sprint("error:"), e.User)
		if opts.Full && e.Model != "" && e.Model != e.User {
			p.block("    ", e.Model)
		}
	}
}

func (p *printer) diff(indent, diff string) {
	for _, l := range strings.Split(strings.TrimRight(diff, "\n"), "\n") {
		switch {
		case strings.HasPrefix(l, "+++"), strings.HasPrefix(l, "---"):
			p.line("%s%s", indent, heading.Sprint(l))
		case strings.HasPrefix(l, "@@"):
			p.line("%s%s", indent, dim.Sprint(l))
		case strings.HasPrefix(l, "+"):
			p.line("%s%s", indent, added.Sprint(l))
		case strings.HasPrefix(l, "-"):
			p.line("%s%s", indent, removed.Sprint(l))
		default:
			p.line("%s%s", indent, l)
		}
	}
}

// Progress prints check and step events as they are published. It returns
// a function that stops printing.
func Progress(w io.Writer, bus *event.Bus) func() {
	return bus.SubscribeAll(func(e event.Event) {
		switch d := e.Data.(type) {
		case event.CheckData:
			switch e.Type {
			case event.CheckStart, event.FormatStart:
				fmt.Fprintf(w, "%s %s\n", dim.Sprint(strings.TrimSuffix(string(e.Type), ".start")+":"), d.Name)
			case event.CheckOK, event.FormatOK:
				fmt.Fprintf(w, "  %s\n", ok.Sprint("ok"))
			case event.CheckFailed:
				fmt.Fprintf(w, "  %s %s\n", bad.Sprint("failed:"), d.Reason)
			case event.CheckSkipped:
				fmt.Fprintf(w, "%s %s (%s)\n", warn.Sprint("skipped:"), d.Name, d.Reason)
			}
		case event.PatchData:
			fmt.Fprintf(w, "%s %s\n", ok.Sprint("applied:"), strings.Join(d.Files, ", "))
		case event.StepData:
			if e.Type == event.StepFailed {
				fmt.Fprintf(w, "%s %s\n", bad.Sprint("error:"), d.Error)
			}
		case event.ResetData:
			fmt.Fprintf(w, "%s %s\n", warn.Sprint("reverted:"), strings.Join(d.Reverted, ", "))
		}
	})
}
