package dialect

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/serp256/tenx/internal/config"
	"github.com/serp256/tenx/internal/contextspec"
	"github.com/serp256/tenx/internal/patch"
	"github.com/serp256/tenx/internal/session"
)

const markdownSystem = "You are an expert programmer. You edit the user's files by replying in\n" +
	"markdown.\n\n" +
	"To replace a whole file, write a paragraph naming the file in backticks and\n" +
	"follow it with a fenced code block holding the complete new content:\n\n" +
	"`path/to/file.go`\n\n" +
	"```go\n...\n```\n\n" +
	"For targeted edits use a fenced ```diff block containing a unified diff with\n" +
	"--- and +++ file headers and @@ hunks.\n\n" +
	"To ask for another file before editing it, write a line `Edit: path/to/file`\n" +
	"with the path in backticks.\n\n" +
	"Start with a short paragraph summarising your change."

// Markdown is the fenced code block dialect.
type Markdown struct{}

func (Markdown) Name() string   { return "markdown" }
func (Markdown) System() string { return markdownSystem }

func (m Markdown) Render(fsys afero.Fs, cfg *config.Config, sess *session.Session, contexts []contextspec.Item) ([]Message, error) {
	return render(m, fsys, cfg, sess, contexts)
}

func (Markdown) context(item contextspec.Item) string {
	return fmt.Sprintf("## Context: %s\n\n%s", item.Name, fence("", item.Body))
}

func (Markdown) editable(path, content string) string {
	return fmt.Sprintf("`%s`\n\n%s", path, fence(langFor(path), content))
}

func (Markdown) prompt(step *session.Step) string {
	switch step.Type {
	case session.Fix, session.Error:
		return "## Errors\n\n" + fence("", step.Prompt) + "\n\nFix the problems above."
	}
	return step.Prompt
}

// fence wraps body in a code fence longer than any backtick run inside it.
func fence(lang, body string) string {
	ticks := "```"
	for strings.Contains(body, ticks) {
		ticks += "`"
	}
	return ticks + lang + "\n" + withNewline(body) + ticks
}

func langFor(path string) string {
	switch {
	case strings.HasSuffix(path, ".go"):
		return "go"
	case strings.HasSuffix(path, ".rs"):
		return "rust"
	case strings.HasSuffix(path, ".py"):
		return "python"
	case strings.HasSuffix(path, ".ts"), strings.HasSuffix(path, ".tsx"):
		return "typescript"
	case strings.HasSuffix(path, ".js"):
		return "javascript"
	}
	return ""
}

func (Markdown) Parse(src string) (*session.ModelResponse, error) {
	source := []byte(src)
	root := goldmark.DefaultParser().Parse(text.NewReader(source))

	resp := &session.ModelResponse{ResponseText: src}
	p := &patch.Patch{}
	var comment []string

	for node := root.FirstChild(); node != nil; node = node.NextSibling() {
		switch n := node.(type) {
		case *ast.Paragraph:
			para := rawText(n, source)
			if path, ok := editRequest(n, para, source); ok {
				resp.Operations = append(resp.Operations, session.Operation{Kind: session.OpEdit, Path: path})
				continue
			}
			if p.IsEmpty() && !isPathHint(n) {
				comment = append(comment, para)
			}
		case *ast.FencedCodeBlock:
			lang := string(n.Language(source))
			var body bytes.Buffer
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				line := lines.At(i)
				body.Write(line.Value(source))
			}

			if lang == "diff" || lang == "udiff" || lang == "patch" {
				u, err := patch.NewUDiff(body.String())
				if err != nil {
					return nil, err
				}
				p.Changes = append(p.Changes, u)
				continue
			}
			prev, ok := n.PreviousSibling().(*ast.Paragraph)
			if !ok {
				continue
			}
			if path := lastCodeSpan(prev, source); path != "" {
				p.Changes = append(p.Changes, &patch.Write{Path: patch.CleanPath(path), Content: body.String()})
			}
		}
	}

	resp.Comment = strings.Join(comment, "\n\n")
	if !p.IsEmpty() {
		p.Comment = resp.Comment
		resp.Patch = p
	}
	return resp, nil
}

// rawText is the paragraph's source with line breaks kept.
func rawText(n *ast.Paragraph, source []byte) string {
	var b bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		b.Write(line.Value(source))
	}
	return strings.TrimSpace(b.String())
}

// isPathHint reports whether paragraph n only introduces the code block
// that follows it.
func isPathHint(n *ast.Paragraph) bool {
	if _, ok := n.NextSibling().(*ast.FencedCodeBlock); !ok {
		return false
	}
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if _, ok := c.(*ast.CodeSpan); ok {
			return true
		}
	}
	return false
}

// lastCodeSpan returns the text of the last code span in n that looks like
// a file path.
func lastCodeSpan(n ast.Node, source []byte) string {
	var path string
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		cs, ok := c.(*ast.CodeSpan)
		if !ok {
			continue
		}
		s := strings.TrimSpace(string(cs.Text(source)))
		if s != "" && !strings.ContainsAny(s, " \t") {
			path = s
		}
	}
	return path
}

func editRequest(n *ast.Paragraph, para string, source []byte) (string, bool) {
	lower := strings.ToLower(para)
	if !strings.HasPrefix(lower, "edit:") && !strings.HasPrefix(lower, "edit ") {
		return "", false
	}
	path := lastCodeSpan(n, source)
	if path == "" {
		return "", false
	}
	return patch.CleanPath(path), true
}
