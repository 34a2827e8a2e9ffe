package dialect

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/afero"

	"github.com/serp256/tenx/internal/config"
	"github.com/serp256/tenx/internal/contextspec"
	"github.com/serp256/tenx/internal/patch"
	"github.com/serp256/tenx/internal/session"
)

const tagsSystem = `You are an expert programmer. You edit the user's files by replying with
XML-style tags. Anything outside the tags is ignored.

Files you may edit are given as <editable path="...">. Reference material is
given as <context name="...">.

Operations:

<comment>
A short summary of what you changed.
</comment>

<write_file path="path/to/file">
The complete new content of the file.
</write_file>

<replace path="path/to/file">
<old>
Exact text to find. It must occur exactly once in the file.
</old>
<new>
Replacement text.
</new>
</replace>

<smart path="path/to/file">
Complete top-level declarations (functions, methods, types, impl blocks).
Each replaces the declaration with the same name, or is appended. Only for
Go, Rust, C, C++, Java, JavaScript and TypeScript files.
</smart>

<udiff>
A unified diff with --- and +++ file headers and @@ hunks.
</udiff>

<edit path="path/to/file"/>
Asks for another file to be added to the editable set before you change it.

Prefer replace for small changes and write_file for new files. Never edit a
file that is not editable.`

// Tags is the XML-style tag dialect.
type Tags struct{}

func (Tags) Name() string   { return "tags" }
func (Tags) System() string { return tagsSystem }

func (t Tags) Render(fsys afero.Fs, cfg *config.Config, sess *session.Session, contexts []contextspec.Item) ([]Message, error) {
	return render(t, fsys, cfg, sess, contexts)
}

func (Tags) context(item contextspec.Item) string {
	return fmt.Sprintf("<context name=%q type=%q>\n%s\n</context>", item.Name, item.Type, strings.TrimRight(item.Body, "\n"))
}

func (Tags) editable(path, content string) string {
	return fmt.Sprintf("<editable path=%q>\n%s</editable>", path, withNewline(content))
}

func (Tags) prompt(step *session.Step) string {
	switch step.Type {
	case session.Fix, session.Error:
		return "<error>\n" + withNewline(step.Prompt) + "</error>\nFix the problems above."
	}
	return "<prompt>\n" + withNewline(step.Prompt) + "</prompt>"
}

var (
	openTag = regexp.MustCompile(`<([a-z_]+)((?:\s+[a-z_]+\s*=\s*"[^"]*")*)\s*(/?)>`)
	attrRe  = regexp.MustCompile(`([a-z_]+)\s*=\s*"([^"]*)"`)
)

type tag struct {
	name  string
	attrs map[string]string
	body  string
}

// nextTag finds the next known tag at or after pos. It returns the tag and
// the offset just past its end, or ok=false when none remain.
func nextTag(text string, pos int, known map[string]bool) (tag, int, bool, error) {
	for pos < len(text) {
		loc := openTag.FindStringSubmatchIndex(text[pos:])
		if loc == nil {
			return tag{}, len(text), false, nil
		}
		name := text[pos+loc[2] : pos+loc[3]]
		attrs := map[string]string{}
		for _, m := range attrRe.FindAllStringSubmatch(text[pos+loc[4]:pos+loc[5]], -1) {
			attrs[m[1]] = m[2]
		}
		end := pos + loc[1]
		if !known[name] {
			pos = end
			continue
		}
		if loc[6] != loc[7] {
			return tag{name: name, attrs: attrs}, end, true, nil
		}
		closing := "</" + name + ">"
		i := strings.Index(text[end:], closing)
		if i < 0 {
			return tag{}, 0, false, parseError("unclosed <%s> tag", name)
		}
		return tag{name: name, attrs: attrs, body: text[end : end+i]}, end + i + len(closing), true, nil
	}
	return tag{}, len(text), false, nil
}

var responseTags = map[string]bool{
	"comment": true, "write_file": true, "file": true, "replace": true,
	"smart": true, "merge": true, "udiff": true, "edit": true,
}

func (Tags) Parse(text string) (*session.ModelResponse, error) {
	resp := &session.ModelResponse{ResponseText: text}
	p := &patch.Patch{}
	found := false

	for pos := 0; ; {
		t, next, ok, err := nextTag(text, pos, responseTags)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		pos = next
		found = true

		if t.name == "comment" {
			resp.Comment = strings.TrimSpace(t.body)
			continue
		}
		path := patch.CleanPath(t.attrs["path"])
		if t.name != "udiff" && t.attrs["path"] == "" {
			return nil, parseError("<%s> requires a path attribute", t.name)
		}

		switch t.name {
		case "edit":
			resp.Operations = append(resp.Operations, session.Operation{Kind: session.OpEdit, Path: path})
		case "write_file", "file":
			p.Changes = append(p.Changes, &patch.Write{Path: path, Content: stripLeading(t.body)})
		case "smart", "merge":
			p.Changes = append(p.Changes, &patch.Smart{Path: path, Text: trimBlock(t.body)})
		case "udiff":
			u, err := patch.NewUDiff(stripLeading(t.body))
			if err != nil {
				return nil, err
			}
			p.Changes = append(p.Changes, u)
		case "replace":
			inner := map[string]bool{"old": true, "new": true}
			parts := map[string]string{}
			for ipos := 0; ; {
				it, inext, ok, err := nextTag(t.body, ipos, inner)
				if err != nil {
					return nil, err
				}
				if !ok {
					break
				}
				parts[it.name] = trimBlock(it.body)
				ipos = inext
			}
			old, hasOld := parts["old"]
			repl, hasNew := parts["new"]
			if !hasOld || !hasNew {
				return nil, parseError("<replace path=%q> requires <old> and <new>", path)
			}
			p.Changes = append(p.Changes, &patch.Replace{Path: path, Old: old, New: repl})
		}
	}

	if !found {
		resp.Comment = strings.TrimSpace(text)
	}
	if !p.IsEmpty() {
		p.Comment = resp.Comment
		resp.Patch = p
	}
	return resp, nil
}

func withNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

// stripLeading drops the newline that follows an opening tag.
func stripLeading(s string) string {
	if strings.HasPrefix(s, "\r\n") {
		return s[2:]
	}
	return strings.TrimPrefix(s, "\n")
}

// trimBlock drops the newlines that follow an opening tag and precede a
// closing tag.
func trimBlock(s string) string {
	s = stripLeading(s)
	if strings.HasSuffix(s, "\r\n") {
		return s[:len(s)-2]
	}
	return strings.TrimSuffix(s, "\n")
}
