package dialect

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serp256/tenx/internal/config"
	"github.com/serp256/tenx/internal/contextspec"
	"github.com/serp256/tenx/internal/errs"
	"github.com/serp256/tenx/internal/patch"
	"github.com/serp256/tenx/internal/session"
)

func fixture(t *testing.T) (afero.Fs, *config.Config, *session.Session) {
	t.Helper()
	cfg := config.Default("/proj")
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/proj/main.go", []byte("package main\n"), 0o644))

	sess := session.New(cfg.Root, "dummy")
	_, err := sess.AddEditable(cfg, "main.go")
	require.NoError(t, err)
	return fsys, cfg, sess
}

func TestNew(t *testing.T) {
	d, err := New("")
	require.NoError(t, err)
	assert.Equal(t, "tags", d.Name())
	d, err = New("markdown")
	require.NoError(t, err)
	assert.Equal(t, "markdown", d.Name())
	_, err = New("xml")
	assert.Equal(t, errs.Config, errs.KindOf(err))
}

func TestRenderRequiresPendingStep(t *testing.T) {
	fsys, cfg, sess := fixture(t)
	_, err := Tags{}.Render(fsys, cfg, sess, nil)
	assert.Error(t, err)
}

func TestTagsRender(t *testing.T) {
	fsys, cfg, sess := fixture(t)
	sess.Steps = []*session.Step{
		{Type: session.Code, Prompt: "first", Response: &session.ModelResponse{ResponseText: "<comment>done</comment>"}},
		{Type: session.Code, Prompt: "lost", Err: &session.StepError{Kind: errs.ModelFailure}},
		{Type: session.Error, Prompt: "replace failed"},
	}
	items := []contextspec.Item{{Type: contextspec.TypePath, Name: "README.md", Body: "read me\n"}}

	msgs, err := Tags{}.Render(fsys, cfg, sess, items)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	assert.Equal(t, User, msgs[0].Role)
	assert.Equal(t,
		"<context name=\"README.md\" type=\"path\">\nread me\n</context>\n\n<prompt>\nfirst\n</prompt>",
		msgs[0].Content)
	assert.Equal(t, Message{Role: Assistant, Content: "<comment>done</comment>"}, msgs[1])
	assert.Equal(t,
		"<editable path=\"main.go\">\npackage main\n</editable>\n\n<error>\nreplace failed\n</error>\nFix the problems above.",
		msgs[2].Content)
}

func TestTagsRenderMissingEditable(t *testing.T) {
	fsys, cfg, sess := fixture(t)
	sess.Editables = append(sess.Editables, "gone.go")
	require.NoError(t, sess.AddPrompt(session.Code, "x"))
	_, err := Tags{}.Render(fsys, cfg, sess, nil)
	assert.Equal(t, errs.ReadFailure, errs.KindOf(err))
}

func TestTagsParse(t *testing.T) {
	reply := `Sure, here you go.

<comment>
Rename the helper.
</comment>

<write_file path="new.txt">
hello
</write_file>

<replace path="main.go">
<old>
func a() {}
</old>
<new>
func b() {}
</new>
</replace>

<merge path="./lib.rs">
fn x() {}
</merge>

<udiff>
--- a/u.txt
+++ b/u.txt
@@ -1 +1 @@
-x
+y
</udiff>

<edit path="other.go"/>
`
	resp, err := Tags{}.Parse(reply)
	require.NoError(t, err)

	assert.Equal(t, "Rename the helper.", resp.Comment)
	assert.Equal(t, reply, resp.ResponseText)
	assert.Equal(t, []session.Operation{{Kind: session.OpEdit, Path: "other.go"}}, resp.Operations)

	require.NotNil(t, resp.Patch)
	assert.Equal(t, "Rename the helper.", resp.Patch.Comment)
	require.Len(t, resp.Patch.Changes, 4)
	assert.Equal(t, &patch.Write{Path: "new.txt", Content: "hello\n"}, resp.Patch.Changes[0])
	assert.Equal(t, &patch.Replace{Path: "main.go", Old: "func a() {}", New: "func b() {}"}, resp.Patch.Changes[1])
	assert.Equal(t, &patch.Smart{Path: "lib.rs", Text: "fn x() {}"}, resp.Patch.Changes[2])
	assert.Equal(t, []string{"u.txt"}, resp.Patch.Changes[3].ChangedFiles())
}

func TestTagsParseInlineReplaceAndFileAlias(t *testing.T) {
	resp, err := Tags{}.Parse(`<replace path="a"><old>foo</old><new>bar</new></replace><file path="b">x</file>`)
	require.NoError(t, err)
	require.Len(t, resp.Patch.Changes, 2)
	assert.Equal(t, &patch.Replace{Path: "a", Old: "foo", New: "bar"}, resp.Patch.Changes[0])
	assert.Equal(t, &patch.Write{Path: "b", Content: "x"}, resp.Patch.Changes[1])
}

func TestTagsParsePlainText(t *testing.T) {
	resp, err := Tags{}.Parse("  I need more information.  ")
	require.NoError(t, err)
	assert.Nil(t, resp.Patch)
	assert.Equal(t, "I need more information.", resp.Comment)
}

func TestTagsParseErrors(t *testing.T) {
	for name, reply := range map[string]string{
		"unclosed":      `<write_file path="a">abc`,
		"missing path":  `<write_file>abc</write_file>`,
		"missing new":   `<replace path="a"><old>x</old></replace>`,
		"bad udiff":     "<udiff>\nnot a diff\n</udiff>",
		"unclosed edit": `<edit path="a">`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Tags{}.Parse(reply)
			require.Error(t, err)
			assert.Equal(t, errs.ParseError, errs.KindOf(err))
		})
	}
}

func TestMarkdownRender(t *testing.T) {
	fsys, cfg, sess := fixture(t)
	require.NoError(t, sess.AddPrompt(session.Code, "add a main func"))

	msgs, err := Markdown{}.Render(fsys, cfg, sess, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "`main.go`\n\n```go\npackage main\n```\n\nadd a main func", msgs[0].Content)
}

func TestFence(t *testing.T) {
	assert.Equal(t, "````\na ``` b\n````", fence("", "a ``` b"))
}

func TestMarkdownParse(t *testing.T) {
	reply := "I added a greeting.\n\n" +
		"It prints hello.\n\n" +
		"`cmd/hello.go`\n\n" +
		"```go\npackage main\n\nfunc main() {}\n```\n\n" +
		"```diff\n--- a/README.md\n+++ b/README.md\n@@ -1 +1 @@\n-old\n+new\n```\n\n" +
		"```sh\ngo run ./cmd/hello\n```\n\n" +
		"Edit: `go.mod`\n"

	resp, err := Markdown{}.Parse(reply)
	require.NoError(t, err)
	assert.Equal(t, "I added a greeting.\n\nIt prints hello.", resp.Comment)
	assert.Equal(t, []session.Operation{{Kind: session.OpEdit, Path: "go.mod"}}, resp.Operations)

	require.NotNil(t, resp.Patch)
	require.Len(t, resp.Patch.Changes, 2)
	assert.Equal(t, &patch.Write{Path: "cmd/hello.go", Content: "package main\n\nfunc main() {}\n"}, resp.Patch.Changes[0])
	assert.Equal(t, []string{"README.md"}, resp.Patch.Changes[1].ChangedFiles())
}

func TestMarkdownParseBadDiff(t *testing.T) {
	_, err := Markdown{}.Parse("```diff\nnothing here\n```\n")
	assert.Equal(t, errs.ParseError, errs.KindOf(err))
}
