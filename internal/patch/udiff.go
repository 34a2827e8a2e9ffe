package patch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/serp256/tenx/internal/errs"
)

// UDiff is a unified diff spanning one or more files.
type UDiff struct {
	Patch         string
	ModifiedFiles []string
}

// NewUDiff parses text and records the files it modifies.
func NewUDiff(text string) (*UDiff, error) {
	files, err := parseUnified(text)
	if err != nil {
		return nil, err
	}
	u := &UDiff{Patch: text}
	seen := map[string]bool{}
	for _, f := range files {
		if !seen[f.path] {
			seen[f.path] = true
			u.ModifiedFiles = append(u.ModifiedFiles, f.path)
		}
	}
	return u, nil
}

func (u *UDiff) Kind() Kind { return KindUDiff }

func (u *UDiff) ChangedFiles() []string {
	if len(u.ModifiedFiles) == 0 {
		if parsed, err := NewUDiff(u.Patch); err == nil {
			return parsed.ModifiedFiles
		}
		return nil
	}
	out := make([]string, len(u.ModifiedFiles))
	for i, f := range u.ModifiedFiles {
		out[i] = CleanPath(f)
	}
	return out
}

func (u *UDiff) Description() string {
	if n := len(u.ChangedFiles()); n != 1 {
		return fmt.Sprintf("UDiff for %d files", n)
	}
	return "UDiff for 1 file"
}

func (u *UDiff) mayCreate(p string) bool {
	files, err := parseUnified(u.Patch)
	if err != nil {
		return false
	}
	for _, f := range files {
		if f.path == p && f.created {
			return true
		}
	}
	return false
}

func (u *UDiff) ApplyToCache(scratch map[string]string) error {
	files, err := parseUnified(u.Patch)
	if err != nil {
		return err
	}
	results := map[string]string{}
	for _, f := range files {
		text, ok := results[f.path]
		if !ok {
			if text, err = lookup(scratch, f.path); err != nil {
				return err
			}
		}
		if f.created && text != "" {
			return errs.New(errs.HunkNotApplicable, f.path, "diff creates %s but the file already exists", f.path).
				WithModel("The diff for %s starts from /dev/null, but %s already exists. Diff against its current content instead.", f.path, f.path)
		}
		out, err := f.apply(text)
		if err != nil {
			return err
		}
		results[f.path] = out
	}
	for p, text := range results {
		scratch[p] = text
	}
	return nil
}

type hunkLine struct {
	op   byte // ' ', '-' or '+'
	text string
}

type hunk struct {
	// oldStart is 0 when the @@ header carried no line numbers.
	oldStart int
	// oldLeft and newLeft count down the line totals from the @@ header
	// while the body is read. counted is unset for a bare "@@ @@" header.
	counted          bool
	oldLeft, newLeft int
	lines            []hunkLine
	// noNewline is set when "\ No newline at end of file" follows the last
	// line of the new side.
	noNewline bool
}

func (h *hunk) add(op byte, text string) {
	h.lines = append(h.lines, hunkLine{op: op, text: text})
	if op != '+' {
		h.oldLeft--
	}
	if op != '-' {
		h.newLeft--
	}
}

// full reports whether the body holds every line the header announced.
func (h *hunk) full() bool {
	return !h.counted || h.oldLeft <= 0 && h.newLeft <= 0
}

func (h *hunk) before() []string {
	var out []string
	for _, l := range h.lines {
		if l.op != '+' {
			out = append(out, l.text)
		}
	}
	return out
}

func (h *hunk) after() []string {
	var out []string
	for _, l := range h.lines {
		if l.op != '-' {
			out = append(out, l.text)
		}
	}
	return out
}

type fileDiff struct {
	path    string
	created bool
	hunks   []*hunk
}

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

func parseUnified(text string) ([]*fileDiff, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	var (
		files []*fileDiff
		cur   *fileDiff
		h     *hunk
	)
	closeHunk := func() {
		if h == nil {
			return
		}
		for n := len(h.lines); n > 0 && h.lines[n-1].op == ' ' && strings.TrimSpace(h.lines[n-1].text) == ""; n-- {
			h.lines = h.lines[:n-1]
		}
		if len(h.lines) > 0 {
			cur.hunks = append(cur.hunks, h)
		}
		h = nil
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case fileHeader(lines[i:], h):
			closeHunk()
			oldPath := headerPath(line[4:], "a/")
			newPath := headerPath(lines[i+1][4:], "b/")
			i++
			if newPath == "/dev/null" {
				return nil, errs.New(errs.ParseError, oldPath, "diff deletes %s; deleting files is not supported", oldPath)
			}
			if newPath == "" {
				newPath = oldPath
			}
			if newPath == "" {
				return nil, errs.New(errs.ParseError, "", "diff file header without a path")
			}
			cur = &fileDiff{path: CleanPath(newPath), created: oldPath == "/dev/null"}
			files = append(files, cur)
		case strings.HasPrefix(line, "@@"):
			if cur == nil {
				return nil, errs.New(errs.ParseError, "", "hunk before any file header")
			}
			closeHunk()
			h = &hunk{}
			if m := hunkHeader.FindStringSubmatch(line); m != nil {
				h.oldStart, _ = strconv.Atoi(m[1])
				h.counted, h.oldLeft, h.newLeft = true, hunkCount(m[2]), hunkCount(m[4])
			}
		case h == nil:
			// Preamble such as "diff --git" or "index" lines.
		case strings.HasPrefix(line, "diff "):
			closeHunk()
		case strings.HasPrefix(line, `\`):
			if n := len(h.lines); n > 0 && h.lines[n-1].op != '-' {
				h.noNewline = true
			}
		case line == "":
			h.add(' ', "")
		case line[0] == ' ' || line[0] == '-' || line[0] == '+':
			h.add(line[0], line[1:])
		default:
			// Context line whose leading space was dropped.
			h.add(' ', line)
		}
	}
	if cur != nil {
		closeHunk()
	}

	if len(files) == 0 {
		return nil, errs.New(errs.ParseError, "", "diff has no file headers")
	}
	for _, f := range files {
		if len(f.hunks) == 0 {
			return nil, errs.New(errs.ParseError, f.path, "diff for %s has no hunks", f.path)
		}
	}
	return files, nil
}

// fileHeader reports whether lines starts with a "---"/"+++" pair. Inside a
// hunk that is still short of its announced lines, the pair must be followed
// by an @@ line to count.
func fileHeader(lines []string, h *hunk) bool {
	if len(lines) < 2 || !strings.HasPrefix(lines[0], "--- ") || !strings.HasPrefix(lines[1], "+++ ") {
		return false
	}
	return h == nil || h.full() || len(lines) > 2 && strings.HasPrefix(lines[2], "@@")
}

// hunkCount parses an optional @@ line count, which defaults to 1.
func hunkCount(s string) int {
	if s == "" {
		return 1
	}
	n, _ := strconv.Atoi(s)
	return n
}

func headerPath(s, prefix string) string {
	if i := strings.IndexByte(s, '\t'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(strings.TrimSpace(s), `"`)
	if s == "/dev/null" {
		return s
	}
	return strings.TrimPrefix(s, prefix)
}

func (f *fileDiff) apply(content string) (string, error) {
	lines, trailing := splitLines(content)
	if content == "" {
		trailing = true
	}
	shift, cursor := 0, 0
	for i, h := range f.hunks {
		old, repl := h.before(), h.after()

		hint := -1
		if h.oldStart > 0 {
			hint = h.oldStart - 1 + shift
			if len(old) == 0 {
				// "@@ -n,0" inserts after line n.
				hint = h.oldStart + shift
			}
		}

		pos, fuzzy, ok := locate(lines, old, hint, cursor)
		if !ok {
			first := ""
			if len(old) > 0 {
				first = old[0]
			}
			return "", errs.New(errs.HunkNotApplicable, f.path, "hunk %d of %s does not match the file", i+1, f.path).
				WithModel("Hunk %d for %s could not be applied: its context and removed lines (starting with %q) do not appear in the current file. Regenerate the diff against the file content exactly as shown.", i+1, f.path, first)
		}

		if fuzzy {
			repl = mergeContext(lines[pos:pos+len(old)], h)
		}

		out := make([]string, 0, len(lines)-len(old)+len(repl))
		out = append(out, lines[:pos]...)
		out = append(out, repl...)
		out = append(out, lines[pos+len(old):]...)
		if pos+len(old) == len(lines) && h.noNewline {
			trailing = false
		}
		lines = out

		expected := pos
		if h.oldStart > 0 {
			expected = h.oldStart - 1
			if len(old) == 0 {
				expected = h.oldStart
			}
		}
		shift = pos - expected + len(repl) - len(old)
		cursor = pos + len(repl)
	}
	return joinLines(lines, trailing), nil
}

// mergeContext builds a hunk's replacement for a whitespace-tolerant match,
// keeping the file's own text for context lines.
func mergeContext(matched []string, h *hunk) []string {
	var out []string
	j := 0
	for _, l := range h.lines {
		switch l.op {
		case ' ':
			out = append(out, matched[j])
			j++
		case '-':
			j++
		case '+':
			out = append(out, l.text)
		}
	}
	return out
}

// locate finds where old occurs in lines. Exact matches are preferred over
// whitespace-normalised ones; among candidates, those at or after cursor win,
// then the one nearest hint.
func locate(lines, old []string, hint, cursor int) (pos int, fuzzy, ok bool) {
	if len(old) == 0 {
		switch {
		case hint < 0:
			return len(lines), false, true
		case hint > len(lines):
			return len(lines), false, true
		default:
			return max(hint, 0), false, true
		}
	}
	for pass, norm := range []func(string) string{identity, squash} {
		var cands []int
		for i := 0; i+len(old) <= len(lines); i++ {
			if blockEqual(lines[i:i+len(old)], old, norm) {
				cands = append(cands, i)
			}
		}
		if p, found := pick(cands, hint, cursor); found {
			return p, pass > 0, true
		}
	}
	return 0, false, false
}

func identity(s string) string { return s }

// squash collapses whitespace runs and trims the ends.
func squash(s string) string { return strings.Join(strings.Fields(s), " ") }

func blockEqual(a, b []string, norm func(string) string) bool {
	for i := range a {
		if norm(a[i]) != norm(b[i]) {
			return false
		}
	}
	return true
}

func pick(cands []int, hint, cursor int) (int, bool) {
	if len(cands) == 0 {
		return 0, false
	}
	var after []int
	for _, c := range cands {
		if c >= cursor {
			after = append(after, c)
		}
	}
	if len(after) > 0 {
		cands = after
	}
	if hint < 0 {
		return cands[0], true
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if abs(c-hint) < abs(best-hint) {
			best = c
		}
	}
	return best, true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// splitLines splits text into lines and reports whether it ended with a
// newline.
func splitLines(text string) ([]string, bool) {
	if text == "" {
		return nil, false
	}
	trailing := strings.HasSuffix(text, "\n")
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n"), trailing
}

func joinLines(lines []string, trailing bool) string {
	if len(lines) == 0 {
		return ""
	}
	s := strings.Join(lines, "\n")
	if trailing {
		s += "\n"
	}
	return s
}
