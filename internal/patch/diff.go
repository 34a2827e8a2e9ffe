package patch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const diffContext = 3

// Diff renders the patch as a unified diff of each changed file's pre-image
// against its patched content. The cache must be prepared.
func (p *Patch) Diff() (string, error) {
	after, err := p.Transform()
	if err != nil {
		return "", err
	}
	paths := p.ChangedFiles()
	sort.Strings(paths)

	var b strings.Builder
	for _, path := range paths {
		before := p.Cache[path]
		oldName := "a/" + path
		if p.Created[path] {
			oldName = "/dev/null"
		}
		b.WriteString(FileDiff(oldName, "b/"+path, before, after[path]))
	}
	return b.String(), nil
}

type diffLine struct {
	op   diffmatchpatch.Operation
	text string
}

// FileDiff renders a unified diff between two texts. It returns "" when they
// are equal.
func FileDiff(oldName, newName, before, after string) string {
	if before == after {
		return ""
	}
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArray)

	var lines []diffLine
	for _, d := range diffs {
		for _, l := range strings.SplitAfter(d.Text, "\n") {
			if l != "" {
				lines = append(lines, diffLine{op: d.Type, text: l})
			}
		}
	}

	var out strings.Builder
	fmt.Fprintf(&out, "--- %s\n+++ %s\n", oldName, newName)
	for _, h := range groupHunks(lines) {
		oldStart, newStart, oldCount, newCount := h.oldLine, h.newLine, 0, 0
		var body strings.Builder
		for _, l := range h.lines {
			prefix := " "
			switch l.op {
			case diffmatchpatch.DiffDelete:
				prefix = "-"
				oldCount++
			case diffmatchpatch.DiffInsert:
				prefix = "+"
				newCount++
			default:
				oldCount++
				newCount++
			}
			body.WriteString(prefix + l.text)
			if !strings.HasSuffix(l.text, "\n") {
				body.WriteString("\n\\ No newline at end of file\n")
			}
		}
		if oldCount == 0 {
			oldStart--
		}
		if newCount == 0 {
			newStart--
		}
		fmt.Fprintf(&out, "@@ -%d,%d +%d,%d @@\n", oldStart, oldCount, newStart, newCount)
		out.WriteString(body.String())
	}
	return out.String()
}

type diffHunk struct {
	oldLine, newLine int
	lines            []diffLine
}

// groupHunks collects changed lines with up to diffContext lines of
// surrounding context, merging hunks whose context overlaps.
func groupHunks(lines []diffLine) []diffHunk {
	var hunks []diffHunk
	oldNo, newNo := 1, 1
	lastChange := -1
	var cur *diffHunk

	for i, l := range lines {
		if l.op != diffmatchpatch.DiffEqual {
			if cur == nil || i-lastChange > 2*diffContext {
				start := max(i-diffContext, lastChange+1, 0)
				if cur != nil {
					// Close the previous hunk with trailing context.
					cur.lines = append(cur.lines, lines[lastChange+1:min(lastChange+1+diffContext, i)]...)
					hunks = append(hunks, *cur)
				}
				back := i - start
				cur = &diffHunk{oldLine: oldNo - back, newLine: newNo - back}
				cur.lines = append(cur.lines, lines[start:i]...)
			} else {
				cur.lines = append(cur.lines, lines[lastChange+1:i]...)
			}
			cur.lines = append(cur.lines, l)
			lastChange = i
		}
		switch l.op {
		case diffmatchpatch.DiffDelete:
			oldNo++
		case diffmatchpatch.DiffInsert:
			newNo++
		default:
			oldNo++
			newNo++
		}
	}
	if cur != nil {
		cur.lines = append(cur.lines, lines[lastChange+1:min(lastChange+1+diffContext, len(lines))]...)
		hunks = append(hunks, *cur)
	}
	return hunks
}
