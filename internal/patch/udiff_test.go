package patch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serp256/tenx/internal/errs"
)

func applyUDiff(t *testing.T, diff string, scratch map[string]string) error {
	t.Helper()
	u, err := NewUDiff(diff)
	require.NoError(t, err)
	return u.ApplyToCache(scratch)
}

func TestUDiffSimple(t *testing.T) {
	scratch := map[string]string{"f.txt": "a\nb\nc\nd\ne\n"}
	diff := "--- a/f.txt\n+++ b/f.txt\n@@ -2,3 +2,3 @@\n b\n-c\n+C\n d\n"
	require.NoError(t, applyUDiff(t, diff, scratch))
	assert.Equal(t, "a\nb\nC\nd\ne\n", scratch["f.txt"])
}

func TestUDiffGitPreambleAndDroppedSpace(t *testing.T) {
	scratch := map[string]string{"f.txt": "a\nb\nc\n"}
	diff := "diff --git a/f.txt b/f.txt\nindex 123..456 100644\n--- a/f.txt\n+++ b/f.txt\n@@ -1,3 +1,3 @@\na\n-b\n+B\n c\n"
	require.NoError(t, applyUDiff(t, diff, scratch))
	assert.Equal(t, "a\nB\nc\n", scratch["f.txt"])
}

func TestUDiffLineDrift(t *testing.T) {
	scratch := map[string]string{"f.txt": "a\nb\nc\n"}
	diff := "--- a/f.txt\n+++ b/f.txt\n@@ -40,2 +40,2 @@\n b\n-c\n+c2\n"
	require.NoError(t, applyUDiff(t, diff, scratch))
	assert.Equal(t, "a\nb\nc2\n", scratch["f.txt"])
}

func TestUDiffPrefersHintedOccurrence(t *testing.T) {
	scratch := map[string]string{"f.txt": "x\ny\nx\ny\n"}
	diff := "--- a/f.txt\n+++ b/f.txt\n@@ -3,2 +3,2 @@\n x\n-y\n+Y\n"
	require.NoError(t, applyUDiff(t, diff, scratch))
	assert.Equal(t, "x\ny\nx\nY\n", scratch["f.txt"])
}

func TestUDiffHunksShiftLaterHunks(t *testing.T) {
	scratch := map[string]string{"n.txt": "1\n2\n3\n4\n5\n6\n7\n8\n9\n10\n"}
	diff := "--- a/n.txt\n+++ b/n.txt\n" +
		"@@ -1,2 +1,3 @@\n 1\n+1a\n 2\n" +
		"@@ -8,2 +9,2 @@\n 8\n-9\n+nine\n"
	require.NoError(t, applyUDiff(t, diff, scratch))
	assert.Equal(t, "1\n1a\n2\n3\n4\n5\n6\n7\n8\nnine\n10\n", scratch["n.txt"])
}

func TestUDiffWhitespaceTolerant(t *testing.T) {
	scratch := map[string]string{"f.go": "func f() {\n    return 1\n}\n"}
	diff := "--- a/f.go\n+++ b/f.go\n@@ -1,3 +1,3 @@\n func f() {\n-  return 1\n+    return 2\n }\n"
	require.NoError(t, applyUDiff(t, diff, scratch))
	assert.Equal(t, "func f() {\n    return 2\n}\n", scratch["f.go"])
}

func TestUDiffKeepsFileContextOnFuzzyMatch(t *testing.T) {
	scratch := map[string]string{"f.py": "if x:\n\tcall()\n\tother()\n"}
	diff := "--- a/f.py\n+++ b/f.py\n@@ -1,3 +1,3 @@\n if x:\n     call()\n-    other()\n+    done()\n"
	require.NoError(t, applyUDiff(t, diff, scratch))
	assert.Equal(t, "if x:\n\tcall()\n    done()\n", scratch["f.py"])
}

func TestUDiffHunkNotApplicable(t *testing.T) {
	scratch := map[string]string{"f.txt": "a\nb\n", "g.txt": "g\n"}
	diff := "--- a/g.txt\n+++ b/g.txt\n@@ -1 +1 @@\n-g\n+G\n" +
		"--- a/f.txt\n+++ b/f.txt\n@@ -1,2 +1,2 @@\n zzz\n-b\n+c\n"
	err := applyUDiff(t, diff, scratch)
	require.Error(t, err)
	assert.Equal(t, errs.HunkNotApplicable, errs.KindOf(err))
	assert.Equal(t, "a\nb\n", scratch["f.txt"])
	assert.Equal(t, "g\n", scratch["g.txt"], "no file of a failing diff is modified")
}

func TestUDiffNewFile(t *testing.T) {
	u, err := NewUDiff("--- /dev/null\n+++ b/new.txt\n@@ -0,0 +1,2 @@\n+hello\n+world\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"new.txt"}, u.ChangedFiles())
	assert.True(t, u.mayCreate("new.txt"))
	assert.False(t, u.mayCreate("other.txt"))

	scratch := map[string]string{"new.txt": ""}
	require.NoError(t, u.ApplyToCache(scratch))
	assert.Equal(t, "hello\nworld\n", scratch["new.txt"])
}

func TestUDiffNewFileRefusesExisting(t *testing.T) {
	fsys := newFS(t, map[string]string{"a.txt": "old\n"})
	u, err := NewUDiff("--- /dev/null\n+++ b/a.txt\n@@ -0,0 +1 @@\n+new\n")
	require.NoError(t, err)

	p := &Patch{Changes: []Change{u}}
	err = p.Apply(fsys, rootResolver(root))
	require.Error(t, err)
	assert.Equal(t, errs.HunkNotApplicable, errs.KindOf(err))
	assert.Contains(t, err.Error(), "already exists")
	assert.Equal(t, "old\n", readFile(t, fsys, "a.txt"))
}

func TestUDiffBodyLinesLookingLikeHeaders(t *testing.T) {
	scratch := map[string]string{"q.sql": "select 1;\n-- comment\nselect 2;\n"}
	diff := "--- a/q.sql\n+++ b/q.sql\n@@ -2 +2 @@\n--- comment\n+++ y\n"
	require.NoError(t, applyUDiff(t, diff, scratch))
	assert.Equal(t, "select 1;\n++ y\nselect 2;\n", scratch["q.sql"])
}

func TestUDiffHeaderAfterCountedHunk(t *testing.T) {
	diff := "--- a/x\n+++ b/x\n@@ -1 +1 @@\n-a\n+b\n--- a/y\n+++ b/y\n@@ -1 +1 @@\n-c\n+d\n"
	u, err := NewUDiff(diff)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, u.ModifiedFiles)
}

func TestUDiffOverstatedCounts(t *testing.T) {
	diff := "--- a/x\n+++ b/x\n@@ -1,5 +1,5 @@\n-a\n+b\n--- a/y\n+++ b/y\n@@ -1 +1 @@\n-c\n+d\n"
	u, err := NewUDiff(diff)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, u.ModifiedFiles)
}

func TestUDiffNoNewlineMarker(t *testing.T) {
	scratch := map[string]string{"x": "a\nb"}
	diff := "--- a/x\n+++ b/x\n@@ -1,2 +1,2 @@\n a\n-b\n\\ No newline at end of file\n+B\n\\ No newline at end of file\n"
	require.NoError(t, applyUDiff(t, diff, scratch))
	assert.Equal(t, "a\nB", scratch["x"])
}

func TestUDiffSameFileTwice(t *testing.T) {
	scratch := map[string]string{"f": "a\nb\n"}
	diff := "--- a/f\n+++ b/f\n@@ -1 +1 @@\n-a\n+A\n--- a/f\n+++ b/f\n@@ -1,2 +1,2 @@\n A\n-b\n+B\n"
	u, err := NewUDiff(diff)
	require.NoError(t, err)
	assert.Equal(t, []string{"f"}, u.ModifiedFiles)
	require.NoError(t, u.ApplyToCache(scratch))
	assert.Equal(t, "A\nB\n", scratch["f"])
}

func TestUDiffParseErrors(t *testing.T) {
	tests := map[string]string{
		"no headers": "just some text\n",
		"no hunks":   "--- a/f\n+++ b/f\n",
		"deletion":   "--- a/f\n+++ /dev/null\n@@ -1 +0,0 @@\n-a\n",
		"orphan":     "@@ -1 +1 @@\n-a\n+b\n",
	}
	for name, diff := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewUDiff(diff)
			assert.Equal(t, errs.ParseError, errs.KindOf(err))
		})
	}
}

func TestUDiffRoundTripWithFileDiff(t *testing.T) {
	before := "one\ntwo\nthree\nfour\nfive\nsix\nseven\neight\nnine\nten\n"
	after := "one\ntwo\n3\nfour\nfive\nsix\nseven\neight\nnine\nten\neleven\n"
	diff := FileDiff("a/f.txt", "b/f.txt", before, after)

	scratch := map[string]string{"f.txt": before}
	require.NoError(t, applyUDiff(t, diff, scratch))
	assert.Equal(t, after, scratch["f.txt"])
}
