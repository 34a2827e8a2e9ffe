package patch

import (
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/serp256/tenx/internal/errs"
)

// Replace substitutes the single exact occurrence of Old with New.
type Replace struct {
	Path string
	Old  string
	New  string
}

func (r *Replace) Kind() Kind             { return KindReplace }
func (r *Replace) ChangedFiles() []string { return []string{CleanPath(r.Path)} }
func (r *Replace) Description() string    { return "Replace in " + CleanPath(r.Path) }
func (r *Replace) mayCreate(string) bool  { return false }

func (r *Replace) ApplyToCache(scratch map[string]string) error {
	p := CleanPath(r.Path)
	text, err := lookup(scratch, p)
	if err != nil {
		return err
	}
	if r.Old == "" {
		return errs.New(errs.NoMatch, p, "text to replace is empty")
	}

	switch n := countOverlapping(text, r.Old); {
	case n == 0:
		e := errs.New(errs.NoMatch, p, "text to replace not found in %s", p)
		if best, sim := closestBlock(text, r.Old); sim >= 0.5 {
			return e.WithModel("The <old> text was not found verbatim in %s. The closest match (%.0f%% similar) is:\n%s\nCopy the old text exactly, including whitespace.", p, sim*100, best)
		}
		return e.WithModel("The <old> text was not found verbatim in %s. Copy it exactly from the file, including whitespace.", p)
	case n > 1:
		return errs.New(errs.AmbiguousMatch, p, "text to replace appears %d times in %s", n, p).
			WithModel("The <old> text appears %d times in %s. Include more surrounding lines so it matches exactly once.", n, p)
	}
	scratch[p] = strings.Replace(text, r.Old, r.New, 1)
	return nil
}

// countOverlapping counts every offset at which sub occurs in s, including
// occurrences that overlap.
func countOverlapping(s, sub string) int {
	n := 0
	for i := 0; ; {
		j := strings.Index(s[i:], sub)
		if j < 0 {
			return n
		}
		n++
		i += j + 1
	}
}

// closestBlock finds the run of lines in text most similar to target,
// comparing blocks with the same line count.
func closestBlock(text, target string) (string, float64) {
	lines := strings.Split(text, "\n")
	width := len(strings.Split(strings.TrimSuffix(target, "\n"), "\n"))
	best, bestSim := "", 0.0
	for i := 0; i+width <= len(lines); i++ {
		block := strings.Join(lines[i:i+width], "\n")
		if sim := similarity(block, strings.TrimSuffix(target, "\n")); sim > bestSim {
			best, bestSim = block, sim
		}
	}
	return best, bestSim
}

// similarity is 1 minus the normalised Levenshtein distance.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := max(len(a), len(b))
	if longest == 0 {
		return 1
	}
	// Cap the work on very long blocks.
	if longest > 4000 {
		return 0
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}
