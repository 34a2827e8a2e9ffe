package patch

import (
	"path/filepath"
	"strings"

	"github.com/serp256/tenx/internal/errs"
)

// Smart merges declarations into a file by structural identity. Each
// top-level declaration in Text replaces the declaration with the same key
// in the file, or is appended to the enclosing scope when none exists.
type Smart struct {
	Path string
	Text string
}

func (s *Smart) Kind() Kind             { return KindSmart }
func (s *Smart) ChangedFiles() []string { return []string{CleanPath(s.Path)} }
func (s *Smart) Description() string    { return "Smart in " + CleanPath(s.Path) }
func (s *Smart) mayCreate(string) bool  { return false }

func (s *Smart) ApplyToCache(scratch map[string]string) error {
	p := CleanPath(s.Path)
	text, err := lookup(scratch, p)
	if err != nil {
		return err
	}
	lang, ok := languageFor(p)
	if !ok {
		return errs.New(errs.ParseError, p, "smart merge does not support %s files", filepath.Ext(p)).
			WithModel("Smart edits are not supported for %s. Use a replace or a full file write instead.", p)
	}
	out, err := lang.merge(text, s.Text)
	if err != nil {
		if e, ok := err.(*errs.Error); ok && e.Path == "" {
			e.Path = p
		}
		return err
	}
	scratch[p] = out
	return nil
}

// decl is one declaration located in a source text. Offsets are bytes;
// start includes attached doc comments and attributes.
type decl struct {
	key   string
	start int
	end   int

	container bool
	// open and close are the offsets of a container's braces.
	open, close int
	children    []decl
}

type language interface {
	merge(target, text string) (string, error)
}

var (
	cLike  = braceLanguage{cppRawStrings: true}
	jsLike = braceLanguage{singleQuoteStrings: true, templateStrings: true, regexLiterals: true}
)

// JSX and TSX are left out: apostrophes in element text read as unterminated
// strings.
var braceExts = map[string]braceLanguage{
	".rs":   {nestedComments: true},
	".c":    cLike,
	".h":    cLike,
	".cc":   cLike,
	".cpp":  cLike,
	".hpp":  cLike,
	".java": {textBlocks: true},
	".js":   jsLike,
	".mjs":  jsLike,
	".ts":   jsLike,
}

func languageFor(p string) (language, bool) {
	ext := strings.ToLower(filepath.Ext(p))
	if ext == ".go" {
		return goLanguage{}, true
	}
	l, ok := braceExts[ext]
	return l, ok
}

// findKey returns the declarations in scope whose key is key.
func findKey(scope []decl, key string) []decl {
	var out []decl
	for _, d := range scope {
		if d.key == key {
			out = append(out, d)
		}
	}
	return out
}

// lineStart returns the offset of the first byte of the line holding off.
func lineStart(s string, off int) int {
	return strings.LastIndexByte(s[:off], '\n') + 1
}

// insertDecl places snippet at off, separated from preceding code by a blank
// line.
func insertDecl(src string, off int, snippet string) string {
	before, after := src[:off], src[off:]
	switch {
	case strings.TrimSpace(before) == "":
		// Nothing ahead of us.
	case strings.HasSuffix(before, "{"):
		before += "\n"
	default:
		before = strings.TrimRight(before, " \t\n") + "\n\n"
	}
	if after == "" {
		return before + snippet + "\n"
	}
	if strings.HasPrefix(strings.TrimLeft(after, " \t"), "\n") {
		return before + snippet + after
	}
	return before + snippet + "\n" + after
}
