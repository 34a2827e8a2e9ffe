package patch

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/serp256/tenx/internal/errs"
)

// braceLanguage merges declarations in curly-brace languages (Rust, C, C++,
// Java, JavaScript and TypeScript). Sources are masked so that comments,
// strings and regular expression literals cannot confuse brace matching;
// items are then delimited by their terminating ';' or balanced '{...}' body.
type braceLanguage struct {
	// nestedComments also enables Rust raw strings.
	nestedComments     bool
	singleQuoteStrings bool
	templateStrings    bool
	regexLiterals      bool
	// textBlocks are Java's """ strings.
	textBlocks    bool
	cppRawStrings bool
}

func (l braceLanguage) merge(target, text string) (string, error) {
	if _, err := l.parse(target); err != nil {
		return "", errs.Wrap(errs.ParseError, "", err, "existing file does not parse")
	}
	incoming, err := l.parse(text)
	if err != nil {
		return "", errs.Wrap(errs.ParseError, "", err, "declarations do not parse").
			WithModel("The smart block could not be parsed (%v). Send complete declarations with balanced braces.", err)
	}
	if len(incoming) == 0 {
		return "", errs.New(errs.ParseError, "", "smart block holds no declarations")
	}

	out := target
	for _, nd := range incoming {
		if out, err = l.mergeAt(out, nil, nd, text); err != nil {
			return "", err
		}
	}
	return out, nil
}

// mergeAt merges nd, a declaration of text, into the scope of out named by
// the container keys in path.
func (l braceLanguage) mergeAt(out string, path []string, nd decl, text string) (string, error) {
	decls, err := l.parse(out)
	if err != nil {
		return "", errs.Wrap(errs.ParseError, "", err, "merged file does not parse")
	}

	scope, at := decls, len(out)
	if n := len(decls); n > 0 {
		at = decls[n-1].end
	}
	for _, key := range path {
		ms := findKey(scope, key)
		if len(ms) != 1 {
			return "", errs.New(errs.AmbiguousTarget, "", "%s matches %d declarations", key, len(ms))
		}
		scope, at = ms[0].children, ms[0].open+1
		if n := len(scope); n > 0 {
			at = scope[n-1].end
		}
	}

	matches := findKey(scope, nd.key)
	switch {
	case len(matches) > 1:
		return "", errs.New(errs.AmbiguousTarget, "", "%s matches %d declarations", nd.key, len(matches)).
			WithModel("The declaration %q matches %d existing declarations. Use a replace edit with enough context instead.", nd.key, len(matches))
	case len(matches) == 1:
		m := matches[0]
		if m.container && nd.container && len(nd.children) > 0 {
			inner := append(path[:len(path):len(path)], nd.key)
			for _, c := range nd.children {
				if out, err = l.mergeAt(out, inner, c, text); err != nil {
					return "", err
				}
			}
			return out, nil
		}
		return out[:m.start] + text[nd.start:nd.end] + out[m.end:], nil
	}

	snippet := text[nd.start:nd.end]
	if len(path) > 0 {
		snippet = text[lineStart(text, nd.start):nd.end]
	}
	return insertDecl(out, at, snippet), nil
}

func (l braceLanguage) parse(src string) ([]decl, error) {
	masked, err := l.mask(src)
	if err != nil {
		return nil, err
	}
	return items(src, masked, 0, len(masked))
}

// mask blanks comments and string contents with spaces, keeping offsets and
// newlines intact.
func (l braceLanguage) mask(src string) (string, error) {
	b := []byte(src)
	blank := func(from, to int) {
		for k := from; k < to; k++ {
			if b[k] != '\n' {
				b[k] = ' '
			}
		}
	}

	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case strings.HasPrefix(src[i:], "//"):
			j := strings.IndexByte(src[i:], '\n')
			if j < 0 {
				j = len(src) - i
			}
			blank(i, i+j)
			i += j
		case strings.HasPrefix(src[i:], "/*"):
			depth, j := 1, i+2
			for j < len(src) && depth > 0 {
				switch {
				case strings.HasPrefix(src[j:], "*/"):
					depth--
					j += 2
				case l.nestedComments && strings.HasPrefix(src[j:], "/*"):
					depth++
					j += 2
				default:
					j++
				}
			}
			if depth > 0 {
				return "", fmt.Errorf("unterminated block comment at offset %d", i)
			}
			blank(i, j)
			i = j
		case l.nestedComments && c == 'r' && (i == 0 || !isIdent(src[i-1])) && rawStringStart(src[i+1:]):
			k := i + 1
			for src[k] == '#' {
				k++
			}
			closing := `"` + strings.Repeat("#", k-i-1)
			end := strings.Index(src[k+1:], closing)
			if end < 0 {
				return "", fmt.Errorf("unterminated raw string at offset %d", i)
			}
			blank(k+1, k+1+end)
			i = k + 1 + end + len(closing)
		case l.cppRawStrings && c == 'R' && (i == 0 || !isIdent(src[i-1])) && strings.HasPrefix(src[i+1:], `"`):
			open := strings.IndexByte(src[i+2:], '(')
			if open < 0 {
				return "", fmt.Errorf("malformed raw string at offset %d", i)
			}
			closing := ")" + src[i+2:i+2+open] + `"`
			end := strings.Index(src[i+3+open:], closing)
			if end < 0 {
				return "", fmt.Errorf("unterminated raw string at offset %d", i)
			}
			blank(i+3+open, i+3+open+end)
			i = i + 3 + open + end + len(closing)
		case l.textBlocks && strings.HasPrefix(src[i:], `"""`):
			end := strings.Index(src[i+3:], `"""`)
			if end < 0 {
				return "", fmt.Errorf("unterminated text block at offset %d", i)
			}
			blank(i+3, i+3+end)
			i += 3 + end + 3
		case c == '`' && l.templateStrings:
			j, err := closeTemplate(src, i)
			if err != nil {
				return "", err
			}
			blank(i+1, j)
			i = j + 1
		case c == '/' && l.regexLiterals && regexAllowed(b[:i]):
			if j := closeRegex(src, i); j > 0 {
				blank(i+1, j)
				i = j + 1
			} else {
				i++
			}
		case c == '"' || (c == '\'' && l.singleQuoteStrings):
			j, err := closeQuote(src, i)
			if err != nil {
				return "", err
			}
			blank(i+1, j)
			i = j + 1
		case c == '\'':
			// Character literal, or a Rust lifetime which is left alone.
			if n := charLiteralLen(src[i:]); n > 0 {
				blank(i+1, i+n-1)
				i += n
			} else {
				i++
			}
		default:
			i++
		}
	}
	return string(b), nil
}

func rawStringStart(s string) bool {
	k := 0
	for k < len(s) && s[k] == '#' {
		k++
	}
	return k < len(s) && s[k] == '"'
}

func closeQuote(src string, i int) (int, error) {
	q := src[i]
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case q:
			return j, nil
		}
	}
	return 0, fmt.Errorf("unterminated string at offset %d", i)
}

// closeTemplate returns the offset of the backtick closing the template
// literal opened at src[i], skipping over ${...} substitutions and any
// strings or templates nested in them.
func closeTemplate(src string, i int) (int, error) {
	for j := i + 1; j < len(src); j++ {
		switch {
		case src[j] == '\\':
			j++
		case src[j] == '`':
			return j, nil
		case strings.HasPrefix(src[j:], "${"):
			depth := 1
			for j += 2; j < len(src) && depth > 0; j++ {
				switch c := src[j]; c {
				case '{':
					depth++
				case '}':
					depth--
				case '`':
					end, err := closeTemplate(src, j)
					if err != nil {
						return 0, err
					}
					j = end
				case '"', '\'':
					end, err := closeQuote(src, j)
					if err != nil {
						return 0, err
					}
					j = end
				}
			}
			j--
		}
	}
	return 0, fmt.Errorf("unterminated template literal at offset %d", i)
}

// regexAllowed reports whether a '/' following the masked text before can
// start a regular expression literal rather than a division.
func regexAllowed(before []byte) bool {
	k := len(before) - 1
	for k >= 0 && isSpace(before[k]) {
		k--
	}
	if k < 0 {
		return true
	}
	if strings.IndexByte("(,=:[!&|?{};+-*%<>~^", before[k]) >= 0 {
		return true
	}
	if !isIdent(before[k]) && before[k] != '$' {
		return false
	}
	end := k + 1
	for k >= 0 && (isIdent(before[k]) || before[k] == '$') {
		k--
	}
	return regexKeywords[string(before[k+1:end])]
}

var regexKeywords = map[string]bool{
	"return": true, "typeof": true, "instanceof": true, "in": true, "of": true,
	"new": true, "delete": true, "void": true, "throw": true, "case": true,
	"do": true, "else": true, "yield": true, "await": true,
}

// closeRegex returns the offset of the '/' ending the regular expression
// literal opened at src[i], or -1 when the line holds none.
func closeRegex(src string, i int) int {
	class := false
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case '\n':
			return -1
		case '[':
			class = true
		case ']':
			class = false
		case '/':
			if !class {
				return j
			}
		}
	}
	return -1
}

// charLiteralLen returns the length of a character literal starting at s[0],
// or 0 when s does not start one.
func charLiteralLen(s string) int {
	if len(s) < 3 {
		return 0
	}
	if s[1] == '\\' {
		if end := strings.IndexByte(s[2:], '\''); end >= 0 && end < 10 {
			return end + 3
		}
		return 0
	}
	_, size := utf8.DecodeRuneInString(s[1:])
	if 1+size < len(s) && s[1+size] == '\'' {
		return size + 2
	}
	return 0
}

func isIdent(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// items splits m[lo:hi] into declarations.
func items(src, m string, lo, hi int) ([]decl, error) {
	var out []decl
	prevEnd := lo
	for i := lo; ; {
		for i < hi && (isSpace(m[i]) || m[i] == ';') {
			i++
		}
		if i >= hi {
			return out, nil
		}

		var d decl
		switch {
		case strings.HasPrefix(m[i:hi], "#!["):
			j, err := matching(m, i+2, hi, '[', ']')
			if err != nil {
				return nil, err
			}
			d = decl{key: squash(m[i : j+1]), start: i, end: j + 1}
		case m[i] == '#' && !strings.HasPrefix(m[i:hi], "#["):
			j := i
			for {
				nl := strings.IndexByte(m[j:hi], '\n')
				if nl < 0 {
					j = hi
					break
				}
				j += nl
				if m[j-1] != '\\' {
					break
				}
				j++
			}
			d = decl{key: squash(m[i:j]), start: i, end: j}
		default:
			end, open, close, err := scanItem(m, i, hi)
			if err != nil {
				return nil, err
			}
			headerEnd := end
			if open >= 0 {
				headerEnd = open
			}
			key, container := itemKey(m[i:headerEnd])
			if importRe.MatchString(key) {
				// Imports are identified by their full text, string literals included.
				key = squash(src[i:end])
			}
			d = decl{key: key, start: i, end: end, open: open, close: close}
			if container && open >= 0 {
				if kids, err := items(src, m, open+1, close); err == nil {
					d.container, d.children = true, kids
				}
			}
		}
		i = d.end
		d.start = docStart(src, m, prevEnd, d.start)
		out = append(out, d)
		prevEnd = d.end
	}
}

// scanItem finds the end of the declaration starting at i. open and close
// are the offsets of its body braces, or -1 for bodyless items.
func scanItem(m string, i, hi int) (end, open, close int, err error) {
	depth := 0
	for j := i; j < hi; j++ {
		switch m[j] {
		case '(', '[':
			depth++
		case ')', ']':
			depth--
			if depth < 0 {
				return 0, 0, 0, fmt.Errorf("unbalanced %q at offset %d", m[j], j)
			}
		case '{':
			k, err := matching(m, j, hi, '{', '}')
			if err != nil {
				return 0, 0, 0, err
			}
			if depth > 0 {
				j = k
				continue
			}
			// Code after the closing brace on the same line belongs to the
			// item, as in "import { a } from 'a';" or "struct S {} s;".
			end := k + 1
			rest := m[end:hi]
			if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
				rest = rest[:nl]
			}
			if semi := strings.IndexByte(rest, ';'); semi >= 0 {
				end += semi + 1
			} else if strings.TrimSpace(rest) != "" {
				end += len(rest)
			}
			return end, j, k, nil
		case '}':
			return 0, 0, 0, fmt.Errorf("unexpected '}' at offset %d", j)
		case ';':
			if depth == 0 {
				return j + 1, -1, -1, nil
			}
		case '\n':
			if depth == 0 && endsStatement(m[i:j], m[j+1:hi]) {
				return j, -1, -1, nil
			}
		}
	}
	if depth == 0 && strings.TrimSpace(attrRe.ReplaceAllString(m[i:hi], "")) != "" && hi == len(m) && startsDecl(strings.TrimSpace(m[i:hi])) {
		return hi, -1, -1, nil
	}
	return 0, 0, 0, fmt.Errorf("declaration at offset %d is not terminated", i)
}

func matching(m string, j, hi int, open, close byte) (int, error) {
	depth := 0
	for k := j; k < hi; k++ {
		switch m[k] {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return k, nil
			}
		}
	}
	return 0, fmt.Errorf("unbalanced %q at offset %d", open, j)
}

var startWords = map[string]bool{
	"import": true, "export": true, "function": true, "class": true, "const": true,
	"let": true, "var": true, "val": true, "interface": true, "type": true,
	"enum": true, "fun": true, "func": true, "struct": true, "package": true,
	"pub": true, "fn": true, "impl": true, "use": true, "mod": true,
	"trait": true, "async": true, "namespace": true, "public": true,
	"private": true, "protected": true, "static": true, "abstract": true,
}

// endsStatement decides whether a newline terminates a header that lacks a
// ';', as in languages with optional semicolons.
func endsStatement(header, rest string) bool {
	h := strings.TrimSpace(attrRe.ReplaceAllString(header, ""))
	if h == "" || strings.ContainsAny(h[len(h)-1:], ",([{=+-*/|&<>:.!?\\") {
		return false
	}
	return startsDecl(strings.TrimSpace(rest))
}

func startsDecl(s string) bool {
	word := s
	if i := strings.IndexFunc(s, func(r rune) bool { return !(r == '_' || r == '$' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') }); i >= 0 {
		word = s[:i]
	}
	return startWords[word]
}

// docStart extends a declaration start backwards over the comment lines
// directly above it, stopping at a blank line or at prevEnd.
func docStart(src, m string, prevEnd, start int) int {
	ls := lineStart(src, start)
	if strings.TrimSpace(src[max(ls, prevEnd):start]) != "" {
		return start
	}
	best := start
	for cur := ls; cur > prevEnd; {
		nl := cur - 1
		pls := lineStart(src, nl)
		if pls < prevEnd {
			break
		}
		line := src[pls:nl]
		if strings.TrimSpace(line) == "" || strings.TrimSpace(m[pls:nl]) != "" {
			break
		}
		best = pls + len(line) - len(strings.TrimLeft(line, " \t"))
		cur = pls
	}
	return best
}

var (
	attrRe    = regexp.MustCompile(`#!?\[[^\]]*\]|@[A-Za-z_][\w.]*(\([^)]*\))?`)
	implRe    = regexp.MustCompile(`^(?:(?:pub(?:\([^)]*\))?|unsafe|default)\s+)*impl\b`)
	kindRe    = regexp.MustCompile(`\b(fn|func|function|fun|def|struct|enum|union|trait|class|interface|type|mod|module|namespace|object|record|macro_rules!)\s*\*?\s*([A-Za-z_$][\w$]*)`)
	varRe     = regexp.MustCompile(`\b(const|static|let|var|val)\s+(?:mut\s+)?([A-Za-z_$][\w$]*)\s*(?:[:=;,]|$)`)
	callRe    = regexp.MustCompile(`([A-Za-z_$~][\w$:~]*)\s*(?:<[^()]*>)?\s*\(`)
	reserved  = map[string]bool{"fn": true, "unsafe": true, "async": true, "extern": true, "function": true}
	controlRe = regexp.MustCompile(`^(if|for|while|switch|return|catch|sizeof)$`)
	importRe  = regexp.MustCompile(`^(use|import)\b`)
)

var containerKinds = map[string]bool{
	"trait": true, "mod": true, "class": true, "interface": true,
	"namespace": true, "module": true, "object": true,
}

// itemKey derives the structural key of a declaration header (the masked
// text before its body) and reports whether its body holds declarations.
func itemKey(header string) (string, bool) {
	h := squash(attrRe.ReplaceAllString(header, " "))
	if loc := implRe.FindStringIndex(h); loc != nil {
		return "impl" + h[loc[1]:], true
	}

	best, key, container := -1, "", false
	for _, m := range kindRe.FindAllStringSubmatchIndex(h, -1) {
		name := h[m[4]:m[5]]
		if reserved[name] {
			continue
		}
		kind := h[m[2]:m[3]]
		switch kind {
		case "func", "function", "fun", "def":
			kind = "fn"
		case "macro_rules!":
			kind = "macro"
		}
		best, key, container = m[0], kind+" "+name, containerKinds[kind]
		break
	}
	if m := varRe.FindStringSubmatchIndex(h); m != nil && (best < 0 || m[0] < best) && !reserved[h[m[4]:m[5]]] {
		return "var " + h[m[4]:m[5]], false
	}
	if best >= 0 {
		return key, container
	}
	if m := callRe.FindStringSubmatch(h); m != nil && !controlRe.MatchString(m[1]) {
		return "fn " + m[1], false
	}
	if i := strings.IndexByte(h, '='); i > 0 {
		h = strings.TrimSpace(h[:i])
	}
	return h, false
}
