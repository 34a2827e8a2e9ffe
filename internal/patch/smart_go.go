package patch

import (
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/tools/go/ast/astutil"

	"github.com/serp256/tenx/internal/errs"
)

type goLanguage struct{}

func (goLanguage) merge(target, text string) (string, error) {
	if _, _, err := parseGoDecls(target, false); err != nil {
		return "", errs.Wrap(errs.ParseError, "", err, "existing file does not parse")
	}
	incoming, imports, err := parseGoDecls(text, true)
	if err != nil {
		return "", errs.Wrap(errs.ParseError, "", err, "declarations do not parse").
			WithModel("The smart block is not valid Go: %v", err)
	}
	if len(incoming) == 0 && len(imports) == 0 {
		return "", errs.New(errs.ParseError, "", "smart block holds no declarations")
	}

	out := target
	for _, nd := range incoming {
		decls, _, err := parseGoDecls(out, false)
		if err != nil {
			return "", errs.Wrap(errs.ParseError, "", err, "merged file does not parse")
		}
		if out, err = mergeGoDecl(out, decls, nd); err != nil {
			return "", err
		}
	}

	if len(imports) > 0 {
		fset := token.NewFileSet()
		f, err := parser.ParseFile(fset, "", out, parser.ParseComments)
		if err != nil {
			return "", errs.Wrap(errs.ParseError, "", err, "merged file does not parse")
		}
		for _, imp := range imports {
			astutil.AddNamedImport(fset, f, imp.name, imp.path)
		}
		var b strings.Builder
		if err := format.Node(&b, fset, f); err != nil {
			return "", errs.Wrap(errs.ParseError, "", err, "format merged file")
		}
		out = b.String()
	}

	formatted, err := format.Source([]byte(out))
	if err != nil {
		return "", errs.Wrap(errs.ParseError, "", err, "merged file is not valid Go")
	}
	return string(formatted), nil
}

type goDecl struct {
	decl
	text string
	// tok is token.ILLEGAL for functions and methods.
	tok     token.Token
	grouped bool
	specs   []goSpec
}

// goSpec is one spec of a var, const or type declaration.
type goSpec struct {
	names      string
	start, end int
	doc, body  string
}

func mergeGoDecl(out string, decls []goDecl, nd goDecl) (string, error) {
	if !appendOnly(nd) {
		switch matches := findKey(plain(decls), nd.key); len(matches) {
		case 0:
		case 1:
			m := matches[0]
			return out[:m.start] + nd.text + out[m.end:], nil
		default:
			return "", errs.New(errs.AmbiguousTarget, "", "%s is declared %d times", nd.key, len(matches))
		}
		if nd.tok != token.ILLEGAL {
			return mergeSpecs(out, decls, nd)
		}
	}
	return insertDecl(out, declsEnd(out, decls), nd.text), nil
}

// mergeSpecs merges a var, const or type declaration spec by spec, so that
// a member of a grouped declaration is replaced where it stands.
func mergeSpecs(out string, decls []goDecl, nd goDecl) (string, error) {
	type edit struct {
		start, end int
		text       string
	}
	var (
		edits []edit
		fresh []goSpec
		taken = map[int]bool{}
	)
	for _, s := range nd.specs {
		if s.names == "_" {
			fresh = append(fresh, s)
			continue
		}
		var exact []edit
		overlap := false
		for _, d := range decls {
			for _, ts := range d.specs {
				switch {
				case ts.names == s.names && !d.grouped:
					exact = append(exact, edit{d.start, d.end, s.doc + nd.tok.String() + " " + s.body})
				case ts.names == s.names && d.tok == nd.tok:
					exact = append(exact, edit{ts.start, ts.end, s.doc + s.body})
				case sharesName(ts.names, s.names):
					overlap = true
				}
			}
		}
		switch {
		case len(exact) == 0 && !overlap:
			fresh = append(fresh, s)
		case len(exact) == 1 && !overlap && !taken[exact[0].start]:
			taken[exact[0].start] = true
			edits = append(edits, exact[0])
		default:
			return "", errs.New(errs.AmbiguousTarget, "", "%s %s conflicts with existing declarations", nd.tok, s.names).
				WithModel("The declaration of %s does not line up with an existing declaration of the same names. Use a replace edit with enough context instead.", s.names)
		}
	}
	if len(edits) == 0 {
		return insertDecl(out, declsEnd(out, decls), nd.text), nil
	}

	if len(fresh) > 0 {
		var b strings.Builder
		b.WriteString(nd.tok.String())
		if len(fresh) == 1 {
			b.WriteString(" " + fresh[0].body)
			out = insertDecl(out, declsEnd(out, decls), fresh[0].doc+b.String())
		} else {
			b.WriteString(" (\n")
			for _, s := range fresh {
				b.WriteString(s.doc + s.body + "\n")
			}
			b.WriteString(")")
			out = insertDecl(out, declsEnd(out, decls), b.String())
		}
	}
	sort.Slice(edits, func(i, j int) bool { return edits[i].start > edits[j].start })
	for _, e := range edits {
		out = out[:e.start] + e.text + out[e.end:]
	}
	return out, nil
}

// appendOnly reports declarations that may legally repeat: init functions
// and blank-identifier vars.
func appendOnly(nd goDecl) bool {
	if nd.tok == token.ILLEGAL {
		return nd.key == "func init"
	}
	for _, s := range nd.specs {
		for _, n := range strings.Split(s.names, ",") {
			if n != "_" {
				return false
			}
		}
	}
	return true
}

func sharesName(a, b string) bool {
	for _, x := range strings.Split(a, ",") {
		for _, y := range strings.Split(b, ",") {
			if x == y && x != "_" {
				return true
			}
		}
	}
	return false
}

func declsEnd(out string, decls []goDecl) int {
	if n := len(decls); n > 0 {
		return decls[n-1].end
	}
	return len(out)
}

type goImport struct{ name, path string }

func plain(ds []goDecl) []decl {
	out := make([]decl, len(ds))
	for i, d := range ds {
		out[i] = d.decl
	}
	return out
}

// parseGoDecls parses src as a Go file. When snippet is set, a missing
// package clause is tolerated.
func parseGoDecls(src string, snippet bool) ([]goDecl, []goImport, error) {
	offset := 0
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "", src, parser.ParseComments)
	if err != nil && snippet && !strings.HasPrefix(strings.TrimSpace(src), "package ") {
		const prefix = "package _tenx\n\n"
		fset = token.NewFileSet()
		f, err = parser.ParseFile(fset, "", prefix+src, parser.ParseComments)
		offset = len(prefix)
		src = prefix + src
	}
	if err != nil {
		return nil, nil, err
	}

	pos := func(p token.Pos) int { return fset.Position(p).Offset }

	var decls []goDecl
	var imports []goImport
	for _, d := range f.Decls {
		var (
			gd    goDecl
			start = d.Pos()
		)
		switch d := d.(type) {
		case *ast.FuncDecl:
			gd.key = "func " + d.Name.Name
			if d.Recv != nil && len(d.Recv.List) > 0 {
				gd.key = "method " + recvName(d.Recv.List[0].Type) + "." + d.Name.Name
			}
			if d.Doc != nil {
				start = d.Doc.Pos()
			}
		case *ast.GenDecl:
			if d.Tok == token.IMPORT {
				for _, s := range d.Specs {
					is := s.(*ast.ImportSpec)
					path, _ := strconv.Unquote(is.Path.Value)
					name := ""
					if is.Name != nil {
						name = is.Name.Name
					}
					imports = append(imports, goImport{name: name, path: path})
				}
				continue
			}
			if d.Doc != nil {
				start = d.Doc.Pos()
			}
			gd.tok, gd.grouped = d.Tok, d.Lparen.IsValid()
			var names []string
			for _, sp := range d.Specs {
				gs := goSpec{names: strings.Join(specNames(sp), ",")}
				from := sp.Pos()
				if doc := specDoc(sp); doc != nil && gd.grouped {
					from = doc.Pos()
				} else if d.Doc != nil && !gd.grouped {
					gs.doc = src[pos(d.Doc.Pos()):pos(d.Doc.End())] + "\n"
				}
				gs.start, gs.end = pos(from)-offset, pos(sp.End())-offset
				gs.body = src[pos(from):pos(sp.End())]
				gd.specs = append(gd.specs, gs)
				names = append(names, specNames(sp)...)
			}
			gd.key = d.Tok.String() + " " + strings.Join(names, ",")
		default:
			continue
		}
		s, e := pos(start), pos(d.End())
		gd.start, gd.end = s-offset, e-offset
		gd.text = src[s:e]
		decls = append(decls, gd)
	}
	return decls, imports, nil
}

func recvName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return recvName(t.X)
	case *ast.IndexExpr:
		return recvName(t.X)
	case *ast.IndexListExpr:
		return recvName(t.X)
	case *ast.Ident:
		return t.Name
	}
	return "?"
}

func specNames(s ast.Spec) []string {
	switch s := s.(type) {
	case *ast.TypeSpec:
		return []string{s.Name.Name}
	case *ast.ValueSpec:
		names := make([]string, len(s.Names))
		for i, n := range s.Names {
			names[i] = n.Name
		}
		return names
	}
	return nil
}

func specDoc(s ast.Spec) *ast.CommentGroup {
	switch s := s.(type) {
	case *ast.TypeSpec:
		return s.Doc
	case *ast.ValueSpec:
		return s.Doc
	}
	return nil
}
