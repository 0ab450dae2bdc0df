package engine

import (
	"fmt"
	"go/ast"
	"go/doc"
	"go/parser"
	"go/token"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	pyModuleDocstring = regexp.MustCompile(`(?s)^\s*(?:#[^\n]*\n\s*)*("""|''')(.*?)("""|''')`)
	pyDefDocstring    = regexp.MustCompile(`(?s)\n[ \t]*(?:async\s+def|def|class)\s+\w+[^:]*:\s*("""|''')(.*?)("""|''')`)
)

// extractDocComments returns the documentation comments of Go and Python sources,
// joined by blank lines. Other languages yield "". A parse error is returned with
// whatever could be collected; callers treat it as non-fatal. path only names the
// source in parse errors.
func extractDocComments(content []byte, lang, path string) (string, error) {
	var parts []string
	var parseErr error

	switch lang {
	case "go":
		fset := token.NewFileSet()
		f, err := parser.ParseFile(fset, goDocFileName(path), content, parser.ParseComments)
		if err != nil {
			parseErr = fmt.Errorf("parsing go source: %w", err)
			break
		}
		pkg, err := doc.NewFromFiles(fset, []*ast.File{f}, "", doc.AllDecls)
		if err != nil {
			parseErr = fmt.Errorf("computing go documentation: %w", err)
			break
		}
		parts = appendDoc(parts, pkg.Doc)
		for _, fn := range pkg.Funcs {
			parts = appendDoc(parts, fn.Doc)
		}
		for _, typ := range pkg.Types {
			parts = appendDoc(parts, typ.Doc)
			for _, fn := range typ.Funcs {
				parts = appendDoc(parts, fn.Doc)
			}
			for _, m := range typ.Methods {
				parts = appendDoc(parts, m.Doc)
			}
		}

	case "python":
		if m := pyModuleDocstring.FindSubmatch(content); m != nil {
			parts = appendDoc(parts, string(m[2]))
		}
		for _, m := range pyDefDocstring.FindAllSubmatch(content, -1) {
			parts = appendDoc(parts, string(m[2]))
		}
	}
	return strings.Join(parts, "\n\n"), parseErr
}

// goDocFileName returns the name go/doc sees for path. go/doc ignores files not
// ending in ".go" and keeps only examples from "_test.go" files.
func goDocFileName(path string) string {
	name := filepath.Base(path)
	if filepath.Ext(name) != ".go" || strings.HasSuffix(name, "_test.go") {
		return "source.go"
	}
	return name
}

func appendDoc(parts []string, s string) []string {
	if s = strings.TrimSpace(s); s != "" {
		parts = append(parts, s)
	}
	return parts
}
