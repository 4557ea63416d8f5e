// Package discovery statically scans Go sources for the engine's touch
// points: agent registrations and workflow dispatch sites. The scan parses
// files with go/parser and never executes code; it exists for operators and
// the CLI, not for the runtime, which only ever trusts its own registry.
package discovery

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

type (
	// Option configures a scan.
	Option func(*config)

	// AgentRef is one discovered agent registration: a registry.Agent
	// composite literal with a constant name.
	AgentRef struct {
		Name             string
		CanEditItinerary bool
		File             string
		Line             int
	}

	// DispatchRef is one discovered workflow dispatch site: an AddToRunway
	// or RegisterActivity call with a constant agent name.
	DispatchRef struct {
		AgentName string
		Call      string
		File      string
		Line      int
	}

	// Report is the outcome of a scan.
	Report struct {
		Agents     []AgentRef
		Dispatches []DispatchRef
		// Skipped lists files that failed to parse; a scan never fails on
		// one bad file.
		Skipped []string
	}

	config struct {
		ignore       []string
		includeTests bool
	}
)

// WithIgnore skips files whose path relative to the scan root matches any
// of the given doublestar globs.
func WithIgnore(globs ...string) Option {
	return func(c *config) { c.ignore = append(c.ignore, globs...) }
}

// WithTests includes _test.go files in the scan.
func WithTests() Option {
	return func(c *config) { c.includeTests = true }
}

// Scan walks the Go sources under path and reports agent registrations and
// dispatch sites. vendor, testdata, dot and underscore directories are
// always skipped.
func Scan(path string, opts ...Option) (*Report, error) {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	report := &Report{}
	fset := token.NewFileSet()

	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(path, p)
		if relErr != nil {
			rel = p
		}
		if d.IsDir() {
			if p != path && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(p, ".go") {
			return nil
		}
		if !cfg.includeTests && strings.HasSuffix(p, "_test.go") {
			return nil
		}
		for _, glob := range cfg.ignore {
			if ok, _ := doublestar.Match(glob, filepath.ToSlash(rel)); ok {
				return nil
			}
		}
		file, parseErr := parser.ParseFile(fset, p, nil, parser.SkipObjectResolution)
		if parseErr != nil {
			report.Skipped = append(report.Skipped, rel)
			return nil
		}
		scanFile(fset, file, rel, report)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}

	sort.Slice(report.Agents, func(i, j int) bool {
		if report.Agents[i].Name != report.Agents[j].Name {
			return report.Agents[i].Name < report.Agents[j].Name
		}
		return report.Agents[i].File < report.Agents[j].File
	})
	sort.Slice(report.Dispatches, func(i, j int) bool {
		if report.Dispatches[i].File != report.Dispatches[j].File {
			return report.Dispatches[i].File < report.Dispatches[j].File
		}
		return report.Dispatches[i].Line < report.Dispatches[j].Line
	})
	return report, nil
}

func skipDir(name string) bool {
	return name == "vendor" || name == "testdata" ||
		strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")
}

// scanFile collects registry.Agent composite literals and AddToRunway /
// RegisterActivity call sites from one parsed file.
func scanFile(fset *token.FileSet, file *ast.File, rel string, report *Report) {
	ast.Inspect(file, func(n ast.Node) bool {
		switch node := n.(type) {
		case *ast.CompositeLit:
			if ref, ok := agentLiteral(node); ok {
				ref.File = rel
				ref.Line = fset.Position(node.Pos()).Line
				report.Agents = append(report.Agents, ref)
			}
		case *ast.CallExpr:
			if ref, ok := dispatchCall(node); ok {
				ref.File = rel
				ref.Line = fset.Position(node.Pos()).Line
				report.Dispatches = append(report.Dispatches, ref)
			}
		}
		return true
	})
}

// agentLiteral matches registry.Agent{Name: "..."} literals. Names that are
// not constant strings are skipped: static analysis reports what it can
// prove, nothing more.
func agentLiteral(lit *ast.CompositeLit) (AgentRef, bool) {
	sel, ok := lit.Type.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "Agent" {
		return AgentRef{}, false
	}
	if pkg, ok := sel.X.(*ast.Ident); !ok || pkg.Name != "registry" {
		return AgentRef{}, false
	}
	var ref AgentRef
	for _, elt := range lit.Elts {
		kv, ok := elt.(*ast.KeyValueExpr)
		if !ok {
			continue
		}
		key, ok := kv.Key.(*ast.Ident)
		if !ok {
			continue
		}
		switch key.Name {
		case "Name":
			if s, ok := stringLit(kv.Value); ok {
				ref.Name = s
			}
		case "CanEditItinerary":
			if b, ok := kv.Value.(*ast.Ident); ok && b.Name == "true" {
				ref.CanEditItinerary = true
			}
		}
	}
	if ref.Name == "" {
		return AgentRef{}, false
	}
	return ref, true
}

// dispatchCall matches x.AddToRunway("agent", ...) and
// x.RegisterActivity("agent", ...) calls with a constant first argument.
func dispatchCall(call *ast.CallExpr) (DispatchRef, bool) {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok {
		return DispatchRef{}, false
	}
	name := sel.Sel.Name
	if name != "AddToRunway" && name != "RegisterActivity" {
		return DispatchRef{}, false
	}
	if len(call.Args) == 0 {
		return DispatchRef{}, false
	}
	agent, ok := stringLit(call.Args[0])
	if !ok {
		return DispatchRef{}, false
	}
	return DispatchRef{AgentName: agent, Call: name}, true
}

func stringLit(expr ast.Expr) (string, bool) {
	lit, ok := expr.(*ast.BasicLit)
	if !ok || lit.Kind != token.STRING {
		return "", false
	}
	s, err := strconv.Unquote(lit.Value)
	if err != nil {
		return "", false
	}
	return s, true
}
