// Command kepler-depgraph prints a Graphviz DOT description of this
// module's own package dependency graph. Adapted from misc/depgraph in
// the reference tree, which shelled out to "go mod graph" for the
// module-level graph; this version walks the package graph directly
// with golang.org/x/tools/go/packages so the per-package layering
// recorded in DESIGN.md (kepler -> hal -> mem -> vm -> task -> sched ->
// ksync) can be checked against the actual import graph instead of
// taken on faith.
package main

import (
	"fmt"
	"os"
	"sort"

	"golang.org/x/tools/go/packages"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "kepler-depgraph:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports | packages.NeedDeps}
	pkgs, err := packages.Load(cfg, "github.com/UnknownEclipse/kepler/...")
	if err != nil {
		return err
	}
	if packages.PrintErrors(pkgs) > 0 {
		return fmt.Errorf("one or more packages had load errors")
	}

	fmt.Println("digraph kepler_deps {")
	fmt.Println("    rankdir=LR;")
	for _, pkg := range pkgs {
		for path, imp := range pkg.Imports {
			if !isInModule(path) {
				continue
			}
			fmt.Printf("    %q -> %q;\n", pkg.PkgPath, imp.PkgPath)
		}
	}
	fmt.Println("}")

	reportCycles(pkgs)
	return nil
}

const modulePrefix = "github.com/UnknownEclipse/kepler"

func isInModule(path string) bool {
	return len(path) >= len(modulePrefix) && path[:len(modulePrefix)] == modulePrefix
}

// reportCycles does a simple DFS cycle check over the in-module import
// graph and writes any it finds to stderr: this module's layering is
// meant to be a DAG (see DESIGN.md's package layout section), and a
// cycle here means that invariant broke.
func reportCycles(pkgs []*packages.Package) {
	byPath := make(map[string]*packages.Package, len(pkgs))
	for _, p := range pkgs {
		byPath[p.PkgPath] = p
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(pkgs))
	var stack []string

	var visit func(path string) bool
	visit = func(path string) bool {
		switch state[path] {
		case done:
			return false
		case visiting:
			return true
		}
		state[path] = visiting
		stack = append(stack, path)

		pkg := byPath[path]
		imports := make([]string, 0, len(pkg.Imports))
		for imp := range pkg.Imports {
			if isInModule(imp) {
				imports = append(imports, imp)
			}
		}
		sort.Strings(imports)
		for _, imp := range imports {
			if visit(imp) {
				return true
			}
		}

		stack = stack[:len(stack)-1]
		state[path] = done
		return false
	}

	for _, pkg := range pkgs {
		if state[pkg.PkgPath] == unvisited {
			if visit(pkg.PkgPath) {
				fmt.Fprintln(os.Stderr, "kepler-depgraph: import cycle detected:", stack)
				return
			}
		}
	}
}
