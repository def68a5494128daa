package batch

import (
	"golang.org/x/xerrors"
)

// graphContext is the pure-function context the stage dependency function
// closes over: the resolved package graph and the shell to report the rare
// self-dependency warning to.
type graphContext struct {
	resolve  Resolve
	packages PackageSet
	shell    Shell
}

// stageDependencies returns the depqueue.Dependencies closure that encodes
// the per-package stage pipeline described in the design: Start depends on
// the Libraries stage of every transitive dependency, CustomBuild depends
// on Start, Libraries depends on CustomBuild, Binaries depends on
// Libraries, and Tests depends on Libraries plus the Libraries stage of
// every dev (non-transitive) dependency.
func stageDependencies(gctx *graphContext) func(k Key) ([]Key, error) {
	return func(k Key) ([]Key, error) {
		switch k.Stage {
		case CustomBuild:
			return []Key{{k.Pkg, Start}}, nil
		case Libraries:
			return []Key{{k.Pkg, CustomBuild}}, nil
		case Binaries:
			return []Key{{k.Pkg, Libraries}}, nil
		case Start:
			return gctx.depEdges(k.Pkg, true)
		case Tests:
			preds, err := gctx.depEdges(k.Pkg, false)
			if err != nil {
				return nil, err
			}
			return append([]Key{{k.Pkg, Libraries}}, preds...), nil
		default:
			return nil, xerrors.Errorf("batch: key %v: unknown stage", k)
		}
	}
}

// depEdges returns a (Libraries) key for every dependency of pkg whose
// declaration's transitivity matches wantTransitive.
func (gctx *graphContext) depEdges(pkg PackageID, wantTransitive bool) ([]Key, error) {
	handle, ok := gctx.packages.Find(pkg)
	if !ok {
		return nil, xerrors.Errorf("batch: package %v not found in package set", pkg)
	}
	decls := handle.Dependencies()

	var out []Key
	for _, dep := range gctx.resolve.Deps(pkg) {
		if dep == pkg {
			// Defensive: it is unclear whether Resolve can legitimately
			// return self-edges. Filter them out, but warn since this is
			// not a documented, intentional code path.
			gctx.shell.Say(
				"warning: resolve returned a self-dependency for "+string(pkg)+", ignoring",
				ColorYellow,
			)
			continue
		}
		decl := findDecl(decls, dep)
		if decl == nil {
			return nil, xerrors.Errorf("batch: package %v declares no dependency named %v, but resolve returned it", pkg, dep)
		}
		if decl.IsTransitive() != wantTransitive {
			continue
		}
		if _, ok := gctx.packages.Find(dep); !ok {
			return nil, xerrors.Errorf("batch: package %v depends on %v, which is not in the package set", pkg, dep)
		}
		out = append(out, Key{dep, Libraries})
	}
	return out, nil
}

// findDecl returns the declaration among decls whose Name() matches dep's
// logical name. PackageID doubles as that name (see types.go).
func findDecl(decls []DependencyDecl, dep PackageID) DependencyDecl {
	for _, d := range decls {
		if d.Name() == string(dep) {
			return d
		}
	}
	return nil
}
