// Package pb holds the on-disk shapes read and written by the batch
// builder: the per-package build manifest and the per-build-output meta
// registry entry. Distri's original manifest format is protocol-buffer
// text; the generated message types never shipped in this tree, and the
// registry the scheduler actually needs is, in its own words, "a tiny
// JSON list" — so both are plain JSON here, read with encoding/json
// instead of a generated unmarshaler.
package pb

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"sync"
)

// Dependency is one declared dependency edge of a package. Transitive
// dependencies are required at runtime (and hence must be built, and have
// their own dependents' build gated on them, before the depending package
// can even start); dev dependencies are needed only to run the depending
// package's test suite.
type Dependency struct {
	Name_       string `json:"name"`
	Transitive_ bool   `json:"transitive,omitempty"`
}

func (d *Dependency) GetName() string {
	if d == nil {
		return ""
	}
	return d.Name_
}

func (d *Dependency) IsTransitive() bool {
	return d != nil && d.Transitive_
}

// SplitPackage is one additional package produced by a single source
// build (e.g. a "-dev" or "-doc" split of the main output).
type SplitPackage struct {
	Name_ string `json:"name"`
}

func (s *SplitPackage) GetName() string {
	if s == nil {
		return ""
	}
	return s.Name_
}

// Build is a package's build manifest: its version, the packages it
// produces, and its dependencies.
//
// Dep and RuntimeDep mirror distri's own distinction between build-time
// and runtime dependencies; DevDep is new here, carrying the dependencies
// the Tests stage alone requires (see internal/batch/graph.go), a
// distinction distri's original manifests had no room for.
type Build struct {
	Version_      string          `json:"version"`
	Dep_          []string        `json:"dep,omitempty"`
	RuntimeDep_   []string        `json:"runtime_dep,omitempty"`
	DevDep_       []string        `json:"dev_dep,omitempty"`
	SplitPackage_ []*SplitPackage `json:"split_package,omitempty"`
}

func (b *Build) GetVersion() string {
	if b == nil {
		return ""
	}
	return b.Version_
}

func (b *Build) GetDep() []string {
	if b == nil {
		return nil
	}
	return b.Dep_
}

func (b *Build) GetRuntimeDep() []string {
	if b == nil {
		return nil
	}
	return b.RuntimeDep_
}

func (b *Build) GetDevDep() []string {
	if b == nil {
		return nil
	}
	return b.DevDep_
}

func (b *Build) GetSplitPackage() []*SplitPackage {
	if b == nil {
		return nil
	}
	return b.SplitPackage_
}

// Dependencies returns every dependency this manifest declares, each with
// its name and transitivity, deduplicated by name (the first list a name
// appears in wins). internal/batch resolves the names and wraps them in
// its own DependencyDecl type.
func (b *Build) Dependencies() []*Dependency {
	if b == nil {
		return nil
	}
	seen := make(map[string]bool, len(b.Dep_)+len(b.RuntimeDep_)+len(b.DevDep_))
	var out []*Dependency
	add := func(name string, transitive bool) {
		if seen[name] {
			return
		}
		seen[name] = true
		out = append(out, &Dependency{Name_: name, Transitive_: transitive})
	}
	for _, d := range b.Dep_ {
		add(d, true)
	}
	for _, d := range b.RuntimeDep_ {
		add(d, true)
	}
	for _, d := range b.DevDep_ {
		add(d, false)
	}
	return out
}

var buildBufPool = sync.Pool{
	New: func() interface{} {
		return &bytes.Buffer{}
	},
}

// ReadBuildFile reads and decodes a build manifest at path.
func ReadBuildFile(path string) (*Build, error) {
	b := buildBufPool.Get().(*bytes.Buffer)
	b.Reset()
	defer buildBufPool.Put(b)

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := io.Copy(b, f); err != nil {
		return nil, err
	}

	var build Build
	if err := json.Unmarshal(b.Bytes(), &build); err != nil {
		return nil, err
	}
	return &build, nil
}
