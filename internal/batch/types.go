// Package batch implements the parallel build job scheduler: given a
// resolved package dependency graph, it drives each package through an
// ordered pipeline of stages (Start, CustomBuild, Libraries, Binaries,
// Tests), dispatches opaque work to a bounded worker pool, propagates
// freshness along the graph so untouched subtrees skip recompilation, and
// aborts on the first hard failure while draining in-flight work cleanly.
//
// The hard part lives in three collaborating pieces: the generic
// dependency queue in internal/depqueue, the stage graph adapter in this
// package's graph.go, and the pump in queue.go. Everything upstream of
// enqueue (reading package manifests, building the resolved graph, running
// the actual build recipe) is treated as an external collaborator, reached
// only through the narrow interfaces below.
package batch

import (
	"context"
	"fmt"

	"github.com/distr1/batchbuild/internal/freshness"
)

// PackageID is an opaque, comparable identifier for a package. In this
// implementation it doubles as the package's logical name, since that is
// what the graph adapter needs to join resolved dependency edges back to
// dependency declarations (see graph.go).
type PackageID string

// Stage is one of the five ordered phases a package passes through.
type Stage int

const (
	Start Stage = iota
	CustomBuild
	Libraries
	Binaries
	Tests
)

func (s Stage) String() string {
	switch s {
	case Start:
		return "Start"
	case CustomBuild:
		return "CustomBuild"
	case Libraries:
		return "Libraries"
	case Binaries:
		return "Binaries"
	case Tests:
		return "Tests"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Key identifies one unit of work in the dependency queue: a package at a
// particular stage of its build pipeline.
type Key struct {
	Pkg   PackageID
	Stage Stage
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Pkg, k.Stage)
}

// DependencyDecl describes one dependency edge as declared by a package
// manifest: a logical name, and whether the dependency is transitive
// (needed at runtime, hence before the dependent package can even start
// building) or dev-only (needed solely to run the dependent's tests).
type DependencyDecl interface {
	Name() string
	IsTransitive() bool
}

// Package is the external handle for one package participating in the
// build: its identity and its declared dependencies.
type Package interface {
	ID() PackageID
	Dependencies() []DependencyDecl
}

// Resolve maps a package to the resolved identifiers of its dependencies
// (however Resolve chooses to interpret "dependency" is up to the caller;
// the graph adapter only relies on these IDs being joinable back to
// Package.Dependencies() declarations by name). Resolve returns nil for an
// unknown package or a leaf with no dependencies.
type Resolve interface {
	Deps(id PackageID) []PackageID
}

// PackageSet looks packages up by id.
type PackageSet interface {
	Find(id PackageID) (Package, bool)
}

// Job is an opaque unit of work. It receives the effective freshness
// (already joined with everything the scheduler knows upstream) and a
// description channel it may use, at most once and without blocking, to
// announce what it is doing; only the first non-empty send is shown to the
// user. Job has no scheduler-visible state beyond its return value.
type Job func(ctx context.Context, fresh freshness.Freshness, desc chan<- string) error

// JobSpec pairs a Job with the freshness its author locally computed (e.g.
// from comparing input digests). The scheduler joins this with the
// dependency-inherited freshness at dispatch time; it never computes
// freshness itself.
type JobSpec struct {
	Job   Job
	Fresh freshness.Freshness
}

// Color is a small enum of status colors the default Shell understands.
type Color int

const (
	ColorNone Color = iota
	ColorYellow
	ColorRed
	ColorGreen
)

// Shell is the scheduler's only user-visible output surface.
type Shell interface {
	// Status unconditionally prints one "<tag> <body>" line.
	Status(tag, body string)
	// Verbose calls fn with the shell iff verbose mode is enabled.
	Verbose(fn func(Shell))
	// Say prints msg in the given color, regardless of verbose mode.
	Say(msg string, color Color)
}

// Config supplies the worker count and the shell the scheduler reports
// progress to.
type Config interface {
	Jobs() int
	Shell() Shell
}
