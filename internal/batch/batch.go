package batch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/distr1/batchbuild"
	"github.com/distr1/batchbuild/internal/freshness"
	"github.com/distr1/batchbuild/internal/trace"
	"github.com/distr1/batchbuild/pb"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// macroNode is a vertex in the coarse, whole-package dependency graph used
// only to validate the build order and break dependency cycles before any
// work is handed to the scheduler. It is deliberately separate from
// Key/PackageID: the scheduler never sees gonum types, only the narrow
// Resolve/PackageSet interfaces built from this graph below.
type macroNode struct {
	id int64

	pkg      PackageID
	fullname string
}

func (n *macroNode) ID() int64 { return n.id }

// manifestPackage adapts one on-disk build manifest to the Package
// interface the scheduler consumes. decls is pre-resolved: each
// dependency's name has already been mapped from whatever split-package
// name the manifest declared back to the source package id the macro
// graph (and hence Resolve.Deps) actually uses, so DependencyDecl.Name()
// always matches the PackageID the graph adapter in graph.go compares it
// against.
type manifestPackage struct {
	id    PackageID
	build *pb.Build
	decls []DependencyDecl
}

func (p *manifestPackage) ID() PackageID { return p.id }

func (p *manifestPackage) Dependencies() []DependencyDecl { return p.decls }

// resolvedDecl is a DependencyDecl whose name has already been resolved to
// a source package id.
type resolvedDecl struct {
	name       string
	transitive bool
}

func (d resolvedDecl) Name() string      { return d.name }
func (d resolvedDecl) IsTransitive() bool { return d.transitive }

// mapResolve resolves a package to its direct dependencies via a plain map,
// built once from the macro graph after cycle-breaking.
type mapResolve map[PackageID][]PackageID

func (m mapResolve) Deps(id PackageID) []PackageID { return m[id] }

// mapPackageSet looks packages up by id via a plain map.
type mapPackageSet map[PackageID]Package

func (m mapPackageSet) Find(id PackageID) (Package, bool) {
	p, ok := m[id]
	return p, ok
}

// driverConfig adapts a Ctx into the batch.Config the scheduler wants.
type driverConfig struct {
	jobs  int
	shell Shell
}

func (c *driverConfig) Jobs() int    { return c.jobs }
func (c *driverConfig) Shell() Shell { return c.shell }

// Ctx is a batch build driver: configuration plus the state needed to turn
// a directory of package manifests into a graph, a set of per-stage jobs,
// and a call to JobQueue.Execute.
type Ctx struct {
	Log        *log.Logger
	DistriRoot string
	Arch       string // defaults to "amd64" when empty

	// DryRun prints the packages that would be rebuilt and returns,
	// without dispatching any jobs.
	DryRun bool
	// Simulate replaces the shell-out compiler invocation with a short
	// randomized sleep, for exercising the scheduler without a real
	// toolchain.
	Simulate bool
	// Rebuild forces every package to be considered dirty regardless of
	// its recorded input digest.
	Rebuild bool
	// Jobs bounds how many stage jobs may run concurrently. Defaults to 1
	// when <1.
	Jobs int
	// Verbose enables the shell's verbose status lines (e.g. "Fresh",
	// "Running <command>").
	Verbose bool
}

func (c *Ctx) arch() string {
	if c.Arch != "" {
		return c.Arch
	}
	return "amd64"
}

// repo is where built package images and their meta registry entries live.
func (c *Ctx) repo() batchbuild.Repo {
	path := filepath.Join(c.DistriRoot, "build", "distri")
	return batchbuild.Repo{Path: path, PkgPath: filepath.Join(path, "pkg")}
}

func (c *Ctx) metaPath(fullname string) string {
	return filepath.Join(c.repo().PkgPath, fullname+".meta.json")
}

// Build discovers every package manifest under DistriRoot/pkgs, resolves
// their dependency graph, and drives the build to completion (or the
// first hard failure) through the scheduler in queue.go.
func (c *Ctx) Build(ctx context.Context) error {
	c.Log.Printf("distriroot %q", c.DistriRoot)

	arch := c.arch()
	pkgsDir := filepath.Join(c.DistriRoot, "pkgs")
	fis, err := ioutil.ReadDir(pkgsDir)
	if err != nil {
		return err
	}

	// sourceBySplit maps every package name a source directory can
	// produce (including split packages) back to the source directory
	// name, so that a dependency declared as e.g. "gcc-libs" resolves to
	// the "gcc" manifest.
	sourceBySplit := make(map[string]string)
	manifests := make(map[string]*pb.Build, len(fis))
	for _, fi := range fis {
		src := fi.Name()
		buildProto, err := pb.ReadBuildFile(filepath.Join(pkgsDir, src, "build.json"))
		if err != nil {
			return xerrors.Errorf("reading manifest for %s: %w", src, err)
		}
		manifests[src] = buildProto
		sourceBySplit[src] = src
		for _, split := range buildProto.GetSplitPackage() {
			sourceBySplit[split.GetName()] = src
		}
	}

	resolveName := func(name string) string {
		if src, ok := sourceBySplit[name]; ok {
			return src
		}
		if a, ok := batchbuild.HasArchSuffix(name); ok {
			trimmed := strings.TrimSuffix(name, "-"+a)
			if src, ok := sourceBySplit[trimmed]; ok {
				return src
			}
		}
		return name
	}

	g := simple.NewDirectedGraph()
	byPkg := make(map[PackageID]*macroNode, len(fis))

	var names []string
	for name := range manifests {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic node numbering

	var idx int64
	dirty := make(map[PackageID]bool, len(names))
	fullnames := make(map[PackageID]string, len(names))
	for _, name := range names {
		buildProto := manifests[name]
		fullname := fmt.Sprintf("%s-%s-%s", name, arch, buildProto.GetVersion())
		fullnames[PackageID(name)] = fullname

		digest, err := computeDigest(filepath.Join(pkgsDir, name))
		if err != nil {
			return xerrors.Errorf("digest %s: %w", name, err)
		}
		isDirty := c.Rebuild || c.Simulate
		if !isDirty {
			meta, err := pb.ReadMetaFile(c.metaPath(fullname))
			if err != nil && !os.IsNotExist(err) {
				return err
			}
			isDirty = meta.GetInputDigest() != digest
		}
		dirty[PackageID(name)] = isDirty

		n := &macroNode{id: idx, pkg: PackageID(name), fullname: fullname}
		idx++
		byPkg[PackageID(name)] = n
		g.AddNode(n)
	}

	for _, name := range names {
		n := byPkg[PackageID(name)]
		for _, dep := range manifests[name].Dependencies() {
			depName := resolveName(dep.GetName())
			if depName == name {
				c.Log.Printf("warning: %s declares a dependency on itself (%s), ignoring", name, dep.GetName())
				continue // self-edges are not meaningful at the macro level either
			}
			if d, ok := byPkg[PackageID(depName)]; ok {
				g.SetEdge(g.NewEdge(n, d))
			}
		}
	}

	breakCycles(c.Log, g)

	resolve := make(mapResolve, len(names))
	packages := make(mapPackageSet, len(names))
	for _, name := range names {
		n := byPkg[PackageID(name)]
		var deps []PackageID
		for to := g.From(n.ID()); to.Next(); {
			deps = append(deps, to.Node().(*macroNode).pkg)
		}
		resolve[PackageID(name)] = deps

		seen := make(map[string]bool)
		var decls []DependencyDecl
		for _, d := range manifests[name].Dependencies() {
			resolved := resolveName(d.GetName())
			if resolved == name || seen[resolved] {
				continue
			}
			seen[resolved] = true
			decls = append(decls, resolvedDecl{name: resolved, transitive: d.IsTransitive()})
		}
		packages[PackageID(name)] = &manifestPackage{id: PackageID(name), build: manifests[name], decls: decls}
	}

	if c.DryRun {
		order, err := topo.SortStabilized(g, func(nodes []graph.Node) {
			sort.Slice(nodes, func(i, j int) bool {
				return nodes[i].(*macroNode).pkg < nodes[j].(*macroNode).pkg
			})
		})
		if err != nil {
			return err
		}
		n := 0
		for _, node := range order {
			pkg := node.(*macroNode).pkg
			if dirty[pkg] {
				n++
			}
		}
		c.Log.Printf("build %d pkg", n)
		for _, node := range order {
			pkg := node.(*macroNode).pkg
			if dirty[pkg] {
				c.Log.Printf("  build %s", pkg)
			}
		}
		return nil
	}

	logDir, err := ioutil.TempDir("", "batchbuild")
	if err != nil {
		return err
	}

	jobs := c.Jobs
	if jobs < 1 {
		jobs = 1
	}
	shell := NewShell(jobs, c.Verbose)
	queue := New(resolve, packages, &driverConfig{jobs: jobs, shell: shell})

	const freq = 1 * time.Second
	traceCtx, traceCancel := context.WithCancel(ctx)
	defer traceCancel()
	var eg errgroup.Group
	eg.Go(func() error { return trace.CPUEvents(traceCtx, freq) })
	eg.Go(func() error { return trace.MemEvents(traceCtx, freq) })

	for _, name := range names {
		pkg := packages[PackageID(name)]
		if !dirty[PackageID(name)] {
			queue.Ignore(pkg)
		}
		// Every stage of the pipeline must be enqueued, even the ones
		// with no work of their own: the dependency queue treats an
		// un-enqueued key as permanently pending, so Start/CustomBuild/
		// Binaries/Tests are enqueued with an empty job list purely to
		// act as barriers connecting the stage before and after them.
		if err := queue.Enqueue(pkg, Start, nil); err != nil {
			return err
		}
		if err := queue.Enqueue(pkg, CustomBuild, nil); err != nil {
			return err
		}
		jobSpec := c.pipelineJob(pkg, logDir, dirty[PackageID(name)], fullnames[PackageID(name)], digestOf(pkgsDir, name))
		if err := queue.Enqueue(pkg, Libraries, []JobSpec{jobSpec}); err != nil {
			return err
		}
		if err := queue.Enqueue(pkg, Binaries, nil); err != nil {
			return err
		}
		if err := queue.Enqueue(pkg, Tests, nil); err != nil {
			return err
		}
	}

	execErr := queue.Execute(ctx)

	traceCancel()
	if traceErr := eg.Wait(); traceErr != nil && traceErr != context.Canceled {
		c.Log.Printf("trace sampler: %v", traceErr)
	}

	return execErr
}

// digestOf returns the input digest a successful build of name should
// record. It recomputes the digest rather than threading it through from
// the earlier loop, since dryRun may return before reaching here and the
// two loops are otherwise independent.
func digestOf(pkgsDir, name string) string {
	digest, err := computeDigest(filepath.Join(pkgsDir, name))
	if err != nil {
		return ""
	}
	return digest
}

// pipelineJob returns the Job that actually builds pkg: either a real
// shell-out to the external build command, or (in Simulate mode) a short
// randomized sleep. The job records the package's local freshness (dirty
// iff its recorded digest is stale, or Rebuild/Simulate is set) and, after
// a successful real (non-simulated) build, updates the meta registry.
func (c *Ctx) pipelineJob(pkg Package, logDir string, isDirty bool, fullname, digest string) JobSpec {
	local := freshness.Fresh
	if isDirty {
		local = freshness.Dirty
	}
	id := pkg.ID()

	job := func(ctx context.Context, fresh freshness.Freshness, desc chan<- string) error {
		if fresh == freshness.Fresh {
			return nil
		}

		logPath := filepath.Join(logDir, string(id)+".log")
		logFile, err := os.Create(logPath)
		if err != nil {
			return err
		}
		defer logFile.Close()

		if c.Simulate {
			select {
			case desc <- "simulated build":
			default:
			}
			dur := 10*time.Millisecond + time.Duration(time.Now().UnixNano()%int64(200*time.Millisecond))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(dur):
			}
			return nil // nothing was built, so no digest is recorded
		} else {
			cmd := exec.CommandContext(ctx, "distri", "build")
			cmd.Dir = filepath.Join(c.DistriRoot, "pkgs", string(id))
			cmd.Stdout = logFile
			cmd.Stderr = logFile
			select {
			case desc <- strings.Join(cmd.Args, " "):
			default:
			}
			if err := cmd.Run(); err != nil {
				return xerrors.Errorf("%v: %w (see %s)", cmd.Args, err, logPath)
			}
		}

		metaPath := c.metaPath(fullname)
		if err := os.MkdirAll(filepath.Dir(metaPath), 0755); err != nil {
			return xerrors.Errorf("creating meta registry directory: %w", err)
		}
		return pb.WriteMetaFile(metaPath, &pb.Meta{InputDigest_: digest})
	}

	return JobSpec{Job: job, Fresh: local}
}

// computeDigest returns a cheap content fingerprint for the files under
// dir (name, size and modification time of each regular file), used to
// decide whether a package's sources changed since its last recorded
// build. This replaces distri's original, much heavier build-context
// digest (which hashed resolved compiler flags and patched sources); full
// fingerprinting is explicitly out of scope for this scheduler (it
// operates on opaque Jobs), so the driver carries only enough of it to
// demonstrate Fresh/Dirty propagation end to end.
func computeDigest(dir string) (string, error) {
	h := sha256.New()
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		fmt.Fprintf(h, "%s:%d:%d\n", path, info.Size(), info.ModTime().UnixNano())
		return nil
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// breakCycles removes every outgoing (dependency) edge of each node in a
// strongly connected component larger than one node, following distri's
// "bootstrap" strategy: packages in a cycle are built as if they had no
// dependencies at all (relying on a pre-existing host toolchain). The
// build runs in a single pass; cycle members are not rebuilt afterwards.
// The scheduler itself never deals with cycles; the graph it is handed
// must already be acyclic.
func breakCycles(logger *log.Logger, g *simple.DirectedGraph) {
	if _, err := topo.Sort(g); err == nil {
		return
	} else if uo, ok := err.(topo.Unorderable); ok {
		for _, component := range uo {
			for _, n := range component {
				logger.Printf("breaking cycle: bootstrapping %v", n.(*macroNode).pkg)
				from := g.From(n.ID())
				var toRemove []int64
				for from.Next() {
					toRemove = append(toRemove, from.Node().ID())
				}
				for _, id := range toRemove {
					g.RemoveEdge(n.ID(), id)
				}
			}
		}
	}
}

var _ Resolve = mapResolve(nil)
var _ PackageSet = mapPackageSet(nil)
