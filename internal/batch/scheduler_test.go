package batch_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/distr1/batchbuild/internal/batch"
	"github.com/distr1/batchbuild/internal/freshness"
)

// --- test doubles -----------------------------------------------------

type testDep struct {
	name       string
	transitive bool
}

func (d testDep) Name() string      { return d.name }
func (d testDep) IsTransitive() bool { return d.transitive }

type testPkg struct {
	id   batch.PackageID
	deps []batch.DependencyDecl
}

func (p *testPkg) ID() batch.PackageID             { return p.id }
func (p *testPkg) Dependencies() []batch.DependencyDecl { return p.deps }

func pkg(id string, deps ...batch.DependencyDecl) *testPkg {
	return &testPkg{id: batch.PackageID(id), deps: deps}
}

func dep(name string) batch.DependencyDecl      { return testDep{name: name, transitive: true} }
func devDep(name string) batch.DependencyDecl   { return testDep{name: name, transitive: false} }

type testResolve map[batch.PackageID][]batch.PackageID

func (r testResolve) Deps(id batch.PackageID) []batch.PackageID { return r[id] }

type testPackageSet map[batch.PackageID]batch.Package

func (s testPackageSet) Find(id batch.PackageID) (batch.Package, bool) {
	p, ok := s[id]
	return p, ok
}

// silentShell discards everything; tests that care about what was said use
// recordingShell instead.
type silentShell struct{}

func (silentShell) Status(tag, body string)  {}
func (silentShell) Verbose(fn func(batch.Shell)) {}
func (silentShell) Say(msg string, color batch.Color) {}

type recordingShell struct {
	mu  sync.Mutex
	said []string
}

func (s *recordingShell) Status(tag, body string)      {}
func (s *recordingShell) Verbose(fn func(batch.Shell)) {}
func (s *recordingShell) Say(msg string, color batch.Color) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.said = append(s.said, msg)
}

type testConfig struct {
	jobs  int
	shell batch.Shell
}

func (c *testConfig) Jobs() int        { return c.jobs }
func (c *testConfig) Shell() batch.Shell { return c.shell }

// recorder tracks the order in which jobs ran, safe for concurrent use by
// jobs running on the worker pool.
type recorder struct {
	mu  sync.Mutex
	log []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, s)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.log))
	copy(out, r.log)
	return out
}

func indexOf(log []string, s string) int {
	for i, e := range log {
		if e == s {
			return i
		}
	}
	return -1
}

// barrier enqueues one stage of p with no work, purely as an ordering
// barrier; enqueueFullPipeline uses it for every stage given no job.
func barrier(t *testing.T, q *batch.JobQueue, p batch.Package, stage batch.Stage) {
	t.Helper()
	if err := q.Enqueue(p, stage, nil); err != nil {
		t.Fatalf("enqueue %s/%v: %v", p.ID(), stage, err)
	}
}

func enqueueFullPipeline(t *testing.T, q *batch.JobQueue, p batch.Package, lib, tests *batch.JobSpec) {
	t.Helper()
	barrier(t, q, p, batch.Start)
	barrier(t, q, p, batch.CustomBuild)
	if lib != nil {
		if err := q.Enqueue(p, batch.Libraries, []batch.JobSpec{*lib}); err != nil {
			t.Fatalf("enqueue %s/Libraries: %v", p.ID(), err)
		}
	} else {
		barrier(t, q, p, batch.Libraries)
	}
	barrier(t, q, p, batch.Binaries)
	if tests != nil {
		if err := q.Enqueue(p, batch.Tests, []batch.JobSpec{*tests}); err != nil {
			t.Fatalf("enqueue %s/Tests: %v", p.ID(), err)
		}
	} else {
		barrier(t, q, p, batch.Tests)
	}
}

func runWithTimeout(t *testing.T, q *batch.JobQueue, timeout time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- q.Execute(ctx) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		t.Fatalf("Execute did not return within %v: %v", timeout, ctx.Err())
		return nil
	}
}

func recordJob(r *recorder, name string, fresh freshness.Freshness) batch.JobSpec {
	return batch.JobSpec{
		Fresh: fresh,
		Job: func(ctx context.Context, fresh freshness.Freshness, desc chan<- string) error {
			r.add(name)
			return nil
		},
	}
}

// --- scenario 1: linear chain, all fresh -------------------------------

func TestLinearChainAllFresh(t *testing.T) {
	r := &recorder{}
	a, b, c := pkg("a"), pkg("b", dep("a")), pkg("c", dep("b"))

	resolve := testResolve{"b": {"a"}, "c": {"b"}}
	packages := testPackageSet{"a": a, "b": b, "c": c}
	q := batch.New(resolve, packages, &testConfig{jobs: 2, shell: silentShell{}})

	var observedFresh [3]freshness.Freshness
	job := func(idx int, name string) batch.JobSpec {
		return batch.JobSpec{
			Fresh: freshness.Fresh,
			Job: func(ctx context.Context, fresh freshness.Freshness, desc chan<- string) error {
				observedFresh[idx] = fresh
				r.add(name)
				return nil
			},
		}
	}
	ja, jb, jc := job(0, "a"), job(1, "b"), job(2, "c")
	enqueueFullPipeline(t, q, a, &ja, nil)
	enqueueFullPipeline(t, q, b, &jb, nil)
	enqueueFullPipeline(t, q, c, &jc, nil)

	if err := runWithTimeout(t, q, 5*time.Second); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	log := r.snapshot()
	if ai, bi, ci := indexOf(log, "a"), indexOf(log, "b"), indexOf(log, "c"); !(ai < bi && bi < ci) {
		t.Fatalf("expected order a, b, c; got %v", log)
	}
	for i, f := range observedFresh {
		if f != freshness.Fresh {
			t.Errorf("package %d ran with fresh=%v, want Fresh (nothing was dirty)", i, f)
		}
	}
}

// --- scenario 2: a dirty leaf taints its root --------------------------

func TestDirtyLeafTaintsRoot(t *testing.T) {
	leaf, root := pkg("leaf"), pkg("root", dep("leaf"))
	resolve := testResolve{"root": {"leaf"}}
	packages := testPackageSet{"leaf": leaf, "root": root}
	q := batch.New(resolve, packages, &testConfig{jobs: 2, shell: silentShell{}})

	var rootFresh freshness.Freshness
	leafJob := batch.JobSpec{Fresh: freshness.Dirty, Job: func(ctx context.Context, fresh freshness.Freshness, desc chan<- string) error {
		return nil
	}}
	rootJob := batch.JobSpec{Fresh: freshness.Fresh, Job: func(ctx context.Context, fresh freshness.Freshness, desc chan<- string) error {
		rootFresh = fresh
		return nil
	}}
	enqueueFullPipeline(t, q, leaf, &leafJob, nil)
	enqueueFullPipeline(t, q, root, &rootJob, nil)

	if err := runWithTimeout(t, q, 5*time.Second); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rootFresh != freshness.Dirty {
		t.Errorf("root ran with fresh=%v, want Dirty (leaf was locally dirty)", rootFresh)
	}
}

// --- scenario 3: parallelism is bounded by Config.Jobs -----------------

func TestParallelismBound(t *testing.T) {
	const n = 4
	const limit = 2

	resolve := testResolve{} // four independent packages
	packages := testPackageSet{}
	var pkgs []*testPkg
	for i := 0; i < n; i++ {
		p := pkg(fmt.Sprintf("p%d", i))
		pkgs = append(pkgs, p)
		packages[p.id] = p
	}
	q := batch.New(resolve, packages, &testConfig{jobs: limit, shell: silentShell{}})

	var (
		current int32
		maxSeen int32
		release = make(chan struct{})
		started = make(chan struct{}, n)
	)
	job := batch.JobSpec{Fresh: freshness.Dirty, Job: func(ctx context.Context, fresh freshness.Freshness, desc chan<- string) error {
		n := atomic.AddInt32(&current, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
				break
			}
		}
		started <- struct{}{}
		<-release
		atomic.AddInt32(&current, -1)
		return nil
	}}
	for _, p := range pkgs {
		enqueueFullPipeline(t, q, p, &job, nil)
	}

	errc := make(chan error, 1)
	go func() { errc <- q.Execute(context.Background()) }()

	// Exactly `limit` jobs should be able to start concurrently; let them
	// through two at a time and confirm we never exceed the bound.
	for i := 0; i < n; i += limit {
		for j := 0; j < limit; j++ {
			select {
			case <-started:
			case <-time.After(5 * time.Second):
				t.Fatalf("timed out waiting for job %d to start", i+j)
			}
		}
		if got := atomic.LoadInt32(&maxSeen); got > limit {
			t.Fatalf("observed %d concurrent jobs, want at most %d", got, limit)
		}
		for j := 0; j < limit; j++ {
			release <- struct{}{}
		}
	}

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Execute did not return")
	}

	if got := atomic.LoadInt32(&maxSeen); got != limit {
		t.Errorf("max concurrent jobs observed = %d, want exactly %d", got, limit)
	}
}

// --- scenario 4: failure drains exactly the in-flight work --------------

func TestFailureDrainsInFlightWork(t *testing.T) {
	const n = 4
	resolve := testResolve{}
	packages := testPackageSet{}
	var pkgs []*testPkg
	for i := 0; i < n; i++ {
		p := pkg(fmt.Sprintf("p%d", i))
		pkgs = append(pkgs, p)
		packages[p.id] = p
	}
	shell := &recordingShell{}
	q := batch.New(resolve, packages, &testConfig{jobs: n, shell: shell})

	wantErr := fmt.Errorf("build of p0 failed")
	var completed int32
	// p0 fails only once every other job has started, and the other jobs
	// finish only after p0 has failed, so they are still running when the
	// failure happens.
	var othersStarted sync.WaitGroup
	othersStarted.Add(n - 1)
	failed := make(chan struct{})
	for i, p := range pkgs {
		i := i
		var job batch.JobSpec
		if i == 0 {
			job = batch.JobSpec{Fresh: freshness.Dirty, Job: func(ctx context.Context, fresh freshness.Freshness, desc chan<- string) error {
				othersStarted.Wait()
				close(failed)
				return wantErr
			}}
		} else {
			job = batch.JobSpec{Fresh: freshness.Dirty, Job: func(ctx context.Context, fresh freshness.Freshness, desc chan<- string) error {
				othersStarted.Done()
				<-failed
				atomic.AddInt32(&completed, 1)
				return nil
			}}
		}
		enqueueFullPipeline(t, q, p, &job, nil)
	}

	err := runWithTimeout(t, q, 5*time.Second)
	if err == nil || err.Error() != wantErr.Error() {
		t.Fatalf("Execute error = %v, want %v", err, wantErr)
	}
	if got := atomic.LoadInt32(&completed); got != n-1 {
		t.Errorf("completed = %d other jobs, want %d (scheduler must drain all in-flight work before returning)", got, n-1)
	}
}

// --- scenario 5: a dev dependency only gates the Tests stage -----------

func TestDevDependencyGatesOnlyTests(t *testing.T) {
	r := &recorder{}
	lib, consumer := pkg("lib"), pkg("consumer", devDep("lib"))
	resolve := testResolve{"consumer": {"lib"}}
	packages := testPackageSet{"lib": lib, "consumer": consumer}
	q := batch.New(resolve, packages, &testConfig{jobs: 2, shell: silentShell{}})

	libDone := make(chan struct{})
	consumerLibDone := make(chan struct{})

	libJob := batch.JobSpec{Fresh: freshness.Dirty, Job: func(ctx context.Context, fresh freshness.Freshness, desc chan<- string) error {
		// Block until consumer's own Libraries stage has already
		// finished, proving consumer's build didn't wait on a
		// dev-only dependency.
		select {
		case <-consumerLibDone:
		case <-ctx.Done():
			return ctx.Err()
		}
		r.add("lib")
		close(libDone)
		return nil
	}}
	consumerLibJob := batch.JobSpec{Fresh: freshness.Fresh, Job: func(ctx context.Context, fresh freshness.Freshness, desc chan<- string) error {
		r.add("consumer-lib")
		close(consumerLibDone)
		return nil
	}}
	consumerTestJob := batch.JobSpec{Fresh: freshness.Fresh, Job: func(ctx context.Context, fresh freshness.Freshness, desc chan<- string) error {
		r.add("consumer-test")
		return nil
	}}

	enqueueFullPipeline(t, q, lib, &libJob, nil)
	enqueueFullPipeline(t, q, consumer, &consumerLibJob, &consumerTestJob)

	if err := runWithTimeout(t, q, 5*time.Second); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	log := r.snapshot()
	li, cli, cti := indexOf(log, "lib"), indexOf(log, "consumer-lib"), indexOf(log, "consumer-test")
	if cli == -1 || li == -1 || cti == -1 {
		t.Fatalf("expected all three jobs to have run, got %v", log)
	}
	if !(cli < li) {
		t.Fatalf("consumer's Libraries stage should not wait on its dev dependency: got order %v", log)
	}
	if !(li < cti) {
		t.Fatalf("consumer's Tests stage must wait on its dev dependency's Libraries stage: got order %v", log)
	}
}

// --- scenario 5b: a missing dev-dependency package is a graph error,
// but only at the Tests stage; earlier stages still complete ------------

func TestDevDependencyMissingFromPackageSetErrorsOnlyAtTests(t *testing.T) {
	r := &recorder{}
	// consumer declares a dev-dep on "lib", but "lib" itself was removed
	// from the package set (e.g. excluded from this build): resolving its
	// Libraries key for the Tests predecessor must fail, while Start,
	// CustomBuild, Libraries and Binaries never reference "lib" at all and
	// must still be schedulable.
	consumer := pkg("consumer", devDep("lib"))
	resolve := testResolve{"consumer": {"lib"}}
	packages := testPackageSet{"consumer": consumer}
	q := batch.New(resolve, packages, &testConfig{jobs: 1, shell: silentShell{}})

	consumerLibJob := recordJob(r, "consumer-lib", freshness.Fresh)
	consumerTestJob := recordJob(r, "consumer-test", freshness.Fresh)

	if err := q.Enqueue(consumer, batch.Start, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := q.Enqueue(consumer, batch.CustomBuild, nil); err != nil {
		t.Fatalf("CustomBuild: %v", err)
	}
	if err := q.Enqueue(consumer, batch.Libraries, []batch.JobSpec{consumerLibJob}); err != nil {
		t.Fatalf("Libraries: %v", err)
	}
	if err := q.Enqueue(consumer, batch.Binaries, nil); err != nil {
		t.Fatalf("Binaries: %v", err)
	}
	if err := q.Enqueue(consumer, batch.Tests, []batch.JobSpec{consumerTestJob}); err == nil {
		t.Fatal("expected a graph error enqueuing Tests: its dev dependency's package is absent from the package set")
	}

	// Tests was never admitted to the queue, but the earlier stages were:
	// they must still run to completion rather than being blocked by the
	// sibling stage's rejected Enqueue.
	if err := runWithTimeout(t, q, 5*time.Second); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if log := r.snapshot(); len(log) != 1 || log[0] != "consumer-lib" {
		t.Fatalf("expected only consumer-lib to have run (Tests was never enqueued), got %v", log)
	}
}

// --- scenario 6: custom build must finish before libraries --------------

func TestCustomBuildBeforeLibraries(t *testing.T) {
	r := &recorder{}
	p := pkg("p")
	resolve := testResolve{}
	packages := testPackageSet{"p": p}
	q := batch.New(resolve, packages, &testConfig{jobs: 1, shell: silentShell{}})

	customBuildJob := batch.JobSpec{Fresh: freshness.Dirty, Job: func(ctx context.Context, fresh freshness.Freshness, desc chan<- string) error {
		time.Sleep(10 * time.Millisecond)
		r.add("custom-build")
		return nil
	}}
	libJob := batch.JobSpec{Fresh: freshness.Fresh, Job: func(ctx context.Context, fresh freshness.Freshness, desc chan<- string) error {
		r.add("libraries")
		return nil
	}}

	if err := q.Enqueue(p, batch.Start, nil); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(p, batch.CustomBuild, []batch.JobSpec{customBuildJob}); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(p, batch.Libraries, []batch.JobSpec{libJob}); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(p, batch.Binaries, nil); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(p, batch.Tests, nil); err != nil {
		t.Fatal(err)
	}

	if err := runWithTimeout(t, q, 5*time.Second); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	log := r.snapshot()
	if len(log) != 2 || log[0] != "custom-build" || log[1] != "libraries" {
		t.Fatalf("expected [custom-build libraries], got %v", log)
	}
}

// --- Ignore is idempotent and doesn't affect scheduling -----------------

func TestIgnoreDoesNotBlockScheduling(t *testing.T) {
	r := &recorder{}
	p := pkg("p")
	q := batch.New(testResolve{}, testPackageSet{"p": p}, &testConfig{jobs: 1, shell: silentShell{}})
	q.Ignore(p)
	q.Ignore(p) // idempotent

	job := recordJob(r, "p", freshness.Fresh)
	enqueueFullPipeline(t, q, p, &job, nil)

	if err := runWithTimeout(t, q, 5*time.Second); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if log := r.snapshot(); len(log) != 1 || log[0] != "p" {
		t.Fatalf("expected job to run despite Ignore, got %v", log)
	}
}

// --- duplicate enqueue of the same (package, stage) is an error ---------

func TestDuplicateEnqueueErrors(t *testing.T) {
	p := pkg("p")
	q := batch.New(testResolve{}, testPackageSet{"p": p}, &testConfig{jobs: 1, shell: silentShell{}})
	if err := q.Enqueue(p, batch.Start, nil); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(p, batch.Start, nil); err == nil {
		t.Fatal("expected error enqueuing the same (package, stage) twice")
	}
}

// --- a missing dependency declaration is a graph error -------------------

func TestUndeclaredDependencyIsGraphError(t *testing.T) {
	// resolve claims "a" depends on "b", but a's manifest declares no
	// such dependency: this must surface as an error from Enqueue, not a
	// silent omission.
	a := pkg("a") // no declared deps
	b := pkg("b")
	q := batch.New(testResolve{"a": {"b"}}, testPackageSet{"a": a, "b": b}, &testConfig{jobs: 1, shell: silentShell{}})
	if err := q.Enqueue(b, batch.Start, nil); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(a, batch.Start, nil); err == nil {
		t.Fatal("expected a graph error: resolve returned a dependency absent from the manifest")
	}
}
