package batch

import (
	"context"
	"fmt"

	"github.com/distr1/batchbuild/internal/depqueue"
	"github.com/distr1/batchbuild/internal/freshness"
	"github.com/distr1/batchbuild/internal/trace"
	"golang.org/x/xerrors"
)

type entryValue struct {
	pkg  Package
	jobs []JobSpec
}

// JobQueue is the scheduling loop: it ingests enqueued work, drives the
// generic dependency queue, aggregates per-(package,stage) completion,
// propagates freshness, reports progress, and handles failure-drain.
type JobQueue struct {
	pool     *workerPool
	queue    *depqueue.Queue[Key, entryValue]
	resolve  Resolve
	packages PackageSet
	shell    Shell

	completions chan completion
	active      int
	pending     map[Key]*pendingBuild
	state       map[PackageID]freshness.Freshness
	ignored     map[PackageID]struct{}

	totalPkgs  int
	builtPkgs  int
	failedPkgs int
}

// workerStatusShell is implemented by Shells that keep an in-place,
// per-worker status table (ansiShell, on a terminal). It is satisfied via
// type assertion rather than folded into the narrow Shell interface in
// types.go, since most Shells (and all test doubles) have no such table.
type workerStatusShell interface {
	UpdateWorker(idx int, line string)
}

// updateWorker forwards to shell's per-worker status line if it keeps one;
// a no-op otherwise.
func (q *JobQueue) updateWorker(idx int, line string) {
	if ws, ok := q.shell.(workerStatusShell); ok {
		ws.UpdateWorker(idx, line)
	}
}

// updateSummary refreshes the idx-0 overall-progress status line and
// records the same counts as a trace counter event.
func (q *JobQueue) updateSummary() {
	q.updateWorker(0, fmt.Sprintf("%d of %d packages: %d built, %d failed",
		q.builtPkgs+q.failedPkgs, q.totalPkgs, q.builtPkgs, q.failedPkgs))
	trace.SchedulerCounters(q.builtPkgs, q.failedPkgs, q.totalPkgs)
}

// New returns a JobQueue over the resolved package graph described by
// resolve and packages, configured per config.
func New(resolve Resolve, packages PackageSet, config Config) *JobQueue {
	gctx := &graphContext{resolve: resolve, packages: packages, shell: config.Shell()}
	return &JobQueue{
		pool:        newWorkerPool(config.Jobs()),
		queue:       depqueue.New[Key, entryValue](stageDependencies(gctx)),
		resolve:     resolve,
		packages:    packages,
		shell:       config.Shell(),
		completions: make(chan completion),
		pending:     make(map[Key]*pendingBuild),
		state:       make(map[PackageID]freshness.Freshness),
		ignored:     make(map[PackageID]struct{}),
	}
}

// Enqueue registers jobs to run for pkg at stage. The package's running,
// status-only freshness is updated by joining the combine-fold of all
// declared job freshnesses; this only influences the "Fresh"/"Compiling"
// status line, never scheduling.
//
// Enqueuing the same (pkg, stage) pair twice is an error.
func (q *JobQueue) Enqueue(pkg Package, stage Stage, jobs []JobSpec) error {
	id := pkg.ID()

	fresh := freshness.Fresh
	for _, j := range jobs {
		fresh = freshness.Combine(fresh, j.Fresh)
	}
	if existing, ok := q.state[id]; ok {
		q.state[id] = freshness.Combine(existing, fresh)
	} else {
		q.state[id] = fresh
	}

	if err := q.queue.Enqueue(freshness.Fresh, Key{id, stage}, entryValue{pkg: pkg, jobs: jobs}); err != nil {
		return xerrors.Errorf("batch: enqueue %s/%s: %w", id, stage, err)
	}
	return nil
}

// Ignore suppresses the Start-stage "Fresh"/"Compiling" status line for
// pkg. It does not remove pkg from the graph or otherwise change
// scheduling: a caller relying on "ignore = exclude" would be wrong.
func (q *JobQueue) Ignore(pkg Package) {
	q.ignored[pkg.ID()] = struct{}{}
}

// Execute runs every enqueued job to completion, respecting dependency
// order, and returns the first job error encountered (after draining all
// in-flight work), or nil if everything succeeded.
func (q *JobQueue) Execute(ctx context.Context) error {
	defer q.pool.Wait()

	q.totalPkgs = len(q.state)
	q.updateSummary()

	for q.queue.Len() > 0 {
		for {
			fresh, key, entry, ok := q.queue.Dequeue()
			if !ok {
				break
			}
			q.run(ctx, key, fresh, entry)
		}

		select {
		case msg := <-q.completions:
			q.active--
			key := Key{msg.pkg, msg.stage}
			pb := q.pending[key]
			if pb == nil {
				return xerrors.Errorf("batch: BUG: completion for unknown key %v", key)
			}
			if msg.err == nil {
				pb.amt--
				pb.fresh = freshness.Combine(pb.fresh, msg.fresh)
				if pb.amt == 0 {
					delete(q.pending, key)
					q.queue.Finish(key, pb.fresh)
					if key.Stage == Libraries {
						q.builtPkgs++
						q.updateSummary()
					}
				}
				continue
			}

			q.failedPkgs++
			q.updateSummary()
			if q.active > 0 {
				q.shell.Say("Build failed, waiting for other jobs to finish...", ColorYellow)
				for i := 0; i < q.active; i++ {
					<-q.completions
				}
			}
			return msg.err

		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// run dispatches every job of one (package, stage) key. inherited is the
// joined freshness of the key's predecessors, as returned by Dequeue.
func (q *JobQueue) run(ctx context.Context, key Key, inherited freshness.Freshness, entry entryValue) {
	id := key.Pkg
	jobs := entry.jobs

	if key.Stage == Start {
		if _, ignored := q.ignored[id]; !ignored {
			switch freshness.Combine(inherited, q.state[id]) {
			case freshness.Fresh:
				q.shell.Verbose(func(s Shell) { s.Status("Fresh", string(id)) })
			default:
				q.shell.Status("Compiling", string(id))
			}
		}
	}

	n := len(jobs)
	amt := n
	if amt < 1 {
		amt = 1
	}
	q.pending[key] = &pendingBuild{amt: amt, fresh: inherited}
	q.active += amt

	for _, spec := range jobs {
		q.dispatch(ctx, id, key.Stage, spec, inherited)
	}

	if n == 0 {
		// Empty-stage barrier: synthesize one completion so that the
		// amt=1 initialization above is balanced by exactly one finish.
		// Sent from a goroutine because the pump (this call stack) cannot
		// also be the one to receive it.
		go func() {
			select {
			case q.completions <- completion{pkg: id, stage: key.Stage, fresh: inherited, err: nil}:
			case <-ctx.Done():
			}
		}()
	}
}

// dispatch runs one job under the worker pool and reports its result on
// the completion channel.
func (q *JobQueue) dispatch(ctx context.Context, id PackageID, stage Stage, spec JobSpec, inherited freshness.Freshness) {
	effective := freshness.Combine(spec.Fresh, inherited)
	desc := make(chan string, 1)

	if effective == freshness.Dirty {
		// A dedicated watcher samples the job's first description
		// message as it happens, without making the pump (or any other
		// job's dispatch) wait for it.
		q.pool.Go(func() {
			if msg, ok := <-desc; ok && msg != "" {
				q.shell.Verbose(func(s Shell) { s.Status("Running", msg) })
			}
		})
	}

	q.pool.Go(func() {
		slot, err := q.pool.Acquire(ctx)
		if err != nil {
			close(desc)
			select {
			case q.completions <- completion{pkg: id, stage: stage, fresh: effective, err: err}:
			case <-ctx.Done():
			}
			return
		}
		q.updateWorker(slot+1, fmt.Sprintf("building %s/%s", id, stage))
		ev := trace.NewStageEvent(fmt.Sprintf("%s/%s", id, stage), slot)
		ev.Begin()
		err = runJob(ctx, spec.Job, effective, desc)
		ev.End()
		q.updateWorker(slot+1, "idle")
		q.pool.Release(slot)

		select {
		case q.completions <- completion{pkg: id, stage: stage, fresh: effective, err: err}:
		case <-ctx.Done():
		}
	})
}

// runJob invokes job, converting a panic into an error result so that the
// active/pending accounting is never corrupted by a runtime fault, and
// closing desc once job has returned (it is only ever sent to from within
// job's own, synchronous, execution).
func runJob(ctx context.Context, job Job, fresh freshness.Freshness, desc chan<- string) (err error) {
	defer close(desc)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in job: %v", r)
		}
	}()
	return job(ctx, fresh, desc)
}
