package batch

import "github.com/distr1/batchbuild/internal/freshness"

// pendingBuild tracks an in-flight key: amt is the number of jobs still
// outstanding (at least 1, even for an empty job list — see run() in
// queue.go), and fresh is the running join of completions received so far.
type pendingBuild struct {
	amt   int
	fresh freshness.Freshness
}

// completion is the single message shape carried on the scheduler's one
// completion channel: which (package, stage) finished, the freshness that
// job ran with, and its result.
type completion struct {
	pkg   PackageID
	stage Stage
	fresh freshness.Freshness
	err   error
}
