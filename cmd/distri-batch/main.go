// Command distri-batch drives a parallel build of every package manifest
// found under a distri root's pkgs/ directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/distr1/batchbuild"
	"github.com/distr1/batchbuild/internal/batch"
	"github.com/distr1/batchbuild/internal/env"
	"github.com/distr1/batchbuild/internal/trace"
	"golang.org/x/xerrors"
)

const help = `distri-batch [-flags]

Build every distri package under $DISTRIROOT/pkgs.

Packages whose recorded input digest still matches their current sources
are skipped.

Example:
  % distri-batch -dry_run
`

func usage(fset *flag.FlagSet) func() {
	return func() {
		fmt.Fprint(os.Stderr, help)
		fset.PrintDefaults()
	}
}

func logic() error {
	fset := flag.NewFlagSet("distri-batch", flag.ExitOnError)
	var (
		dryRun     = fset.Bool("dry_run", false, "only print packages which would otherwise be built")
		simulate   = fset.Bool("simulate", false, "simulate builds by sleeping instead of actually building packages")
		rebuild    = fset.Bool("rebuild", false, "rebuild all packages, regardless of whether they need to be built")
		jobs       = fset.Int("jobs", runtime.NumCPU(), "number of parallel jobs to run")
		verbose    = fset.Bool("verbose", false, "print additional status, e.g. which packages are already fresh")
		ctracefile = fset.String("ctracefile", "", "if non-empty, write a Chrome trace event file with this prefix")
	)
	fset.Usage = usage(fset)
	fset.Parse(os.Args[1:])

	if *ctracefile != "" {
		if err := trace.Enable(*ctracefile); err != nil {
			return xerrors.Errorf("enabling trace: %w", err)
		}
	}

	ctx, canc := batchbuild.InterruptibleContext()
	defer canc()

	c := &batch.Ctx{
		Log:        log.New(os.Stderr, "", log.LstdFlags),
		DistriRoot: env.DistriRoot,
		DryRun:     *dryRun,
		Simulate:   *simulate,
		Rebuild:    *rebuild,
		Jobs:       *jobs,
		Verbose:    *verbose,
	}
	return c.Build(ctx)
}

func main() {
	if err := logic(); err != nil {
		log.Fatal(err)
	}
}
