// Package pipeline drives a benchmark run: it expands the configured
// revisions and compilers into a matrix of cells, executes each cell's
// stages strictly in order, and delivers the results.
//
// Failures are isolated per cell. One revision failing to build or
// benchmark never blocks the others; only context cancellation and an
// unreachable synced peer have run-wide effect.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/chainbench/chainbench/internal/buildcache"
	"github.com/chainbench/chainbench/internal/config"
	"github.com/chainbench/chainbench/internal/gitutil"
	"github.com/chainbench/chainbench/internal/peer"
	"github.com/chainbench/chainbench/internal/results"
	"github.com/chainbench/chainbench/internal/stage"
)

// State tracks where a cell is in its lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateResolving State = "resolving"
	StateBuilding  State = "building"
	StateStaging   State = "staging"
	StateReporting State = "reporting"
	StateDone      State = "done"
	// StateAborted is terminal: the cell could not run its stages at
	// all (unresolvable revision, cancellation).
	StateAborted State = "aborted"
)

// Resolver turns revision specs into commit identities and working
// copies.
type Resolver interface {
	Resolve(ctx context.Context, spec config.RevisionSpec) (*gitutil.Checkout, error)
	CheckoutTo(ctx context.Context, co *gitutil.Checkout, dir string) error
}

// Runner supervises one external process per stage run.
type Runner interface {
	Run(ctx context.Context, cmd stage.Command, timeout time.Duration,
		matcher stage.ProgressMatcher, tracker *stage.Tracker) (*stage.Outcome, error)
}

// PeerSource hands out the synced peer for sync-style stages.
type PeerSource interface {
	Acquire(ctx context.Context) (*peer.Handle, error)
	Release(ctx context.Context, h *peer.Handle)
}

// ArtifactCache stores built binaries keyed by commit and toolchain.
type ArtifactCache interface {
	GetOrBuild(key buildcache.Key, build buildcache.BuildFunc) (*buildcache.Artifact, error)
}

// CellResult is everything one (revision, compiler) cell produced.
type CellResult struct {
	Spec     config.RevisionSpec
	Compiler string
	SHA      string
	State    State
	Stages   []*results.StageResult
	// Err is set when the cell aborted before staging.
	Err error
}

// Name identifies the cell in logs and tables.
func (c *CellResult) Name() string {
	return fmt.Sprintf("%s/%s", c.Spec.Name(), c.Compiler)
}

// Failed reports whether the cell aborted or any stage did not succeed.
func (c *CellResult) Failed() bool {
	if c.State == StateAborted {
		return true
	}
	for _, s := range c.Stages {
		if s.Status == results.StatusFailed || s.Status == results.StatusTimedOut {
			return true
		}
	}
	return false
}

// RunSummary is the outcome of a whole run.
type RunSummary struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	Cells    []*CellResult
}

// Failed reports whether any cell failed.
func (s *RunSummary) Failed() bool {
	for _, c := range s.Cells {
		if c.Failed() {
			return true
		}
	}
	return false
}

// Aborted reports whether any cell never ran its stages.
func (s *RunSummary) Aborted() bool {
	for _, c := range s.Cells {
		if c.State == StateAborted {
			return true
		}
	}
	return false
}

// Pipeline executes the benchmark matrix described by Cfg. Cells run
// strictly sequentially; benchmark timings share the host, so nothing
// here is parallel on purpose.
type Pipeline struct {
	Cfg       *config.Config
	Resolver  Resolver
	Runner    Runner
	Cache     ArtifactCache
	Peers     PeerSource
	Reporters []results.Reporter
	Journal   *results.Journal
	Notifier  *results.SlackNotifier
	// DropCaches flushes host page caches before timed node stages.
	// Nil disables dropping.
	DropCaches func() error
	Workdir    string
	RunID      string

	// peerDown latches once the synced peer proves unavailable; every
	// later stage needing the peer is skipped instead of retried.
	peerDown bool
}

// Run executes every cell and reports. The returned summary is complete
// even when cells failed; the error is non-nil only for run-level
// problems (cancellation before completion).
func (p *Pipeline) Run(ctx context.Context) (*RunSummary, error) {
	if p.RunID == "" {
		p.RunID = uuid.NewString()
	}
	summary := &RunSummary{RunID: p.RunID, Started: time.Now()}
	klog.Infof("run %s: %d revision(s) x %d compiler(s)",
		p.RunID, len(p.Cfg.ToBench), len(p.Cfg.Compilers))

	for _, spec := range p.Cfg.ToBench {
		for _, compiler := range p.Cfg.Compilers {
			cr := &CellResult{Spec: spec, Compiler: compiler, State: StatePending}
			summary.Cells = append(summary.Cells, cr)
			if ctx.Err() != nil {
				cr.State = StateAborted
				cr.Err = ctx.Err()
				continue
			}
			p.runCell(ctx, cr)
		}
	}

	summary.Finished = time.Now()
	p.notify(summary)
	if ctx.Err() != nil {
		return summary, ctx.Err()
	}
	return summary, nil
}

// report delivers a cell's measured results to every sink. Reporting
// failures are logged and swallowed; results already collected are
// never lost to a flaky store.
func (p *Pipeline) report(cr *CellResult) {
	envname := p.Cfg.Codespeed.Envname
	for _, sr := range cr.Stages {
		for _, rec := range sr.Records(envname) {
			if p.Journal != nil {
				if _, err := p.Journal.Append(p.RunID, rec); err != nil {
					klog.Warningf("journal: %v", err)
				}
			}
			for _, rep := range p.Reporters {
				if err := rep.Report(rec); err != nil {
					klog.Warningf("reporting %s: %v", rec.Benchmark, err)
				}
			}
		}
	}
}

func (p *Pipeline) notify(s *RunSummary) {
	var failed int
	for _, c := range s.Cells {
		if c.Failed() {
			failed++
		}
	}
	title := fmt.Sprintf("benchmark run finished in %s",
		s.Finished.Sub(s.Started).Round(time.Second))
	fields := map[string]string{
		"Cells":  fmt.Sprintf("%d", len(s.Cells)),
		"Failed": fmt.Sprintf("%d", failed),
	}
	p.Notifier.Notify(title, "", fields, !s.Failed())
}
