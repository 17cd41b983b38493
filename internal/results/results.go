// Package results defines the unit of benchmark output, the wire format
// used by the results store, and the reporters that deliver it.
package results

import (
	"fmt"
	"time"

	"github.com/chainbench/chainbench/internal/config"
)

// Status is the terminal state of one stage run.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusTimedOut Status = "timed-out"
	StatusSkipped  Status = "skipped"
)

// Checkpoint is one (height, elapsed) sample from a sync-style stage.
type Checkpoint struct {
	Height  int64
	Elapsed time.Duration
}

// MemSample is a memory observation on the same timeline as checkpoints.
// It is kept apart from the height-ordered checkpoint sequence.
type MemSample struct {
	Elapsed time.Duration
	RSSKiB  int64
}

// StageResult is the immutable record of one stage run. It is the unit
// handed to reporters.
type StageResult struct {
	Kind      config.StageKind
	BenchName string
	Revision  string
	CommitSHA string
	Compiler  string
	RunIndex  int
	Status    Status
	Duration  time.Duration
	// MinDuration and MaxDuration bound the spread when the workload
	// reports one (micro-benchmark rows). Zero means unreported.
	MinDuration time.Duration
	MaxDuration time.Duration
	PeakRSSKiB  int64
	Checkpoints []Checkpoint
	MemSamples  []MemSample
	// Output holds the trailing subprocess output, retained for
	// diagnostics when the stage did not succeed.
	Output string
	Extra  map[string]string
}

// Measured reports whether the result carries a timing worth reporting.
func (r *StageResult) Measured() bool {
	return r.Status == StatusSuccess && r.Extra["cached"] != "true"
}

func (r *StageResult) String() string {
	return fmt.Sprintf("%s [%s %s run=%d]: %s (%s)",
		r.BenchName, r.Revision, r.Compiler, r.RunIndex, r.Status, r.Duration)
}

// Records expands a stage result into wire records: the primary timing,
// one height-suffixed record per checkpoint, and a memory-usage
// companion record.
func (r *StageResult) Records(envname string) []Record {
	if !r.Measured() {
		return nil
	}
	var out []Record
	base := Record{
		Benchmark:   r.BenchName,
		CommitID:    r.CommitSHA,
		Branch:      r.Revision,
		Environment: envname,
		Executable:  executableFor(r.Kind),
		Value:       r.Duration.Seconds(),
		Units:       "seconds",
		UnitsTitle:  "Time",
		Max:         r.MaxDuration.Seconds(),
		Min:         r.MinDuration.Seconds(),
	}
	out = append(out, base)
	for _, cp := range r.Checkpoints {
		rec := base
		rec.Benchmark = fmt.Sprintf("%s.%d", r.BenchName, cp.Height)
		rec.Value = cp.Elapsed.Seconds()
		out = append(out, rec)
	}
	if r.PeakRSSKiB > 0 {
		mem := base
		mem.Benchmark = r.BenchName + ".mem-usage"
		mem.Value = float64(r.PeakRSSKiB)
		mem.Units = "KiB"
		mem.UnitsTitle = "Size"
		mem.Max, mem.Min = 0, 0
		out = append(out, mem)
	}
	return out
}

func executableFor(kind config.StageKind) string {
	switch kind {
	case config.StageBuild, config.StageMakeCheck:
		return "make"
	case config.StageFunctionalTests:
		return "functional-test-runner"
	case config.StageMicrobench:
		return "bench-bitcoin"
	default:
		return "bitcoind"
	}
}
