package stage

import (
	"sort"
	"sync"
	"time"

	"github.com/chainbench/chainbench/internal/results"
)

// Tracker consumes progress observations from a sync-style stage and
// emits checkpoints as target heights are crossed. Heights that do not
// advance the maximum are ignored; a monitored process's output is
// untrusted and may replay or restart.
//
// With no targets configured, every new maximum height emits a
// checkpoint.
type Tracker struct {
	mu      sync.Mutex
	start   time.Time
	now     func() time.Time
	targets []int64
	// hasTargets distinguishes a tracker whose targets were all crossed
	// from one constructed without targets.
	hasTargets bool
	max        int64
	seen       bool
	cps        []results.Checkpoint
	mems       []results.MemSample
}

// NewTracker builds a tracker for the given target heights. Targets are
// sorted and deduplicated; a checkpoint is recorded at most once per
// target. The elapsed clock starts now.
func NewTracker(targets []int64) *Tracker {
	t := &Tracker{now: time.Now}
	t.targets = append(t.targets, targets...)
	sort.Slice(t.targets, func(i, j int) bool { return t.targets[i] < t.targets[j] })
	t.targets = dedup(t.targets)
	t.hasTargets = len(t.targets) > 0
	t.start = t.now()
	return t
}

func dedup(xs []int64) []int64 {
	out := xs[:0]
	for i, x := range xs {
		if i == 0 || x != xs[i-1] {
			out = append(out, x)
		}
	}
	return out
}

// Observe records one height observation and returns any newly emitted
// checkpoints.
func (t *Tracker) Observe(height int64) []results.Checkpoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.seen && height <= t.max {
		return nil
	}
	t.max = height
	t.seen = true
	elapsed := t.now().Sub(t.start)

	var emitted []results.Checkpoint
	if !t.hasTargets {
		cp := results.Checkpoint{Height: height, Elapsed: elapsed}
		t.cps = append(t.cps, cp)
		return append(emitted, cp)
	}
	for len(t.targets) > 0 && height >= t.targets[0] {
		cp := results.Checkpoint{Height: t.targets[0], Elapsed: elapsed}
		t.cps = append(t.cps, cp)
		emitted = append(emitted, cp)
		t.targets = t.targets[1:]
	}
	return emitted
}

// ObserveLine feeds one output line through the matcher.
func (t *Tracker) ObserveLine(line string, m ProgressMatcher) {
	if m == nil {
		return
	}
	if h, ok := m.Match(line); ok {
		t.Observe(h)
	}
}

// RecordMemSample notes a memory observation on the stage timeline. It
// does not participate in the height ordering invariant.
func (t *Tracker) RecordMemSample(rssKiB int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mems = append(t.mems, results.MemSample{
		Elapsed: t.now().Sub(t.start),
		RSSKiB:  rssKiB,
	})
}

// Checkpoints returns the emitted checkpoints in emission order.
func (t *Tracker) Checkpoints() []results.Checkpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]results.Checkpoint, len(t.cps))
	copy(out, t.cps)
	return out
}

// MemSamples returns the recorded memory samples in order.
func (t *Tracker) MemSamples() []results.MemSample {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]results.MemSample, len(t.mems))
	copy(out, t.mems)
	return out
}

// MaxHeight returns the highest height observed so far.
func (t *Tracker) MaxHeight() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.max
}

// Remaining returns targets not yet crossed, ascending.
func (t *Tracker) Remaining() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int64, len(t.targets))
	copy(out, t.targets)
	return out
}
