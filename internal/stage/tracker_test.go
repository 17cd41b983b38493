package stage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainbench/chainbench/internal/results"
)

// fakeClock advances one second per call.
func fakeClock() func() time.Time {
	t := time.Unix(1000, 0)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestTrackerTargets(t *testing.T) {
	tr := NewTracker([]int64{100, 200})
	tr.now = fakeClock()

	assert.Empty(t, tr.Observe(50))
	emitted := tr.Observe(100)
	require.Len(t, emitted, 1)
	assert.Equal(t, int64(100), emitted[0].Height)

	// Replayed and non-increasing heights are ignored.
	assert.Empty(t, tr.Observe(100))
	assert.Empty(t, tr.Observe(80))

	emitted = tr.Observe(250)
	require.Len(t, emitted, 1)
	assert.Equal(t, int64(200), emitted[0].Height)

	cps := tr.Checkpoints()
	require.Len(t, cps, 2)
	assert.Equal(t, int64(100), cps[0].Height)
	assert.Equal(t, int64(200), cps[1].Height)
	assert.Less(t, cps[0].Elapsed, cps[1].Elapsed)
	assert.Empty(t, tr.Remaining())
	assert.Equal(t, int64(250), tr.MaxHeight())
}

func TestTrackerCrossesMultipleTargetsAtOnce(t *testing.T) {
	tr := NewTracker([]int64{100, 200, 300})
	emitted := tr.Observe(250)
	require.Len(t, emitted, 2)
	assert.Equal(t, int64(100), emitted[0].Height)
	assert.Equal(t, int64(200), emitted[1].Height)
	assert.Equal(t, []int64{300}, tr.Remaining())
}

func TestTrackerStrictlyIncreasingProperty(t *testing.T) {
	// Arbitrary noisy input: emitted heights must be strictly
	// increasing and each emission must follow a new input maximum.
	input := []int64{5, 3, 10, 10, 7, 50, 49, 120, 120, 119, 300}
	tr := NewTracker(nil)
	for _, h := range input {
		tr.Observe(h)
	}
	cps := tr.Checkpoints()
	require.NotEmpty(t, cps)
	for i := 1; i < len(cps); i++ {
		assert.Greater(t, cps[i].Height, cps[i-1].Height)
	}
	assert.Equal(t, []int64{5, 10, 50, 120, 300}, heights(cps))
}

func TestTrackerTargetRecordedOnce(t *testing.T) {
	tr := NewTracker([]int64{100})
	tr.Observe(150)
	tr.Observe(40) // restart/replay
	tr.Observe(200)
	cps := tr.Checkpoints()
	require.Len(t, cps, 1)
	assert.Equal(t, int64(100), cps[0].Height)
}

func TestTrackerStopsAfterLastTarget(t *testing.T) {
	// A sync overshooting the last target must not keep emitting
	// checkpoints at arbitrary tip heights.
	tr := NewTracker([]int64{100, 200})
	for _, h := range []int64{50, 100, 150, 200, 250, 300} {
		tr.Observe(h)
	}
	assert.Equal(t, []int64{100, 200}, heights(tr.Checkpoints()))
	assert.Empty(t, tr.Remaining())
}

func TestTrackerDedupsTargets(t *testing.T) {
	tr := NewTracker([]int64{200, 100, 100})
	assert.Equal(t, []int64{100, 200}, tr.Remaining())
}

func TestTrackerMemSamplesSeparateFromHeights(t *testing.T) {
	tr := NewTracker([]int64{100})
	tr.now = fakeClock()
	tr.RecordMemSample(1024)
	tr.Observe(100)
	tr.RecordMemSample(2048)

	require.Len(t, tr.Checkpoints(), 1)
	mems := tr.MemSamples()
	require.Len(t, mems, 2)
	assert.Equal(t, int64(1024), mems[0].RSSKiB)
	assert.Equal(t, int64(2048), mems[1].RSSKiB)
	assert.Less(t, mems[0].Elapsed, mems[1].Elapsed)
}

func TestObserveLine(t *testing.T) {
	tr := NewTracker([]int64{650000})
	tr.ObserveLine("2024-01-01T00:00:00Z UpdateTip: new best=00000000abc height=649999 tx=900", UpdateTipMatcher)
	assert.Empty(t, tr.Checkpoints())
	tr.ObserveLine("2024-01-01T00:00:01Z UpdateTip: new best=00000000def height=650000 tx=901", UpdateTipMatcher)
	require.Len(t, tr.Checkpoints(), 1)
	tr.ObserveLine("not a progress line", UpdateTipMatcher)
	require.Len(t, tr.Checkpoints(), 1)
}

func heights(cps []results.Checkpoint) []int64 {
	out := make([]int64, len(cps))
	for i, cp := range cps {
		out[i] = cp.Height
	}
	return out
}
