package results

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainbench/chainbench/internal/config"
)

func TestRecordRoundTrip(t *testing.T) {
	rec := Record{
		Benchmark:   "ibd.local.650000.dbcache=2048",
		CommitID:    "e59c59c7befdbb0a600b557f05f009c03f98c2c8",
		Branch:      "master",
		Environment: "bench-ssd-1",
		Executable:  "bitcoind",
		Value:       5123.25,
		Units:       "seconds",
		UnitsTitle:  "Time",
		Max:         5200,
		Min:         5000,
	}
	parsed, err := ParseRecord(rec.Encode())
	require.NoError(t, err)
	assert.Equal(t, rec, parsed)
}

func TestParseRecordRejectsGarbage(t *testing.T) {
	rec := Record{Benchmark: "build.make.4.gcc", Value: 2}
	v := rec.Encode()
	v.Set("result_value", "not-a-number")
	_, err := ParseRecord(v)
	require.Error(t, err)

	v = rec.Encode()
	v.Del("benchmark")
	_, err = ParseRecord(v)
	require.Error(t, err)
}

func TestStageResultRecords(t *testing.T) {
	res := &StageResult{
		Kind:       config.StageIBDFromLocal,
		BenchName:  "ibd.local.200.dbcache=2048",
		Revision:   "master",
		CommitSHA:  "abc123",
		Compiler:   "gcc",
		Status:     StatusSuccess,
		Duration:   90 * time.Second,
		PeakRSSKiB: 2048,
		Checkpoints: []Checkpoint{
			{Height: 100, Elapsed: 40 * time.Second},
			{Height: 200, Elapsed: 90 * time.Second},
		},
	}
	recs := res.Records("env-1")
	require.Len(t, recs, 4)
	assert.Equal(t, "ibd.local.200.dbcache=2048", recs[0].Benchmark)
	assert.Equal(t, 90.0, recs[0].Value)
	assert.Equal(t, "ibd.local.200.dbcache=2048.100", recs[1].Benchmark)
	assert.Equal(t, 40.0, recs[1].Value)
	assert.Equal(t, "ibd.local.200.dbcache=2048.200", recs[2].Benchmark)
	assert.Equal(t, "ibd.local.200.dbcache=2048.mem-usage", recs[3].Benchmark)
	assert.Equal(t, "KiB", recs[3].Units)
	for _, rec := range recs {
		assert.Equal(t, "bitcoind", rec.Executable)
		assert.Equal(t, "env-1", rec.Environment)
	}
}

func TestStageResultRecordsCarrySpread(t *testing.T) {
	res := &StageResult{
		Kind:        config.StageMicrobench,
		BenchName:   "micro.gcc.Base58Decode",
		CommitSHA:   "abc123",
		Status:      StatusSuccess,
		Duration:    2 * time.Millisecond,
		MinDuration: 1900 * time.Microsecond,
		MaxDuration: 2100 * time.Microsecond,
	}
	recs := res.Records("env-1")
	require.Len(t, recs, 1)
	assert.InDelta(t, 0.0019, recs[0].Min, 1e-9)
	assert.InDelta(t, 0.0021, recs[0].Max, 1e-9)

	form := recs[0].Encode()
	assert.NotEmpty(t, form.Get("min"))
	assert.NotEmpty(t, form.Get("max"))
}

func TestStageResultRecordsSkipsUnmeasured(t *testing.T) {
	failed := &StageResult{Status: StatusFailed, BenchName: "build.make.1.gcc"}
	assert.Empty(t, failed.Records("env"))

	cached := &StageResult{
		Status:    StatusSuccess,
		BenchName: "build.make.1.gcc",
		Extra:     map[string]string{"cached": "true"},
	}
	assert.Empty(t, cached.Records("env"))
}

func TestJournalIdempotency(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	rec := Record{
		Benchmark:   "build.make.4.gcc",
		CommitID:    "abc123",
		Branch:      "master",
		Environment: "env-1",
		Executable:  "make",
		Value:       812.5,
		Units:       "seconds",
		UnitsTitle:  "Time",
	}
	inserted, err := j.Append("run-1", rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same identity again: dropped, not duplicated.
	inserted, err = j.Append("run-1", rec)
	require.NoError(t, err)
	assert.False(t, inserted)

	other := rec
	other.Benchmark = "makecheck.gcc.3"
	inserted, err = j.Append("run-1", other)
	require.NoError(t, err)
	assert.True(t, inserted)

	got, err := j.ForRun("run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, rec.Benchmark, got[0].Benchmark)
	assert.Equal(t, other.Benchmark, got[1].Benchmark)
}
