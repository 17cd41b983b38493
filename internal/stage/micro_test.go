package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const microOutput = `Benchmark, evals, iterations, total, min, max, median
Base58Decode, 5, 10000, 2.5, 0.00004, 0.00006, 0.00005
CCheckQueueSpeedPrevectorJob, 5, 1400, 3.1, 0.0004, 0.0005, 0.00045
`

func TestParseMicrobench(t *testing.T) {
	rows, err := ParseMicrobench(microOutput)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Base58Decode", rows[0].Name)
	assert.Equal(t, 0.00005, rows[0].Median)
	assert.Equal(t, 0.00004, rows[0].Min)
	assert.Equal(t, 0.00006, rows[0].Max)
}

func TestParseMicrobenchRejectsInconsistentRows(t *testing.T) {
	_, err := ParseMicrobench(
		"Benchmark, evals, iterations, total, min, max, median\n" +
			"Bad, 5, 100, 1, 0.5, 0.2, 0.3\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inconsistent")
}

func TestParseMicrobenchRejectsMalformedRows(t *testing.T) {
	_, err := ParseMicrobench(
		"Benchmark, evals, iterations, total, min, max, median\n" +
			"TooFew, 1, 2\n")
	require.Error(t, err)
}

func TestParseMicrobenchEmpty(t *testing.T) {
	rows, err := ParseMicrobench("")
	require.NoError(t, err)
	assert.Empty(t, rows)
}
