package stage

import (
	"fmt"
	"strconv"
	"strings"
)

// MicroResult is one row of the node's micro-benchmark binary output.
type MicroResult struct {
	Name   string
	Median float64
	Min    float64
	Max    float64
}

// ParseMicrobench parses the CSV emitted by the micro-benchmark binary.
// Row structure is "Benchmark, evals, iterations, total, min, max,
// median"; the first line is a header.
func ParseMicrobench(output string) ([]MicroResult, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) < 2 {
		return nil, nil
	}
	var out []MicroResult
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ", ")
		if len(fields) != 7 {
			return nil, fmt.Errorf("malformed micro-benchmark row %q", line)
		}
		res := MicroResult{Name: fields[0]}
		var err error
		if res.Min, err = strconv.ParseFloat(fields[4], 64); err != nil {
			return nil, fmt.Errorf("bad min in row %q: %w", line, err)
		}
		if res.Max, err = strconv.ParseFloat(fields[5], 64); err != nil {
			return nil, fmt.Errorf("bad max in row %q: %w", line, err)
		}
		if res.Median, err = strconv.ParseFloat(fields[6], 64); err != nil {
			return nil, fmt.Errorf("bad median in row %q: %w", line, err)
		}
		if !(res.Max >= res.Median && res.Median >= res.Min) {
			return nil, fmt.Errorf(
				"%s has inconsistent results: min=%g median=%g max=%g",
				res.Name, res.Min, res.Median, res.Max)
		}
		out = append(out, res)
	}
	return out, nil
}
