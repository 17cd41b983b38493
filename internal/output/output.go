// Package output renders end-of-run summary tables.
package output

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/chainbench/chainbench/internal/pipeline"
	"github.com/chainbench/chainbench/internal/results"
)

// TimesRows flattens every stage result into one row per run.
func TimesRows(s *pipeline.RunSummary) [][]string {
	var rows [][]string
	for _, cell := range s.Cells {
		for _, sr := range cell.Stages {
			rows = append(rows, []string{
				sr.BenchName,
				cell.Spec.Name(),
				cell.Compiler,
				strconv.Itoa(sr.RunIndex),
				statusLabel(sr),
				fmtDuration(sr),
				fmtRSS(sr.PeakRSSKiB),
			})
		}
	}
	return rows
}

// WriteTimes renders the per-run timing table.
func WriteTimes(w io.Writer, s *pipeline.RunSummary) {
	writeTitle(w, "Timings")
	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_CENTER)
	table.SetHeader([]string{"Bench", "Revision", "Compiler", "Run", "Status", "Time", "Peak RSS"})
	table.SetAutoMergeCells(true)
	table.SetRowLine(true)
	table.AppendBulk(TimesRows(s))
	table.Render()
}

// ComparisonRows compares every bench across cells. The first cell with
// a measured timing for a bench is the base; other cells show their
// deviation from it. Repeated runs are averaged.
func ComparisonRows(s *pipeline.RunSummary) [][]string {
	type cellMean struct {
		cell *pipeline.CellResult
		mean float64
	}
	var order []string
	byBench := map[string][]cellMean{}

	for _, cell := range s.Cells {
		means := map[string][]float64{}
		var cellOrder []string
		for _, sr := range cell.Stages {
			if !sr.Measured() {
				continue
			}
			if _, seen := means[sr.BenchName]; !seen {
				cellOrder = append(cellOrder, sr.BenchName)
			}
			means[sr.BenchName] = append(means[sr.BenchName], sr.Duration.Seconds())
		}
		for _, name := range cellOrder {
			if _, seen := byBench[name]; !seen {
				order = append(order, name)
			}
			byBench[name] = append(byBench[name], cellMean{cell: cell, mean: mean(means[name])})
		}
	}

	var rows [][]string
	for _, name := range order {
		entries := byBench[name]
		base := entries[0].mean
		for i, e := range entries {
			delta := "(base)"
			if i > 0 && base > 0 {
				delta = fmt.Sprintf("%+.2f%%", (e.mean-base)/base*100)
			}
			rows = append(rows, []string{
				name,
				e.cell.Spec.Name(),
				e.cell.Compiler,
				fmt.Sprintf("%.2fs", e.mean),
				delta,
			})
		}
	}
	return rows
}

// WriteComparison renders the cross-revision comparison table. Nothing
// is rendered when no bench was measured.
func WriteComparison(w io.Writer, s *pipeline.RunSummary) {
	rows := ComparisonRows(s)
	if len(rows) == 0 {
		return
	}
	writeTitle(w, "Comparison")
	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_CENTER)
	table.SetHeader([]string{"Bench", "Revision", "Compiler", "Time", "Vs Base"})
	table.SetRowLine(true)
	table.AppendBulk(rows)
	table.Render()
}

func writeTitle(w io.Writer, title string) {
	fmt.Fprintf(w, "\n%s\n%s\n\n", title, strings.Repeat("=", len(title)))
}

func statusLabel(sr *results.StageResult) string {
	if sr.Status == results.StatusSuccess && sr.Extra["cached"] == "true" {
		return "success (cached)"
	}
	return string(sr.Status)
}

func fmtDuration(sr *results.StageResult) string {
	if !sr.Measured() {
		return "-"
	}
	return fmt.Sprintf("%.2fs", sr.Duration.Seconds())
}

func fmtRSS(kib int64) string {
	if kib <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d MiB", kib/1024)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
