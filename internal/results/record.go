package results

import (
	"fmt"
	"net/url"
	"strconv"
)

// Record is one benchmark observation in the results-store wire format.
// The store keys submissions on (benchmark, commit, environment, date),
// so resubmitting the same record is harmless.
type Record struct {
	Benchmark   string
	CommitID    string
	Branch      string
	Environment string
	Executable  string
	Value       float64
	Units       string
	UnitsTitle  string
	Max         float64
	Min         float64
}

// Encode renders the record as the form body POSTed to the results store.
func (r Record) Encode() url.Values {
	v := url.Values{}
	v.Set("benchmark", r.Benchmark)
	v.Set("commitid", r.CommitID)
	v.Set("branch", r.Branch)
	v.Set("project", "Bitcoin Core")
	v.Set("environment", r.Environment)
	v.Set("executable", r.Executable)
	v.Set("result_value", strconv.FormatFloat(r.Value, 'f', -1, 64))
	v.Set("units", r.Units)
	v.Set("units_title", r.UnitsTitle)
	v.Set("lessisbetter", "True")
	if r.Max != 0 {
		v.Set("max", strconv.FormatFloat(r.Max, 'f', -1, 64))
	}
	if r.Min != 0 {
		v.Set("min", strconv.FormatFloat(r.Min, 'f', -1, 64))
	}
	return v
}

// ParseRecord decodes a wire form body back into a Record.
func ParseRecord(v url.Values) (Record, error) {
	rec := Record{
		Benchmark:   v.Get("benchmark"),
		CommitID:    v.Get("commitid"),
		Branch:      v.Get("branch"),
		Environment: v.Get("environment"),
		Executable:  v.Get("executable"),
		Units:       v.Get("units"),
		UnitsTitle:  v.Get("units_title"),
	}
	if rec.Benchmark == "" {
		return Record{}, fmt.Errorf("record is missing a benchmark name")
	}
	val, err := strconv.ParseFloat(v.Get("result_value"), 64)
	if err != nil {
		return Record{}, fmt.Errorf("bad result_value %q: %w", v.Get("result_value"), err)
	}
	rec.Value = val
	if s := v.Get("max"); s != "" {
		rec.Max, _ = strconv.ParseFloat(s, 64)
	}
	if s := v.Get("min"); s != "" {
		rec.Min, _ = strconv.ParseFloat(s, 64)
	}
	return rec, nil
}
