package pipeline

import (
	"fmt"
	"strconv"

	"github.com/chainbench/chainbench/internal/config"
)

// benchName composes the series name a stage reports under. The format
// is stable across runs so the results store can chart a series over
// commits.
func benchName(kind config.StageKind, compiler string, s config.BenchSettings) string {
	switch kind {
	case config.StageBuild:
		return fmt.Sprintf("build.make.%d.%s", s.NumJobs, compiler)
	case config.StageMakeCheck:
		return fmt.Sprintf("makecheck.%s.%d", compiler, s.NumJobs)
	case config.StageFunctionalTests:
		return fmt.Sprintf("functionaltests.%s", compiler)
	case config.StageMicrobench:
		return fmt.Sprintf("micro.%s", compiler)
	case config.StageIBDFromNetwork:
		return fmt.Sprintf("ibd.real.%s.dbcache=%d", heightLabel(s.EndHeight), s.DBCache)
	case config.StageIBDFromLocal:
		return fmt.Sprintf("ibd.local.%s.dbcache=%d", heightLabel(s.EndHeight), s.DBCache)
	case config.StageIBDRangeFromLocal:
		return fmt.Sprintf("ibd.local.range.%d.%d.dbcache=%d", s.StartHeight, s.EndHeight, s.DBCache)
	case config.StageReindex:
		return fmt.Sprintf("reindex.%s.dbcache=%d", heightLabel(s.EndHeight), s.DBCache)
	case config.StageReindexChainstate:
		return fmt.Sprintf("reindex_chainstate.%s.dbcache=%d", heightLabel(s.EndHeight), s.DBCache)
	}
	return string(kind)
}

// microBenchName names one row of the micro-benchmark binary's output.
func microBenchName(compiler, bench string) string {
	return fmt.Sprintf("micro.%s.%s", compiler, bench)
}

func heightLabel(h int64) string {
	if h <= 0 {
		return "tip"
	}
	return strconv.FormatInt(h, 10)
}
