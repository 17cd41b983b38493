package pipeline

import "github.com/chainbench/chainbench/internal/config"

// prereqs maps each stage kind to the kinds that must have succeeded
// earlier in the same cell before it may run. Kinds absent from the map
// have no prerequisites.
var prereqs = map[config.StageKind][]config.StageKind{
	config.StageMakeCheck:         {config.StageBuild},
	config.StageFunctionalTests:   {config.StageBuild},
	config.StageMicrobench:        {config.StageBuild},
	config.StageIBDFromNetwork:    {config.StageBuild},
	config.StageIBDFromLocal:      {config.StageBuild},
	config.StageIBDRangeFromLocal: {config.StageBuild},
	config.StageReindex:           {config.StageBuild},
	config.StageReindexChainstate: {config.StageBuild},
}

// datadirProducer reports whether a successful run of kind leaves a
// populated chain data directory behind for reindex-style stages.
func datadirProducer(kind config.StageKind) bool {
	switch kind {
	case config.StageIBDFromNetwork, config.StageIBDFromLocal, config.StageIBDRangeFromLocal:
		return true
	}
	return false
}

// needsDatadir reports whether kind operates on an existing populated
// data directory rather than building one.
func needsDatadir(kind config.StageKind) bool {
	return kind == config.StageReindex || kind == config.StageReindexChainstate
}
