package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/chainbench/chainbench/internal/buildcache"
	"github.com/chainbench/chainbench/internal/config"
	"github.com/chainbench/chainbench/internal/gitutil"
	"github.com/chainbench/chainbench/internal/node"
	"github.com/chainbench/chainbench/internal/peer"
	"github.com/chainbench/chainbench/internal/results"
	"github.com/chainbench/chainbench/internal/stage"
)

// Benchmarked nodes listen off the standard ports so they can never be
// confused with the synced peer or a stray system node.
const (
	benchPort    = 8777
	benchRPCPort = 8778
)

// cell is the execution state of one (revision, compiler) pair.
type cell struct {
	p  *Pipeline
	cr *CellResult
	co *gitutil.Checkout

	workdir string
	srcDir  string
	binDir  string
	datadir string

	built bool
	// datadirReady means datadir holds a synced chain from an earlier
	// stage in this cell.
	datadirReady bool
	// stashed points at a preserved copy of the synced datadir, used to
	// restore a pristine chain before each reindex-style run.
	stashed string
}

func (p *Pipeline) runCell(ctx context.Context, cr *CellResult) {
	cr.State = StateResolving
	co, err := p.Resolver.Resolve(ctx, cr.Spec)
	if err != nil {
		klog.Errorf("cell %s: %v", cr.Name(), err)
		cr.State = StateAborted
		cr.Err = err
		return
	}
	cr.SHA = co.SHA
	klog.Infof("cell %s: benchmarking %s", cr.Name(), co)

	c := &cell{
		p:       p,
		cr:      cr,
		co:      co,
		workdir: filepath.Join(p.Workdir, "cells", sanitize(cr.Name())),
	}
	c.srcDir = filepath.Join(c.workdir, "src")
	c.datadir = filepath.Join(c.workdir, "datadir")

	cr.State = StateBuilding
	c.ensureBinary(ctx)
	if ctx.Err() != nil {
		cr.State = StateAborted
		cr.Err = ctx.Err()
		return
	}

	cr.State = StateStaging
	for _, kind := range p.Cfg.ConfiguredStages() {
		if kind == config.StageBuild {
			continue
		}
		s, _ := p.Cfg.StageSettings(kind)
		c.runStage(ctx, kind, s)
		if ctx.Err() != nil {
			cr.State = StateAborted
			cr.Err = ctx.Err()
			return
		}
	}

	cr.State = StateReporting
	p.report(cr)
	cr.State = StateDone
}

// ensureBinary makes the node binaries for this cell available, through
// the artifact cache when it applies. A cache hit still yields a build
// result so every cell reports the stage, marked so its zero timing is
// never sent to the store.
func (c *cell) ensureBinary(ctx context.Context) {
	p := c.p
	buildSettings, buildConfigured := p.Cfg.StageSettings(config.StageBuild)
	if !buildConfigured {
		buildSettings = config.BenchSettings{RunCount: 1, NumJobs: 1, Timeout: "2h"}
	}
	needed := buildConfigured
	for _, kind := range p.Cfg.ConfiguredStages() {
		if kind.NeedsBinary() {
			needed = true
		}
	}
	if !needed {
		return
	}

	var buildRes *results.StageResult
	if p.Cache != nil && !c.treeNeeded() {
		key := buildcache.NewKey(c.co.SHA, c.cr.Compiler, "")
		art, err := p.Cache.GetOrBuild(key, func(dst string) error {
			res := c.build(ctx, buildSettings)
			buildRes = res
			if res.Status != results.StatusSuccess {
				return fmt.Errorf("build failed: %s", res.Status)
			}
			return copyArtifacts(filepath.Join(c.srcDir, "src"), dst)
		})
		switch {
		case err == nil && art.Cached:
			c.binDir = art.Dir
			c.built = true
			buildRes = &results.StageResult{
				Kind:      config.StageBuild,
				BenchName: benchName(config.StageBuild, c.cr.Compiler, buildSettings),
				Status:    results.StatusSuccess,
				Extra:     map[string]string{"cached": "true"},
			}
		case err == nil:
			c.binDir = art.Dir
			c.built = true
		case buildRes == nil:
			buildRes = &results.StageResult{
				Kind:      config.StageBuild,
				BenchName: benchName(config.StageBuild, c.cr.Compiler, buildSettings),
				Status:    results.StatusFailed,
				Output:    err.Error(),
			}
		case buildRes.Status == results.StatusSuccess:
			// The compile succeeded but the binaries could not be staged
			// into the cache; without them no later stage can run.
			buildRes.Status = results.StatusFailed
			buildRes.Output = err.Error()
		}
	} else {
		buildRes = c.build(ctx, buildSettings)
		if buildRes.Status == results.StatusSuccess {
			c.binDir = filepath.Join(c.srcDir, "src")
			c.built = true
		}
	}

	if buildConfigured && buildRes != nil {
		c.finishResult(buildRes)
		c.cr.Stages = append(c.cr.Stages, buildRes)
	}
}

// treeNeeded reports whether a stage needs the full built source tree
// rather than just the node binaries.
func (c *cell) treeNeeded() bool {
	for _, kind := range c.p.Cfg.ConfiguredStages() {
		if kind == config.StageMakeCheck || kind == config.StageFunctionalTests {
			return true
		}
	}
	return false
}

// build checks the revision out and compiles it. Only the make step is
// timed; autogen and configure are setup.
func (c *cell) build(ctx context.Context, s config.BenchSettings) *results.StageResult {
	name := benchName(config.StageBuild, c.cr.Compiler, s)
	fail := func(output string) *results.StageResult {
		return &results.StageResult{
			Kind: config.StageBuild, BenchName: name,
			Status: results.StatusFailed, Output: output,
		}
	}

	if err := emptyDir(c.srcDir); err != nil {
		return fail(err.Error())
	}
	if err := c.p.Resolver.CheckoutTo(ctx, c.co, c.srcDir); err != nil {
		return fail(err.Error())
	}

	timeout := s.TimeoutDuration()
	env := []string{"CC=" + c.cr.Compiler, "CXX=" + cxxFor(c.cr.Compiler)}
	setup := []stage.Command{
		{Name: "./autogen.sh", Dir: c.srcDir, Env: env},
		{Name: "./configure", Args: []string{"--disable-wallet", "--without-gui"}, Dir: c.srcDir, Env: env},
	}
	for _, cmd := range setup {
		out, err := c.p.Runner.Run(ctx, cmd, timeout, nil, nil)
		if err != nil {
			return fail(err.Error())
		}
		if out.Status != results.StatusSuccess {
			return fail(out.Output)
		}
	}

	makeCmd := stage.Command{
		Name: "make",
		Args: []string{fmt.Sprintf("-j%d", s.NumJobs)},
		Dir:  c.srcDir,
		Env:  env,
	}
	out, err := c.p.Runner.Run(ctx, makeCmd, timeout, nil, nil)
	if err != nil {
		return fail(err.Error())
	}
	res := c.newResult(config.StageBuild, name, 0, out)
	return res
}

// runStage executes every configured repeat of one stage, or records why
// it could not run.
func (c *cell) runStage(ctx context.Context, kind config.StageKind, s config.BenchSettings) {
	name := benchName(kind, c.cr.Compiler, s)
	if reason := c.unmetPrereq(kind, s); reason != "" {
		klog.Warningf("cell %s: skipping %s: %s", c.cr.Name(), kind, reason)
		c.cr.Stages = append(c.cr.Stages, c.skippedResult(kind, name, reason))
		return
	}

	for r := 0; r < s.RunCount; r++ {
		res := c.runOnce(ctx, kind, s, r)
		c.finishResult(res)
		c.cr.Stages = append(c.cr.Stages, res)
		if ctx.Err() != nil {
			return
		}
		if c.p.peerDown && kind.NeedsPeer() {
			// No point repeating against a peer that just vanished.
			return
		}
		if kind == config.StageMicrobench && res.Status == results.StatusSuccess {
			c.appendMicroResults(res, r)
		}
	}
}

// unmetPrereq returns a human-readable reason the stage cannot run, or
// empty when all prerequisites hold.
func (c *cell) unmetPrereq(kind config.StageKind, s config.BenchSettings) string {
	for _, dep := range prereqs[kind] {
		if dep == config.StageBuild && !c.built {
			return "build did not succeed"
		}
	}
	if kind.NeedsPeer() && c.p.peerDown {
		return "synced peer unavailable"
	}
	if kind == config.StageIBDRangeFromLocal && s.SrcDatadir == "" {
		return "no source datadir synced to the start height"
	}
	if needsDatadir(kind) && !c.datadirReady && c.stashed == "" && s.SrcDatadir == "" {
		return "no synced datadir to reindex"
	}
	return ""
}

// runOnce performs one repeat of a stage.
func (c *cell) runOnce(ctx context.Context, kind config.StageKind, s config.BenchSettings, run int) *results.StageResult {
	name := benchName(kind, c.cr.Compiler, s)
	klog.Infof("cell %s: %s run %d/%d", c.cr.Name(), name, run+1, s.RunCount)

	switch kind {
	case config.StageMakeCheck:
		cmd := stage.Command{
			Name: "make",
			Args: []string{fmt.Sprintf("-j%d", s.NumJobs), "check"},
			Dir:  c.srcDir,
		}
		return c.supervise(ctx, kind, name, run, cmd, s, nil, nil)

	case config.StageFunctionalTests:
		cmd := stage.Command{
			Name: filepath.Join(c.srcDir, "test", "functional", "test_runner.py"),
			Dir:  c.srcDir,
		}
		return c.supervise(ctx, kind, name, run, cmd, s, nil, nil)

	case config.StageMicrobench:
		cmd := stage.Command{
			Name: c.benchBinary(),
			Dir:  c.workdir,
		}
		return c.supervise(ctx, kind, name, run, cmd, s, nil, nil)

	default:
		return c.runNodeStage(ctx, kind, name, run, s)
	}
}

// runNodeStage runs bitcoind as the timed workload: an initial block
// download, a bounded range sync, or a reindex of an existing datadir.
func (c *cell) runNodeStage(ctx context.Context, kind config.StageKind, name string, run int, s config.BenchSettings) *results.StageResult {
	if err := c.prepareDatadir(kind, s); err != nil {
		res := c.skippedResult(kind, name, err.Error())
		res.Status = results.StatusFailed
		res.RunIndex = run
		return res
	}

	var handle *peer.Handle
	if kind.NeedsPeer() {
		h, err := c.p.Peers.Acquire(ctx)
		if err != nil {
			c.p.peerDown = true
			klog.Errorf("cell %s: %v", c.cr.Name(), err)
			return &results.StageResult{
				Kind: kind, BenchName: name, RunIndex: run,
				Status: results.StatusFailed, Output: err.Error(),
			}
		}
		handle = h
		defer c.p.Peers.Release(ctx, handle)
	}

	if c.p.DropCaches != nil && c.p.Cfg.CacheDrop {
		if err := c.p.DropCaches(); err != nil {
			klog.Warningf("unable to drop page caches: %v", err)
		}
	}

	cmd := stage.Command{
		Name: filepath.Join(c.binDir, "bitcoind"),
		Args: c.nodeArgs(kind, s, handle),
		Dir:  c.workdir,
	}
	tracker := stage.NewTracker(s.TimeHeights)
	res := c.superviseTracked(ctx, kind, name, run, cmd, s, tracker)
	if len(s.TimeHeights) == 0 {
		// Without configured heights the tracker checkpoints every tip
		// advance; that is progress logging, not a reportable series.
		res.Checkpoints = nil
	}

	if res.Status == results.StatusSuccess && datadirProducer(kind) {
		c.datadirReady = true
		if s.StashDatadir != "" && run == s.RunCount-1 {
			if err := stashTree(c.datadir, s.StashDatadir); err != nil {
				klog.Warningf("cell %s: %v", c.cr.Name(), err)
			} else {
				c.stashed = s.StashDatadir
				c.datadirReady = false
			}
		}
	}
	if res.Status != results.StatusSuccess && node.DiskLow(c.datadir) {
		res.Output += "\n(node reported low disk space)"
	}
	return res
}

// prepareDatadir sets the chain data directory up for one node run.
func (c *cell) prepareDatadir(kind config.StageKind, s config.BenchSettings) error {
	switch kind {
	case config.StageIBDFromNetwork, config.StageIBDFromLocal:
		return emptyDir(c.datadir)
	case config.StageIBDRangeFromLocal:
		return copyTree(s.SrcDatadir, c.datadir)
	case config.StageReindex, config.StageReindexChainstate:
		switch {
		case s.SrcDatadir != "":
			return copyTree(s.SrcDatadir, c.datadir)
		case c.stashed != "":
			return copyTree(c.stashed, c.datadir)
		case c.datadirReady:
			return nil
		default:
			return fmt.Errorf("no synced datadir to reindex")
		}
	}
	return nil
}

func (c *cell) nodeArgs(kind config.StageKind, s config.BenchSettings, h *peer.Handle) []string {
	args := []string{
		"-datadir=" + c.datadir,
		fmt.Sprintf("-port=%d", benchPort),
		fmt.Sprintf("-rpcport=%d", benchRPCPort),
		fmt.Sprintf("-dbcache=%d", s.DBCache),
	}
	args = append(args, node.BenchArgs...)
	if s.EndHeight > 0 {
		args = append(args, fmt.Sprintf("-stopatheight=%d", s.EndHeight))
	}
	switch kind {
	case config.StageIBDFromNetwork:
		args = append(args, "-listen=0")
	case config.StageIBDFromLocal, config.StageIBDRangeFromLocal:
		args = append(args, "-listen=0", "-connect="+h.Address)
	case config.StageReindex:
		args = append(args, "-reindex", "-connect=0", "-listen=0")
	case config.StageReindexChainstate:
		args = append(args, "-reindex-chainstate", "-connect=0", "-listen=0")
	}
	if extra := c.cr.Spec.BitcoindExtraArgs; extra != "" {
		args = append(args, strings.Fields(extra)...)
	}
	return args
}

// supervise runs one untracked command as a stage repeat.
func (c *cell) supervise(ctx context.Context, kind config.StageKind, name string, run int,
	cmd stage.Command, s config.BenchSettings, matcher stage.ProgressMatcher, tracker *stage.Tracker) *results.StageResult {

	out, err := c.p.Runner.Run(ctx, cmd, s.TimeoutDuration(), matcher, tracker)
	if err != nil && out == nil {
		return &results.StageResult{
			Kind: kind, BenchName: name, RunIndex: run,
			Status: results.StatusFailed, Output: err.Error(),
		}
	}
	res := c.newResult(kind, name, run, out)
	if tracker != nil {
		res.Checkpoints = tracker.Checkpoints()
		res.MemSamples = tracker.MemSamples()
	}
	return res
}

func (c *cell) superviseTracked(ctx context.Context, kind config.StageKind, name string, run int,
	cmd stage.Command, s config.BenchSettings, tracker *stage.Tracker) *results.StageResult {
	return c.supervise(ctx, kind, name, run, cmd, s, stage.UpdateTipMatcher, tracker)
}

// appendMicroResults expands a successful micro-benchmark run into one
// result per benchmark row.
func (c *cell) appendMicroResults(res *results.StageResult, run int) {
	rows, err := stage.ParseMicrobench(res.Output)
	if err != nil {
		klog.Warningf("cell %s: %v", c.cr.Name(), err)
		res.Status = results.StatusFailed
		res.Output = err.Error() + "\n" + res.Output
		return
	}
	for _, row := range rows {
		mr := &results.StageResult{
			Kind:        config.StageMicrobench,
			BenchName:   microBenchName(c.cr.Compiler, row.Name),
			RunIndex:    run,
			Status:      results.StatusSuccess,
			Duration:    time.Duration(row.Median * float64(time.Second)),
			MinDuration: time.Duration(row.Min * float64(time.Second)),
			MaxDuration: time.Duration(row.Max * float64(time.Second)),
		}
		c.finishResult(mr)
		c.cr.Stages = append(c.cr.Stages, mr)
	}
}

func (c *cell) newResult(kind config.StageKind, name string, run int, out *stage.Outcome) *results.StageResult {
	return &results.StageResult{
		Kind:       kind,
		BenchName:  name,
		RunIndex:   run,
		Status:     out.Status,
		Duration:   out.Duration,
		PeakRSSKiB: out.PeakRSSKiB,
		Output:     out.Output,
	}
}

func (c *cell) skippedResult(kind config.StageKind, name, reason string) *results.StageResult {
	return &results.StageResult{
		Kind: kind, BenchName: name,
		Status: results.StatusSkipped,
		Extra:  map[string]string{"reason": reason},
	}
}

// finishResult stamps the cell identity onto a stage result.
func (c *cell) finishResult(res *results.StageResult) {
	res.Revision = c.cr.Spec.Name()
	res.CommitSHA = c.co.SHA
	res.Compiler = c.cr.Compiler
}

// benchBinary locates the micro-benchmark binary: flat in a cached
// artifact directory, under bench/ in a built tree.
func (c *cell) benchBinary() string {
	flat := filepath.Join(c.binDir, "bench_bitcoin")
	if _, err := os.Stat(flat); err == nil {
		return flat
	}
	return filepath.Join(c.binDir, "bench", "bench_bitcoin")
}

func cxxFor(cc string) string {
	switch cc {
	case "gcc":
		return "g++"
	case "clang":
		return "clang++"
	}
	return cc + "++"
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', ':', ' ':
			return '-'
		}
		return r
	}, name)
}
