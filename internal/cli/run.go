package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/chainbench/chainbench/internal/buildcache"
	"github.com/chainbench/chainbench/internal/config"
	"github.com/chainbench/chainbench/internal/gitutil"
	"github.com/chainbench/chainbench/internal/hostcheck"
	"github.com/chainbench/chainbench/internal/node"
	"github.com/chainbench/chainbench/internal/output"
	"github.com/chainbench/chainbench/internal/peer"
	"github.com/chainbench/chainbench/internal/pipeline"
	"github.com/chainbench/chainbench/internal/results"
	"github.com/chainbench/chainbench/internal/stage"
)

// minPeerVersion is the oldest node version whose log output and RPC
// surface the engine understands.
const minPeerVersion = "0.17.0"

// NewRunCommand builds the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <config.yml>",
		Short: "Execute the benchmark matrix described by a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBenchmarks(cmd.Context(), rootOpts, args[0])
		},
	}
	return cmd
}

func runBenchmarks(ctx context.Context, opts *RootOptions, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	klog.Infof("configuration:\n%s", cfg.Summary())

	if cfg.Workdir == "" {
		dir, err := os.MkdirTemp("", "chainbench-")
		if err != nil {
			return err
		}
		cfg.Workdir = dir
	}
	if err := os.MkdirAll(cfg.Workdir, 0755); err != nil {
		return err
	}

	checker := &hostcheck.Checker{}
	release, err := checker.AcquireLock()
	if err != nil {
		return err
	}
	defer release()

	if cfg.SafetyChecksEnabled() {
		if err := checker.Verify(); err != nil {
			if !opts.Yes && !confirm(fmt.Sprintf("%v. Continue anyway?", err)) {
				return err
			}
			klog.Warningf("proceeding despite: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, cleanup, err := assemblePipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	summary, runErr := p.Run(ctx)
	output.WriteTimes(os.Stdout, summary)
	output.WriteComparison(os.Stdout, summary)

	if cfg.TeardownEnabled() {
		if err := os.RemoveAll(filepath.Join(cfg.Workdir, "cells")); err != nil {
			klog.Warningf("teardown: %v", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	if summary.Aborted() {
		return fmt.Errorf("run aborted: not every cell could execute")
	}
	if summary.Failed() {
		klog.Warningf("run finished with failed stages")
	}
	return nil
}

// assemblePipeline builds the pipeline and its collaborators from the
// loaded configuration.
func assemblePipeline(ctx context.Context, cfg *config.Config) (*pipeline.Pipeline, func(), error) {
	resolver := gitutil.NewResolver(cfg.RepoURL, filepath.Join(cfg.Workdir, "gitcache"), cfg.CacheGit)

	cache, err := buildcache.New(cfg.CacheBuildDir, cfg.CacheBuild)
	if err != nil {
		return nil, nil, err
	}

	journal, err := results.OpenJournal(filepath.Join(cfg.Workdir, "results.db"))
	if err != nil {
		return nil, nil, err
	}

	reporters := []results.Reporter{results.LogReporter{}}
	if cfg.Codespeed.URL != "" {
		reporters = append(reporters, results.NewCodespeedReporter(cfg.Codespeed))
	}

	p := &pipeline.Pipeline{
		Cfg:       cfg,
		Resolver:  resolver,
		Runner:    &stage.Runner{MemSampleInterval: 30 * time.Second},
		Cache:     cache,
		Reporters: reporters,
		Journal:   journal,
		Notifier:  results.NewSlackNotifier(cfg.Slack),
		Workdir:   cfg.Workdir,
	}
	if cfg.CacheDrop {
		p.DropCaches = hostcheck.DropCaches
	}

	cleanup := func() {
		if err := journal.Close(); err != nil {
			klog.Warningf("closing journal: %v", err)
		}
	}

	mgr, err := peerManager(ctx, cfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if mgr != nil {
		p.Peers = mgr
		inner := cleanup
		cleanup = func() {
			mgr.Shutdown(context.Background())
			inner()
		}
	}
	return p, cleanup, nil
}

// peerManager builds the synced-peer manager when any configured stage
// needs one. A local peer's binary is version-gated up front so a stale
// reference build fails fast instead of mid-run.
func peerManager(ctx context.Context, cfg *config.Config) (*peer.Manager, error) {
	var minHeight int64
	needed := false
	for _, kind := range cfg.ConfiguredStages() {
		if !kind.NeedsPeer() {
			continue
		}
		needed = true
		if s, ok := cfg.StageSettings(kind); ok && s.EndHeight > minHeight {
			minHeight = s.EndHeight
		}
	}
	if !needed {
		return nil, nil
	}

	mgr := &peer.Manager{
		Peer:      cfg.SyncedPeer,
		MinHeight: minHeight,
		Teardown:  cfg.TeardownEnabled(),
	}
	if cfg.SyncedPeer.Local() {
		n := &node.Node{
			BinDir:    peer.PeerBinDir(cfg.SyncedPeer.Repodir),
			Datadir:   cfg.SyncedPeer.Datadir,
			Port:      peer.LocalPeerPort,
			RPCPort:   peer.LocalPeerPort + 1,
			ExtraArgs: nil,
		}
		v, err := n.Version(ctx)
		if err != nil {
			return nil, fmt.Errorf("synced peer binary: %w", err)
		}
		if !node.VersionAtLeast(minPeerVersion, v) {
			return nil, fmt.Errorf("synced peer runs %s, need at least %s", v, minPeerVersion)
		}
		mgr.Node = n
	}
	return mgr, nil
}

func confirm(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
