// Package config loads and validates the declarative run configuration.
//
// The configuration enumerates a closed set of benchmark stage kinds;
// unknown keys and unknown stage kinds are rejected at load time so that
// a bad run never fails hours in.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// StageKind identifies one benchmark stage type.
type StageKind string

const (
	StageBuild             StageKind = "build"
	StageMakeCheck         StageKind = "makecheck"
	StageFunctionalTests   StageKind = "functionaltests"
	StageMicrobench        StageKind = "microbench"
	StageIBDFromNetwork    StageKind = "ibd_from_network"
	StageIBDFromLocal      StageKind = "ibd_from_local"
	StageIBDRangeFromLocal StageKind = "ibd_range_from_local"
	StageReindex           StageKind = "reindex"
	StageReindexChainstate StageKind = "reindex_chainstate"
)

// StageKinds lists every recognized stage kind in canonical execution order.
var StageKinds = []StageKind{
	StageBuild,
	StageMakeCheck,
	StageFunctionalTests,
	StageMicrobench,
	StageIBDFromNetwork,
	StageIBDFromLocal,
	StageIBDRangeFromLocal,
	StageReindex,
	StageReindexChainstate,
}

// NeedsPeer reports whether the stage kind syncs from a peer node.
func (k StageKind) NeedsPeer() bool {
	return k == StageIBDFromLocal || k == StageIBDRangeFromLocal
}

// NeedsBinary reports whether the stage kind requires a built artifact.
func (k StageKind) NeedsBinary() bool {
	return k != StageBuild
}

func (k StageKind) valid() bool {
	for _, known := range StageKinds {
		if k == known {
			return true
		}
	}
	return false
}

// RevisionSpec names one revision to benchmark.
type RevisionSpec struct {
	Gitref            string `yaml:"gitref"`
	Gitremote         string `yaml:"gitremote"`
	Rebase            bool   `yaml:"rebase"`
	BitcoindExtraArgs string `yaml:"bitcoind_extra_args"`
}

// Name returns the display name used in logs and result tables.
func (r RevisionSpec) Name() string {
	if r.Gitremote != "" {
		return r.Gitremote + "/" + r.Gitref
	}
	return r.Gitref
}

// SyncedPeer describes the reference node serving chain data. Exactly one
// of Address (remote peer) or Datadir+Repodir (locally managed peer) must
// be set when a sync stage is configured.
type SyncedPeer struct {
	Address           string `yaml:"address"`
	Datadir           string `yaml:"datadir"`
	Repodir           string `yaml:"repodir"`
	BitcoindExtraArgs string `yaml:"bitcoind_extra_args"`
}

// Local reports whether the peer is started and stopped by this engine.
func (p SyncedPeer) Local() bool {
	return p.Address == "" && p.Datadir != ""
}

func (p SyncedPeer) configured() bool {
	return p.Address != "" || p.Datadir != "" || p.Repodir != ""
}

// BenchSettings configures one stage kind. Zero values are filled from
// per-kind defaults at load time.
type BenchSettings struct {
	RunCount     int     `yaml:"run_count"`
	NumJobs      int     `yaml:"num_jobs"`
	StartHeight  int64   `yaml:"start_height"`
	EndHeight    int64   `yaml:"end_height"`
	TimeHeights  []int64 `yaml:"time_heights"`
	SrcDatadir   string  `yaml:"src_datadir"`
	StashDatadir string  `yaml:"stash_datadir"`
	DBCache      int     `yaml:"dbcache"`
	Timeout      string  `yaml:"timeout"`
}

// TimeoutDuration returns the parsed stage timeout.
func (b BenchSettings) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(b.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// Codespeed holds results-store credentials.
type Codespeed struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Envname  string `yaml:"envname"`
}

// Slack holds the notification webhook target.
type Slack struct {
	WebhookURL string `yaml:"webhook_url"`
}

// Config is the validated, immutable run configuration.
type Config struct {
	Workdir       string                       `yaml:"workdir"`
	Compilers     []string                     `yaml:"compilers"`
	ToBench       []RevisionSpec               `yaml:"to_bench"`
	SyncedPeer    SyncedPeer                   `yaml:"synced_peer"`
	Benches       map[StageKind]*BenchSettings `yaml:"benches"`
	CacheBuild    bool                         `yaml:"cache_build"`
	CacheBuildDir string                       `yaml:"cache_build_dir"`
	CacheGit      bool                         `yaml:"cache_git"`
	CacheDrop     bool                         `yaml:"cache_drop"`
	SafetyChecks  *bool                        `yaml:"safety_checks"`
	Teardown      *bool                        `yaml:"teardown"`
	RepoURL       string                       `yaml:"repo_url"`
	LogLevel      string                       `yaml:"log_level"`
	Codespeed     Codespeed                    `yaml:"codespeed"`
	Slack         Slack                        `yaml:"slack"`
}

// defaults per stage kind. Every kind has an entry so that a bench block
// consisting of just the key (`build:`) is runnable.
var defaultSettings = map[StageKind]BenchSettings{
	StageBuild:             {RunCount: 1, NumJobs: 1, Timeout: "2h"},
	StageMakeCheck:         {RunCount: 1, NumJobs: 1, Timeout: "2h"},
	StageFunctionalTests:   {RunCount: 1, NumJobs: 1, Timeout: "4h"},
	StageMicrobench:        {RunCount: 1, Timeout: "1h"},
	StageIBDFromNetwork:    {RunCount: 1, DBCache: 2048, Timeout: "48h"},
	StageIBDFromLocal:      {RunCount: 1, DBCache: 2048, Timeout: "24h"},
	StageIBDRangeFromLocal: {RunCount: 1, DBCache: 2048, Timeout: "24h"},
	StageReindex:           {RunCount: 1, DBCache: 2048, Timeout: "24h"},
	StageReindexChainstate: {RunCount: 1, DBCache: 2048, Timeout: "24h"},
}

// DefaultRepoURL is the upstream of the project under benchmark.
const DefaultRepoURL = "https://github.com/bitcoin/bitcoin.git"

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse loads a configuration from raw YAML. Unknown top-level or nested
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("unable to parse configuration: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if len(c.Compilers) == 0 {
		c.Compilers = []string{"gcc"}
	}
	sort.Strings(c.Compilers)
	if c.RepoURL == "" {
		c.RepoURL = DefaultRepoURL
	}
	if c.CacheBuildDir == "" {
		home, _ := os.UserHomeDir()
		c.CacheBuildDir = home + "/.chainbench/builds"
	}
	if c.SafetyChecks == nil {
		t := true
		c.SafetyChecks = &t
	}
	if c.Teardown == nil {
		t := true
		c.Teardown = &t
	}
	for kind, settings := range c.Benches {
		if settings == nil {
			settings = &BenchSettings{}
			c.Benches[kind] = settings
		}
		settings.applyDefaults(defaultSettings[kind])
	}
}

func (b *BenchSettings) applyDefaults(d BenchSettings) {
	if b.RunCount == 0 {
		b.RunCount = d.RunCount
	}
	if b.NumJobs == 0 {
		b.NumJobs = d.NumJobs
	}
	if b.DBCache == 0 {
		b.DBCache = d.DBCache
	}
	if b.Timeout == "" {
		b.Timeout = d.Timeout
	}
	if b.EndHeight == 0 {
		b.EndHeight = d.EndHeight
	}
}

func (c *Config) validate() error {
	if len(c.ToBench) == 0 {
		return fmt.Errorf("to_bench must name at least one revision")
	}
	for _, rev := range c.ToBench {
		if rev.Gitref == "" {
			return fmt.Errorf("to_bench entries require a gitref")
		}
	}
	if len(c.Benches) == 0 {
		return fmt.Errorf("benches must name at least one stage kind")
	}
	for kind, settings := range c.Benches {
		if !kind.valid() {
			return fmt.Errorf("unrecognized bench name %q", kind)
		}
		if settings.Timeout != "" {
			if _, err := time.ParseDuration(settings.Timeout); err != nil {
				return fmt.Errorf("bench %s: bad timeout %q: %w", kind, settings.Timeout, err)
			}
		}
		for i := 1; i < len(settings.TimeHeights); i++ {
			if settings.TimeHeights[i] <= settings.TimeHeights[i-1] {
				return fmt.Errorf("bench %s: time_heights must be strictly increasing", kind)
			}
		}
		if kind.NeedsPeer() && !c.SyncedPeer.configured() {
			return fmt.Errorf("bench %s requires a synced_peer block", kind)
		}
	}
	if c.SyncedPeer.Address != "" && c.SyncedPeer.Datadir != "" {
		return fmt.Errorf("synced_peer: address and datadir are mutually exclusive")
	}
	if c.SyncedPeer.Datadir != "" && c.SyncedPeer.Repodir == "" {
		return fmt.Errorf("synced_peer: a local peer needs a repodir")
	}
	if c.Codespeed.URL != "" {
		if c.Codespeed.Username == "" || c.Codespeed.Password == "" || c.Codespeed.Envname == "" {
			return fmt.Errorf("codespeed reporting requires username, password and envname")
		}
	}
	return nil
}

// StageSettings returns the effective settings for a configured stage.
func (c *Config) StageSettings(kind StageKind) (BenchSettings, bool) {
	s, ok := c.Benches[kind]
	if !ok {
		return BenchSettings{}, false
	}
	return *s, true
}

// ConfiguredStages returns the configured stage kinds in canonical order.
func (c *Config) ConfiguredStages() []StageKind {
	var out []StageKind
	for _, kind := range StageKinds {
		if _, ok := c.Benches[kind]; ok {
			out = append(out, kind)
		}
	}
	return out
}

// SafetyChecksEnabled reports whether destructive host operations need
// confirmation.
func (c *Config) SafetyChecksEnabled() bool {
	return c.SafetyChecks == nil || *c.SafetyChecks
}

// TeardownEnabled reports whether the run workdir is reclaimed on exit.
func (c *Config) TeardownEnabled() bool {
	return c.Teardown == nil || *c.Teardown
}

// Summary renders the configuration for startup logging, one key per line.
func (c *Config) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "compilers:     %s\n", strings.Join(c.Compilers, ","))
	var revs []string
	for _, r := range c.ToBench {
		revs = append(revs, r.Name())
	}
	fmt.Fprintf(&b, "to_bench:      %s\n", strings.Join(revs, ","))
	var kinds []string
	for _, k := range c.ConfiguredStages() {
		kinds = append(kinds, string(k))
	}
	fmt.Fprintf(&b, "benches:       %s\n", strings.Join(kinds, ","))
	fmt.Fprintf(&b, "cache_build:   %v\n", c.CacheBuild)
	fmt.Fprintf(&b, "cache_git:     %v\n", c.CacheGit)
	fmt.Fprintf(&b, "safety_checks: %v\n", c.SafetyChecksEnabled())
	return b.String()
}
