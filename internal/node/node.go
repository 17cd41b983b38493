// Package node wraps the node-under-test's process and control surface:
// starting bitcoind, calling its RPC interface through bitcoin-cli, and
// waiting for readiness.
package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/blang/semver/v4"
	"k8s.io/klog/v2"
)

// BenchArgs are always passed to benchmarked and serving nodes: a huge
// maxtipage so stopatheight latches out of initial sync at low heights,
// minimumchainwork=0 so short ranges still download, and file-only debug
// logging.
var BenchArgs = []string{
	"-maxtipage=99999999999999999999",
	"-minimumchainwork=0x00",
	"-printtoconsole=1",
}

// ChainInfo is the subset of getblockchaininfo the engine reads.
type ChainInfo struct {
	Blocks               int64   `json:"blocks"`
	VerificationProgress float64 `json:"verificationprogress"`
	InitialBlockDownload bool    `json:"initialblockdownload"`
}

// Node controls one bitcoind instance.
type Node struct {
	// BinDir holds the bitcoind and bitcoin-cli binaries.
	BinDir  string
	Datadir string
	Port    int
	RPCPort int
	// ExtraArgs are appended to every start invocation.
	ExtraArgs []string

	mu  sync.Mutex
	cmd *exec.Cmd
}

func (n *Node) bitcoind() string { return filepath.Join(n.BinDir, "bitcoind") }
func (n *Node) cli() string      { return filepath.Join(n.BinDir, "bitcoin-cli") }

func (n *Node) baseArgs() []string {
	args := []string{"-datadir=" + n.Datadir}
	if n.Port != 0 {
		args = append(args, fmt.Sprintf("-port=%d", n.Port))
	}
	if n.RPCPort != 0 {
		args = append(args, fmt.Sprintf("-rpcport=%d", n.RPCPort))
	}
	return args
}

// Start launches bitcoind with the node's base arguments plus extra.
func (n *Node) Start(ctx context.Context, extra ...string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cmd != nil {
		return fmt.Errorf("node already started")
	}
	args := append(n.baseArgs(), BenchArgs...)
	args = append(args, n.ExtraArgs...)
	args = append(args, extra...)

	cmd := exec.CommandContext(ctx, n.bitcoind(), args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("unable to start bitcoind: %w", err)
	}
	n.cmd = cmd
	klog.Infof("started bitcoind (pid %d) with %s", cmd.Process.Pid, strings.Join(args, " "))
	return nil
}

// CLI runs one bitcoin-cli command against the node.
func (n *Node) CLI(ctx context.Context, args ...string) ([]byte, error) {
	full := []string{"-datadir=" + n.Datadir}
	if n.RPCPort != 0 {
		full = append(full, fmt.Sprintf("-rpcport=%d", n.RPCPort))
	}
	full = append(full, args...)
	cmd := exec.CommandContext(ctx, n.cli(), full...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("bitcoin-cli %s: %w (%s)", strings.Join(args, " "), err,
			strings.TrimSpace(errb.String()))
	}
	return out.Bytes(), nil
}

// BlockchainInfo calls getblockchaininfo. A nil error means the node's
// RPC surface is up.
func (n *Node) BlockchainInfo(ctx context.Context) (*ChainInfo, error) {
	out, err := n.CLI(ctx, "getblockchaininfo")
	if err != nil {
		return nil, err
	}
	info := &ChainInfo{}
	if err := json.Unmarshal(out, info); err != nil {
		return nil, fmt.Errorf("bad getblockchaininfo output: %w", err)
	}
	return info, nil
}

// WaitReady polls the control interface until the node responds, bounded
// by timeout. It returns the node's current height.
func (n *Node) WaitReady(ctx context.Context, timeout time.Duration) (int64, error) {
	deadline := time.Now().Add(timeout)
	for {
		info, err := n.BlockchainInfo(ctx)
		if err == nil {
			return info.Blocks, nil
		}
		if !n.Running() {
			return 0, fmt.Errorf("bitcoind exited during startup")
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("bitcoind did not become ready within %s", timeout)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(2 * time.Second):
		}
		klog.V(2).Infof("waiting for bitcoind at %s", n.Datadir)
	}
}

// StopRPC asks the node to shut down gracefully and waits for exit.
func (n *Node) StopRPC(ctx context.Context) error {
	if _, err := n.CLI(ctx, "stop"); err != nil {
		return err
	}
	return n.Wait()
}

// Wait blocks until the node process exits.
func (n *Node) Wait() error {
	n.mu.Lock()
	cmd := n.cmd
	n.mu.Unlock()
	if cmd == nil {
		return nil
	}
	err := cmd.Wait()
	n.mu.Lock()
	n.cmd = nil
	n.mu.Unlock()
	return err
}

// Kill force-terminates the node's process group and reaps it, so a
// killed node reports not running and can be started again.
func (n *Node) Kill() {
	n.mu.Lock()
	cmd := n.cmd
	n.mu.Unlock()
	if cmd == nil {
		return
	}
	if cmd.Process != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	_ = cmd.Wait()
	n.mu.Lock()
	n.cmd = nil
	n.mu.Unlock()
}

// Running reports whether the node's process is alive.
func (n *Node) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cmd != nil && n.cmd.ProcessState == nil
}

// EmptyDatadir removes and recreates the node's data directory.
func (n *Node) EmptyDatadir() error {
	if err := os.RemoveAll(n.Datadir); err != nil {
		return err
	}
	return os.MkdirAll(n.Datadir, 0755)
}

var versionRe = regexp.MustCompile(`version v?(\d+\.\d+\.\d+)`)

// Version reports the bitcoind binary version.
func (n *Node) Version(ctx context.Context) (semver.Version, error) {
	cmd := exec.CommandContext(ctx, n.bitcoind(), "-version")
	out, err := cmd.Output()
	if err != nil {
		return semver.Version{}, fmt.Errorf("unable to read bitcoind version: %w", err)
	}
	return ParseVersion(string(out))
}

// ParseVersion extracts the semantic version from `bitcoind -version`
// output.
func ParseVersion(out string) (semver.Version, error) {
	m := versionRe.FindStringSubmatch(out)
	if m == nil {
		return semver.Version{}, fmt.Errorf("no version in %q", firstLine(out))
	}
	return semver.Parse(m[1])
}

// VersionAtLeast reports whether got satisfies the minimum version. An
// empty minimum always passes.
func VersionAtLeast(minimum string, got semver.Version) bool {
	if minimum == "" {
		return true
	}
	want, err := semver.Parse(strings.TrimPrefix(minimum, "v"))
	if err != nil {
		return false
	}
	return got.GTE(want)
}

// DiskLow scans the tail of the node's debug log for the low-disk
// warning the node emits before aborting a sync.
func DiskLow(datadir string) bool {
	f, err := os.Open(filepath.Join(datadir, "debug.log"))
	if err != nil {
		return false
	}
	defer f.Close()

	const tailLen = 512 * 1024
	st, err := f.Stat()
	if err != nil {
		return false
	}
	off := st.Size() - tailLen
	if off < 0 {
		off = 0
	}
	buf := make([]byte, st.Size()-off)
	if _, err := f.ReadAt(buf, off); err != nil && len(buf) > 0 {
		return false
	}
	return bytes.Contains(buf, []byte("Disk space is low!"))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
