// Package peer manages the reference node that sync stages pull chain
// data from.
package peer

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/chainbench/chainbench/internal/config"
)

// UnavailableError means the synced peer could not be reached or started.
// It aborts every stage in the run that needs a peer.
type UnavailableError struct {
	Addr string
	Err  error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("synced peer %s unavailable: %v", e.Addr, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// ChainNode is the control surface the manager needs from a locally run
// reference node.
type ChainNode interface {
	Start(ctx context.Context, extra ...string) error
	WaitReady(ctx context.Context, timeout time.Duration) (int64, error)
	StopRPC(ctx context.Context) error
	Kill()
	Running() bool
}

// Handle proves an acquired peer. Stages connect to Address.
type Handle struct {
	Address string
	local   bool
}

// Manager hands out the synced peer to stages. Local peers are started
// on first acquire, refcounted, and stopped when the last stage releases
// them (unless teardown is disabled). Remote peers are only checked for
// reachability and never touched.
type Manager struct {
	Peer config.SyncedPeer
	// Node runs the local peer. Unused for remote peers.
	Node ChainNode
	// MinHeight is the lowest tip height the peer must serve.
	MinHeight int64
	// StartTimeout bounds local peer startup. Defaults to 5 minutes.
	StartTimeout time.Duration
	// Teardown stops the local peer when the last handle is released.
	Teardown bool
	// Dial checks remote reachability. Defaults to net.DialTimeout.
	Dial func(network, addr string, timeout time.Duration) (net.Conn, error)

	mu   sync.Mutex
	refs int
}

// LocalPeerPort is where a managed peer listens. Off the default port so
// a stray system bitcoind cannot masquerade as the reference node.
const LocalPeerPort = 8888

func (m *Manager) addr() string {
	if m.Peer.Local() {
		return fmt.Sprintf("127.0.0.1:%d", LocalPeerPort)
	}
	return m.Peer.Address
}

// Acquire makes the peer available and returns a handle for it. Acquire
// is idempotent per stage: a local peer already serving is reused.
func (m *Manager) Acquire(ctx context.Context) (*Handle, error) {
	if !m.Peer.Local() {
		return m.acquireRemote()
	}
	return m.acquireLocal(ctx)
}

func (m *Manager) acquireRemote() (*Handle, error) {
	dial := m.Dial
	if dial == nil {
		dial = net.DialTimeout
	}
	addr := m.Peer.Address
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, "8333")
	}
	conn, err := dial("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, &UnavailableError{Addr: addr, Err: err}
	}
	conn.Close()
	return &Handle{Address: addr}, nil
}

func (m *Manager) acquireLocal(ctx context.Context) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.Node.Running() {
		extra := []string{"-listen=1", "-connect=0"}
		if m.Peer.BitcoindExtraArgs != "" {
			extra = append(extra, strings.Fields(m.Peer.BitcoindExtraArgs)...)
		}
		if err := m.Node.Start(ctx, extra...); err != nil {
			return nil, &UnavailableError{Addr: m.addr(), Err: err}
		}
		timeout := m.StartTimeout
		if timeout == 0 {
			timeout = 5 * time.Minute
		}
		height, err := m.Node.WaitReady(ctx, timeout)
		if err != nil {
			m.Node.Kill()
			return nil, &UnavailableError{Addr: m.addr(), Err: err}
		}
		if height < m.MinHeight {
			m.Node.Kill()
			return nil, &UnavailableError{
				Addr: m.addr(),
				Err:  fmt.Errorf("peer datadir only synced to height %d, need %d", height, m.MinHeight),
			}
		}
		klog.Infof("local synced peer serving at %s (height %d)", m.addr(), height)
	}
	m.refs++
	return &Handle{Address: m.addr(), local: true}, nil
}

// Release returns a handle. The local peer is stopped once no stage
// holds one. Releasing a remote or nil handle is a no-op.
func (m *Manager) Release(ctx context.Context, h *Handle) {
	if h == nil || !h.local {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs > 0 {
		m.refs--
	}
	if m.refs == 0 && m.Teardown && m.Node.Running() {
		if err := m.Node.StopRPC(ctx); err != nil {
			klog.Warningf("stopping local peer: %v; killing", err)
			m.Node.Kill()
		}
	}
}

// Shutdown unconditionally stops a running local peer.
func (m *Manager) Shutdown(ctx context.Context) {
	if !m.Peer.Local() || m.Node == nil || !m.Node.Running() {
		return
	}
	if err := m.Node.StopRPC(ctx); err != nil {
		m.Node.Kill()
	}
}

// PeerBinDir is where a checked-out peer repo keeps its binaries.
func PeerBinDir(repodir string) string {
	return filepath.Join(repodir, "src")
}
