// Package hostcheck verifies the machine is in a state where benchmark
// timings mean something: no competing run, no swap, no stray node
// processes eating cache.
package hostcheck

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"k8s.io/klog/v2"
)

// DefaultLockPath is where concurrent runs exclude each other.
const DefaultLockPath = "/tmp/chainbench.lock"

// Checker inspects host state. The zero value checks the real host.
type Checker struct {
	// ProcRoot overrides /proc for tests.
	ProcRoot string
	LockPath string
}

func (c *Checker) procRoot() string {
	if c.ProcRoot == "" {
		return "/proc"
	}
	return c.ProcRoot
}

func (c *Checker) lockPath() string {
	if c.LockPath == "" {
		return DefaultLockPath
	}
	return c.LockPath
}

// AcquireLock takes the host-wide run lock. The returned release must be
// called on exit; a crashed run leaves the lock behind on purpose so the
// operator sees it.
func (c *Checker) AcquireLock() (func(), error) {
	path := c.lockPath()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("another run holds %s (remove it if that run is dead)", path)
		}
		return nil, err
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	return func() {
		if err := os.Remove(path); err != nil {
			klog.Warningf("unable to release run lock: %v", err)
		}
	}, nil
}

// SwapEnabled reports whether any swap device is active. Swapping during
// a timed sync makes the numbers garbage.
func (c *Checker) SwapEnabled() (bool, error) {
	data, err := os.ReadFile(filepath.Join(c.procRoot(), "swaps"))
	if err != nil {
		return false, err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	// First line is the header.
	return len(lines) > 1, nil
}

// StrayNodeProcesses returns pids of bitcoind processes this engine does
// not own.
func (c *Checker) StrayNodeProcesses() ([]int, error) {
	entries, err := os.ReadDir(c.procRoot())
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		comm, err := os.ReadFile(filepath.Join(c.procRoot(), e.Name(), "comm"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(comm)) == "bitcoind" {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

// Verify runs every host check and reports the problems found.
func (c *Checker) Verify() error {
	var problems []string
	if swap, err := c.SwapEnabled(); err != nil {
		klog.Warningf("unable to check swap state: %v", err)
	} else if swap {
		problems = append(problems, "swap is enabled; disable it with swapoff -a")
	}
	if pids, err := c.StrayNodeProcesses(); err != nil {
		klog.Warningf("unable to scan for stray node processes: %v", err)
	} else if len(pids) > 0 {
		problems = append(problems,
			fmt.Sprintf("stray bitcoind process(es) running: %v", pids))
	}
	if len(problems) > 0 {
		return fmt.Errorf("host not ready: %s", strings.Join(problems, "; "))
	}
	return nil
}

// DropCaches flushes dirty pages and evicts the page cache so every
// timed stage starts cold. Needs root.
func DropCaches() error {
	syscall.Sync()
	if err := os.WriteFile("/proc/sys/vm/drop_caches", []byte("3\n"), 0200); err != nil {
		return fmt.Errorf("unable to drop page caches (are we root?): %w", err)
	}
	return nil
}
