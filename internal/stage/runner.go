// Package stage supervises one external long-running process per stage:
// it streams output, extracts progress, applies a wall-clock timeout and
// returns a structured outcome.
package stage

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/chainbench/chainbench/internal/results"
)

// Command describes one external process invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env entries are appended to the parent environment.
	Env []string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Outcome is the terminal result of supervising one process.
type Outcome struct {
	Status     results.Status
	Duration   time.Duration
	PeakRSSKiB int64
	ExitCode   int
	// Output retains the trailing combined output for diagnostics.
	Output string
}

// Runner runs commands to completion. It never retries; repeat policy
// belongs to the pipeline.
type Runner struct {
	// Grace is how long a process gets between the graceful
	// termination signal and the kill.
	Grace time.Duration
	// TailBytes bounds retained output. Zero means 10000 bytes.
	TailBytes int
	// MemSampleInterval enables periodic RSS sampling of the child into
	// the tracker. Zero disables sampling.
	MemSampleInterval time.Duration
}

const defaultTailBytes = 10000

// Run starts cmd and supervises it until exit, timeout or cancellation.
// Output lines are fed through matcher into tracker as they arrive;
// partial checkpoints survive timeouts. A non-nil error is returned only
// when the process could not be supervised at all (e.g. failed to
// start) or the context was cancelled.
func (r *Runner) Run(ctx context.Context, cmd Command, timeout time.Duration,
	matcher ProgressMatcher, tracker *Tracker) (*Outcome, error) {

	tail := newTailBuffer(r.TailBytes)
	c := exec.Command(cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	// Run in its own process group so termination reaches children
	// (build systems and test runners fork freely).
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("failed to start '%s': %w", cmd, err)
	}
	klog.V(1).Infof("started '%s' (pid %d)", cmd, c.Process.Pid)

	var wg sync.WaitGroup
	for _, pipe := range []io.Reader{stdout, stderr} {
		wg.Add(1)
		go func(rd io.Reader) {
			defer wg.Done()
			scanner := bufio.NewScanner(rd)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			for scanner.Scan() {
				line := scanner.Text()
				tail.WriteLine(line)
				if tracker != nil {
					tracker.ObserveLine(line, matcher)
				}
			}
			if err := scanner.Err(); err != nil {
				// An oversized line stops the scanner; keep draining so
				// the child never blocks on a full pipe.
				tail.WriteLine(fmt.Sprintf("(output dropped: %v)", err))
				_, _ = io.Copy(io.Discard, rd)
			}
		}(pipe)
	}

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- c.Wait()
	}()

	if tracker != nil && r.MemSampleInterval > 0 {
		stopSampling := make(chan struct{})
		defer close(stopSampling)
		go r.sampleMemory(c.Process.Pid, tracker, stopSampling)
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case werr := <-done:
		return r.outcome(c, werr, time.Since(start), tail), nil

	case <-timeoutC:
		klog.Warningf("'%s' exceeded its %s timeout; terminating", cmd, timeout)
		r.terminate(c, done)
		out := r.outcome(c, nil, timeout, tail)
		out.Status = results.StatusTimedOut
		out.Duration = timeout
		return out, nil

	case <-ctx.Done():
		klog.Warningf("'%s' cancelled; terminating", cmd)
		r.terminate(c, done)
		out := r.outcome(c, nil, time.Since(start), tail)
		out.Status = results.StatusFailed
		return out, ctx.Err()
	}
}

// terminate sends the graceful-termination signal, waits out the grace
// period, then force-kills. It drains the waiter channel so the process
// is fully reaped before returning.
func (r *Runner) terminate(c *exec.Cmd, done <-chan error) {
	grace := r.Grace
	if grace == 0 {
		grace = 30 * time.Second
	}
	if c.Process != nil {
		_ = syscall.Kill(-c.Process.Pid, syscall.SIGTERM)
	}
	select {
	case <-done:
		return
	case <-time.After(grace):
	}
	if c.Process != nil {
		_ = syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
	}
	<-done
}

func (r *Runner) outcome(c *exec.Cmd, werr error, dur time.Duration, tail *tailBuffer) *Outcome {
	out := &Outcome{
		Status:   results.StatusSuccess,
		Duration: dur,
		Output:   tail.String(),
	}
	if state := c.ProcessState; state != nil {
		out.ExitCode = state.ExitCode()
		if ru, ok := state.SysUsage().(*syscall.Rusage); ok && ru != nil {
			// Maxrss is KiB on Linux.
			out.PeakRSSKiB = ru.Maxrss
		}
	}
	if werr != nil || out.ExitCode != 0 {
		out.Status = results.StatusFailed
	}
	return out
}

// sampleMemory records the child's resident set into the tracker until
// stopped. Samples live on their own timeline; they never participate in
// the checkpoint height ordering.
func (r *Runner) sampleMemory(pid int, tracker *Tracker, stop <-chan struct{}) {
	ticker := time.NewTicker(r.MemSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if kib, err := readRSSKiB(pid); err == nil {
				tracker.RecordMemSample(kib)
			}
		}
	}
}

// readRSSKiB reads a process's current resident set from /proc.
func readRSSKiB(pid int) (int64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kib, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kib, nil
	}
	return 0, fmt.Errorf("no VmRSS entry for pid %d", pid)
}

// tailBuffer retains the last max bytes of line-oriented output.
type tailBuffer struct {
	mu    sync.Mutex
	max   int
	lines []string
	size  int
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = defaultTailBytes
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) WriteLine(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	t.size += len(line) + 1
	for t.size > t.max && len(t.lines) > 1 {
		t.size -= len(t.lines[0]) + 1
		t.lines = t.lines[1:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
