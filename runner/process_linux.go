//go:build linux

package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// memorySampleInterval is how often a watched process has its resident set
// sampled
const memorySampleInterval = 10 * time.Millisecond

// cgroupMemoryEvents is the memory.events file of the cgroup the launcher
// runs in. Inside a container instance that is the instance's own cgroup.
var cgroupMemoryEvents = "/sys/fs/cgroup/memory.events"

// OSLauncher starts real processes, each in its own process group so that a
// timeout kills everything the program forked
type OSLauncher struct{}

// Launch runs p to completion
//
//nolint:funlen // start, watch and wait are one sequence
func (OSLauncher) Launch(ctx context.Context, p Process) (ProcessState, error) {
	if len(p.Args) == 0 {
		return ProcessState{}, fmt.Errorf("no command provided")
	}

	runCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, p.Args[0], p.Args[1:]...) //nolint:gosec // running the submission is the point
	cmd.Dir = p.Dir
	cmd.Env = p.Env
	cmd.Stdin = p.Stdin
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = p.Grace

	oomBefore := oomKillCount()
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return ProcessState{}, fmt.Errorf("failed to start %s: %w", p.Args[0], err)
	}

	watch := &memoryWatch{}
	done := make(chan struct{})
	var wg sync.WaitGroup
	if p.MemoryLimitKiB > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			watch.run(cmd.Process.Pid, p.MemoryLimitKiB, done)
		}()
	}

	err := cmd.Wait()
	wall := time.Since(start)
	close(done)
	wg.Wait()

	if cmd.ProcessState == nil {
		return ProcessState{}, fmt.Errorf("failed to run %s: %w", p.Args[0], err)
	}
	if err != nil && !errors.Is(err, exec.ErrWaitDelay) {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) && runCtx.Err() == nil {
			return ProcessState{}, fmt.Errorf("failed to run %s: %w", p.Args[0], err)
		}
	}

	// Whatever is left in the group is killed as well, even on a clean exit.
	_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)

	state := ProcessState{
		ExitCode:       cmd.ProcessState.ExitCode(),
		WallTime:       wall,
		TimedOut:       errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil,
		MemoryExceeded: watch.exceeded.Load(),
		OOMKilled:      p.MemoryLimitKiB > 0 && oomKillCount() > oomBefore,
	}

	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		state.Signal = unix.SignalName(sig)
		state.ExitCode = 128 + int(sig)
	}

	if ru, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage); ok {
		state.CPUTime = time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
		state.MaxRSSKiB = ru.Maxrss
	}
	if peak := watch.peakKiB.Load(); peak > state.MaxRSSKiB {
		state.MaxRSSKiB = peak
	}

	return state, nil
}

// memoryWatch kills a process group whose leader outgrows its memory budget
type memoryWatch struct {
	exceeded atomic.Bool
	peakKiB  atomic.Int64
}

func (w *memoryWatch) run(pid int, limitKiB int64, done <-chan struct{}) {
	ticker := time.NewTicker(memorySampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		rss, err := residentKiB(pid)
		if err != nil {
			continue
		}
		if rss > w.peakKiB.Load() {
			w.peakKiB.Store(rss)
		}
		if rss > limitKiB {
			w.exceeded.Store(true)
			_ = unix.Kill(-pid, unix.SIGKILL)
			return
		}
	}
}

// residentKiB reads the resident set size of pid from /proc
func residentKiB(pid int) (int64, error) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/statm")
	if err != nil {
		return 0, err
	}
	fields := bytes.Fields(data)
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed statm: %q", data)
	}
	pages, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return 0, err
	}
	return pages * int64(os.Getpagesize()) / 1024, nil
}

// oomKillCount returns the oom_kill counter of the enclosing cgroup, or 0
// when it cannot be read
func oomKillCount() int64 {
	f, err := os.Open(cgroupMemoryEvents)
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := bytes.Cut(scanner.Bytes(), []byte(" "))
		if !ok || string(key) != "oom_kill" {
			continue
		}
		n, err := strconv.ParseInt(string(bytes.TrimSpace(value)), 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}
