package runner

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"
)

// Process describes one child process started by the runner
type Process struct {
	Args    []string
	Dir     string
	Env     []string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	Timeout time.Duration
	// Grace bounds how long output pipes may stay open after the process
	// group was killed
	Grace time.Duration
	// MemoryLimitKiB kills the process group once the resident set of the
	// started process grows past it (0 = unwatched)
	MemoryLimitKiB int64
}

// ProcessState is what the runner learns about a finished process
type ProcessState struct {
	ExitCode  int
	Signal    string
	TimedOut  bool
	WallTime  time.Duration
	CPUTime   time.Duration
	MaxRSSKiB int64
	// MemoryExceeded is set when the process was killed for crossing
	// MemoryLimitKiB
	MemoryExceeded bool
	// OOMKilled is set when the kernel OOM killer fired in the enclosing
	// cgroup while the process ran
	OOMKilled bool
}

// Launcher starts a process and waits for it. An error means the process
// could not be started at all; exit codes and signals are reported in the
// returned state.
type Launcher interface {
	Launch(ctx context.Context, p Process) (ProcessState, error)
}

// cappedBuffer keeps at most limit bytes and silently drops the rest, so a
// chatty program never blocks on a full pipe
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	remaining := c.limit - c.buf.Len()
	if remaining <= 0 {
		if len(p) > 0 {
			c.truncated = true
		}
		return len(p), nil
	}
	if len(p) > remaining {
		c.buf.Write(p[:remaining])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *cappedBuffer) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}
