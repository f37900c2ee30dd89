package sandbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/execbox/execution"
	"github.com/isdmx/execbox/metrics"
)

// scriptedBackend replays outcomes in order
type scriptedBackend struct {
	mu       sync.Mutex
	outcomes []func(sub Submission) (execution.Result, error)
	seen     []Submission
}

func (b *scriptedBackend) Execute(_ context.Context, sub Submission) (execution.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.ID == "" {
		sub.ID = "generated"
	}
	b.seen = append(b.seen, sub)
	next := b.outcomes[0]
	if len(b.outcomes) > 1 {
		b.outcomes = b.outcomes[1:]
	}
	return next(sub)
}

func infraOutcome(sub Submission) (execution.Result, error) {
	return failure(sub, "container create", errors.New("daemon unavailable"))
}

func okOutcome(sub Submission) (execution.Result, error) {
	r := scriptOK(sub.ID)
	r.Run.WallTimeMs = 12
	r.Run.MemoryKiB = 2048
	return r, nil
}

func TestManagedRetriesInfrastructureErrors(t *testing.T) {
	backend := &scriptedBackend{outcomes: []func(Submission) (execution.Result, error){infraOutcome, infraOutcome, okOutcome}}
	m := metrics.New()
	managed := NewManaged(zaptest.NewLogger(t), backend, 0, 2, m)

	result, err := managed.Execute(context.Background(), Submission{Language: "c", Source: "x"})
	require.NoError(t, err)
	assert.Equal(t, execution.StatusOK, result.Status)
	require.Len(t, backend.seen, 3)
	assert.Equal(t, "generated", backend.seen[2].ID, "retries keep the submission id")

	assert.InDelta(t, 2, testutil.ToFloat64(m.InfraRetries.WithLabelValues("c")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues("c", "ok")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.MemoryUsage))
}

func TestManagedGivesUpAfterRetries(t *testing.T) {
	backend := &scriptedBackend{outcomes: []func(Submission) (execution.Result, error){infraOutcome}}
	managed := NewManaged(zaptest.NewLogger(t), backend, 0, 1, nil)

	result, err := managed.Execute(context.Background(), Submission{ID: "s", Language: "c", Source: "x"})
	require.Error(t, err)
	assert.Equal(t, execution.StatusInfrastructureError, result.Status)
	assert.Len(t, backend.seen, 2)
}

func TestManagedNeverRetriesOutcomes(t *testing.T) {
	compileErr := func(sub Submission) (execution.Result, error) {
		r := execution.CompileFailed(sub.Language, "error", 1)
		r.SubmissionID = sub.ID
		return r, nil
	}
	invalid := func(Submission) (execution.Result, error) {
		return execution.Result{}, ErrInvalidSubmission
	}

	for name, outcome := range map[string]func(Submission) (execution.Result, error){"CompileError": compileErr, "Invalid": invalid} {
		t.Run(name, func(t *testing.T) {
			backend := &scriptedBackend{outcomes: []func(Submission) (execution.Result, error){outcome}}
			managed := NewManaged(zaptest.NewLogger(t), backend, 0, 3, metrics.New())

			_, _ = managed.Execute(context.Background(), Submission{ID: "s", Language: "c", Source: "x"})
			assert.Len(t, backend.seen, 1)
		})
	}
}

// blockingBackend holds every submission until released
type blockingBackend struct {
	release chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
}

func (b *blockingBackend) Execute(_ context.Context, sub Submission) (execution.Result, error) {
	n := b.active.Add(1)
	for {
		peak := b.peak.Load()
		if n <= peak || b.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	<-b.release
	b.active.Add(-1)
	return okOutcome(sub)
}

func TestManagedBoundsConcurrency(t *testing.T) {
	backend := &blockingBackend{release: make(chan struct{})}
	managed := NewManaged(zaptest.NewLogger(t), backend, 2, 0, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = managed.Execute(context.Background(), Submission{ID: "s", Language: "c", Source: "x"})
		}()
	}

	require.Eventually(t, func() bool { return backend.active.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(backend.release)
	wg.Wait()
	assert.Equal(t, int32(2), backend.peak.Load())
}

func TestManagedQueueRespectsContext(t *testing.T) {
	backend := &blockingBackend{release: make(chan struct{})}
	managed := NewManaged(zaptest.NewLogger(t), backend, 1, 0, nil)

	go func() {
		_, _ = managed.Execute(context.Background(), Submission{ID: "first", Language: "c", Source: "x"})
	}()
	require.Eventually(t, func() bool { return backend.active.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	result, err := managed.Execute(ctx, Submission{ID: "second", Language: "c", Source: "x"})
	assert.Equal(t, execution.InfrastructureError, execution.KindOf(err))
	assert.Equal(t, execution.StatusInfrastructureError, result.Status)
	assert.Equal(t, "second", result.SubmissionID)
	assert.Contains(t, result.Message, "queue")

	close(backend.release)
}

func TestManagedRateLimit(t *testing.T) {
	backend := &scriptedBackend{outcomes: []func(Submission) (execution.Result, error){okOutcome}}
	m := metrics.New()
	managed := NewManaged(zaptest.NewLogger(t), backend, 0, 0, m, WithRateLimit(0.5, 1))
	require.NotNil(t, managed.limiter)

	_, err := managed.Execute(context.Background(), Submission{Language: "c", Source: "x"})
	require.NoError(t, err)

	// The second token is two seconds away, past the caller's deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	result, err := managed.Execute(ctx, Submission{Language: "c", Source: "x"})
	require.Error(t, err)
	assert.Equal(t, execution.InfrastructureError, execution.KindOf(err))
	assert.Equal(t, execution.StatusInfrastructureError, result.Status)
	assert.Len(t, backend.seen, 1)

	assert.InDelta(t, 1, testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues("c", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues("c", "infrastructure_error")), 0,
		"rejected submissions are counted")
}

func TestWithRateLimitDefaults(t *testing.T) {
	managed := NewManaged(zaptest.NewLogger(t), &scriptedBackend{}, 0, 0, nil, WithRateLimit(0, 5))
	assert.Nil(t, managed.limiter, "a zero rate disables pacing")

	managed = NewManaged(zaptest.NewLogger(t), &scriptedBackend{}, 0, 0, nil, WithRateLimit(3, 0))
	require.NotNil(t, managed.limiter)
	assert.Equal(t, 6, managed.limiter.Burst())
}
