package sandbox

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/isdmx/execbox/execution"
	"github.com/isdmx/execbox/metrics"
)

// Managed wraps a backend with a concurrency bound, the infrastructure
// retry policy and metrics
type Managed struct {
	logger  *zap.Logger
	backend Orchestrator
	retries int
	slots   chan struct{}
	limiter *rate.Limiter
	metrics *metrics.Metrics
}

// ManagedOption defines a functional option for Managed
type ManagedOption func(*Managed)

// WithRateLimit admits at most perSec submissions per second on average.
// A burst <= 0 defaults to twice the rate.
func WithRateLimit(perSec float64, burst int) ManagedOption {
	return func(m *Managed) {
		if perSec <= 0 {
			return
		}
		if burst <= 0 {
			burst = max(1, int(perSec*2))
		}
		m.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
	}
}

// NewManaged creates a Managed orchestrator. maxConcurrent <= 0 means
// unbounded; m may be nil.
func NewManaged(logger *zap.Logger, backend Orchestrator, maxConcurrent, retries int, m *metrics.Metrics, opts ...ManagedOption) *Managed {
	mo := &Managed{
		logger:  logger,
		backend: backend,
		retries: retries,
		metrics: m,
	}
	if maxConcurrent > 0 {
		mo.slots = make(chan struct{}, maxConcurrent)
	}
	for _, opt := range opts {
		opt(mo)
	}
	return mo
}

// Execute runs sub, re-running it on a fresh container after an
// InfrastructureError up to the configured number of retries. Caller-facing
// outcomes are never retried.
func (m *Managed) Execute(ctx context.Context, sub Submission) (execution.Result, error) {
	started := time.Now()
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return m.reject(sub, "rate limit", err, started)
		}
	}
	if m.slots != nil {
		select {
		case m.slots <- struct{}{}:
			defer func() { <-m.slots }()
		case <-ctx.Done():
			return m.reject(sub, "queue", ctx.Err(), started)
		}
	}

	var (
		result execution.Result
		err    error
	)
	for attempt := 0; ; attempt++ {
		result, err = m.backend.Execute(ctx, sub)
		if err == nil || !execution.IsRetryable(err) || attempt >= m.retries || ctx.Err() != nil {
			break
		}
		m.logger.Warn("retrying submission after infrastructure error",
			zap.String("submission_id", result.SubmissionID),
			zap.String("language", sub.Language),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if m.metrics != nil {
			m.metrics.InfraRetries.WithLabelValues(sub.Language).Inc()
		}
		// The retry reuses the id, so the next container gets the same name.
		sub.ID = result.SubmissionID
	}

	m.observe(sub.Language, result, started)
	return result, err
}

// reject reports a submission that never reached the backend
func (m *Managed) reject(sub Submission, op string, err error, started time.Time) (execution.Result, error) {
	result, infraErr := failure(sub, op, err)
	m.logger.Warn("submission rejected",
		zap.String("submission_id", sub.ID),
		zap.String("language", sub.Language),
		zap.Error(infraErr))
	m.observe(sub.Language, result, started)
	return result, infraErr
}

func (m *Managed) observe(language string, result execution.Result, started time.Time) {
	if m.metrics == nil || result.Status == "" {
		return
	}
	m.metrics.ObserveResult(language, string(result.Status), time.Since(started))
	if result.Compile == nil && result.Run == nil {
		return
	}

	var compileMs, runMs, memoryKiB int64
	if result.Compile != nil {
		compileMs = result.Compile.DurationMs
	}
	if result.Run != nil {
		runMs = result.Run.WallTimeMs
		memoryKiB = result.Run.MemoryKiB
	}
	m.metrics.ObservePhases(language, compileMs, runMs, memoryKiB)
}
