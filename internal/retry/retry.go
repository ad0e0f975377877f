// Package retry executes idempotent operations against external stores with bounded,
// backed-off retries. Every durable write in the core goes through a Writer.
package retry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/curalink/backend/internal/apperr"
)

// Backoff selects how the wait between attempts grows.
type Backoff int

const (
	// Linear waits BaseDelay*attempt.
	Linear Backoff = iota
	// Exponential waits BaseDelay*2^(attempt-1); used for blob uploads.
	Exponential
)

// Policy 重试策略。
type Policy struct {
	Attempts       int
	BaseDelay      time.Duration
	Backoff        Backoff
	AttemptTimeout time.Duration // 0 表示不限制单次尝试
}

// DefaultPolicy returns 3 attempts, 1s base, linear backoff.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, BaseDelay: time.Second, Backoff: Linear}
}

// WithBackoff returns a copy of p using b.
func (p Policy) WithBackoff(b Backoff) Policy {
	p.Backoff = b
	return p
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch p.Backoff {
	case Exponential:
		return p.BaseDelay * time.Duration(1<<uint(attempt-1))
	default:
		return p.BaseDelay * time.Duration(attempt)
	}
}

// Writer runs operations under a Policy.
type Writer struct {
	policy Policy
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewWriter creates a Writer. Attempts <= 0 takes the DefaultPolicy attempts and a
// negative BaseDelay the DefaultPolicy delay; a zero BaseDelay retries without waiting.
func NewWriter(policy Policy, logger *zap.Logger) *Writer {
	defaults := DefaultPolicy()
	if policy.Attempts <= 0 {
		policy.Attempts = defaults.Attempts
	}
	if policy.BaseDelay < 0 {
		policy.BaseDelay = defaults.BaseDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{policy: policy, logger: logger, sleep: sleepContext}
}

// Policy returns the writer's policy.
func (w *Writer) Policy() Policy { return w.policy }

// With returns a Writer sharing the logger but using another backoff.
func (w *Writer) With(b Backoff) *Writer {
	clone := *w
	clone.policy = w.policy.WithBackoff(b)
	return &clone
}

// Do runs fn until it succeeds, fails permanently, or attempts are exhausted.
// The last error is returned unchanged.
func (w *Writer) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Execute(ctx, w, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Execute is Do for operations that return a value.
func Execute[T any](ctx context.Context, w *Writer, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)

	for attempt := 1; attempt <= w.policy.Attempts; attempt++ {
		result, err := runAttempt(ctx, w.policy.AttemptTimeout, fn)
		if err == nil {
			if attempt > 1 {
				w.logger.Info("operation recovered after retry",
					zap.String("op", op),
					zap.Int("attempt", attempt),
				)
			}
			return result, nil
		}
		lastErr = err

		if apperr.Permanent(apperr.KindOf(err)) {
			return zero, err
		}
		if attempt == w.policy.Attempts {
			break
		}

		delay := w.policy.Delay(attempt)
		w.logger.Warn("operation attempt failed",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", w.policy.Attempts),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)

		if sleepErr := w.sleep(ctx, delay); sleepErr != nil {
			return zero, lastErr
		}
	}

	w.logger.Error("operation exhausted retries",
		zap.String("op", op),
		zap.Int("attempts", w.policy.Attempts),
		zap.Error(lastErr),
	)
	return zero, lastErr
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
