package process

import (
	"context"
	"log/slog"
	"time"

	"github.com/databricks-solutions/apx/internal/metrics"
	"github.com/databricks-solutions/apx/internal/retry"
)

type attemptHookKey struct{}

// WithAttemptHook returns a context under which Supervise calls fn with the
// number of every attempt it starts, beginning at 1.
func WithAttemptHook(ctx context.Context, fn func(attempt int)) context.Context {
	return context.WithValue(ctx, attemptHookKey{}, fn)
}

func attemptHook(ctx context.Context) func(int) {
	fn, _ := ctx.Value(attemptHookKey{}).(func(int))
	return fn
}

// Supervise runs task under policy, logging a warning for every failed
// attempt that will be retried. It returns nil when task finishes cleanly,
// ctx.Err() when cancelled, and the last error once the attempts are used up.
func Supervise(ctx context.Context, name string, policy retry.Policy, log *slog.Logger, task func(ctx context.Context) error) error {
	if log == nil {
		log = slog.Default()
	}
	total := policy.MaxAttempts
	if total < 1 {
		total = 1
	}
	hook := attemptHook(ctx)
	attempt := 0
	metrics.SetRunning(name, true)
	defer metrics.SetRunning(name, false)
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		attempt++
		if hook != nil {
			hook(attempt)
		}
		metrics.IncAttempt(name)
		err := task(ctx)
		if err != nil && ctx.Err() == nil {
			metrics.IncFailure(name)
		}
		return err
	}, func(attempt int, err error, wait time.Duration) {
		log.Warn("task failed, retrying",
			"process", name,
			"attempt", attempt,
			"max_attempts", total,
			"retry_in", wait.String(),
			"error", err)
	})
	if err != nil && ctx.Err() == nil {
		log.Error("task failed", "process", name, "error", err)
	}
	return err
}
