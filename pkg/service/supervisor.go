package service

import (
	"context"
	"fmt"
	"time"
)

const (
	taskBackoffBase = time.Second
	taskBackoffMax  = 30 * time.Second

	// taskHealthyReset is how long a task must run before its next crash
	// counts as the first one again.
	taskHealthyReset = time.Minute
)

// supervise runs fn until ctx is canceled, restarting it with exponential
// backoff when it returns early or panics. The returned channel closes once
// the task has exited for good.
func (r *Runtime) supervise(ctx context.Context, name string, fn func(context.Context) error) <-chan struct{} {
	done := make(chan struct{})
	r.tasks.Add(1)
	go func() {
		defer r.tasks.Done()
		defer close(done)

		backoff := taskBackoffBase
		for {
			started := time.Now()
			err := runTask(ctx, fn)
			if ctx.Err() != nil {
				return
			}
			if time.Since(started) >= taskHealthyReset {
				backoff = taskBackoffBase
			}

			r.metrics.TaskRestarts.WithLabelValues(name).Inc()
			if err != nil {
				r.logger.Error().Err(err).Str("task", name).Dur("backoff", backoff).Msg("Task failed, restarting")
			} else {
				r.logger.Warn().Str("task", name).Dur("backoff", backoff).Msg("Task exited early, restarting")
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > taskBackoffMax {
				backoff = taskBackoffMax
			}
		}
	}()
	return done
}

// runTask invokes fn, converting a panic into an error so the supervisor
// restarts the task instead of crashing the process.
func runTask(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panicked: %v", rec)
		}
	}()
	return fn(ctx)
}
