package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-comics-aggregator/scraper"
	"golang.org/x/sync/errgroup"
)

// Task is one unit of work run by RunBounded.
type Task[T any] func(ctx context.Context) (T, error)

// RunBounded runs tasks on exactly limit workers that claim indices from a
// shared cursor. Each worker waits stagger before every task after its first.
// The result for task i is stored at index i; a task that fails or panics
// leaves a nil slot and never affects its siblings. RunBounded returns once
// every index has been resolved.
func RunBounded[T any](ctx context.Context, tasks []Task[T], limit int, stagger time.Duration, clock scraper.Clock) []*T {
	results := make([]*T, len(tasks))
	if len(tasks) == 0 {
		return results
	}
	if limit <= 0 {
		limit = 1
	}
	if clock == nil {
		clock = scraper.SystemClock{}
	}

	var cursor atomic.Int64
	var g errgroup.Group
	for worker := 0; worker < limit; worker++ {
		g.Go(func() error {
			claimed := 0
			for {
				idx := int(cursor.Add(1) - 1)
				if idx >= len(tasks) {
					return nil
				}
				if claimed > 0 && stagger > 0 {
					if err := clock.Sleep(ctx, stagger); err != nil {
						slog.Warn("task abandoned before start", slog.Int("worker", worker), slog.Int("task", idx), slog.Any("error", err))
						continue
					}
				}
				claimed++

				value, err := runTask(ctx, tasks[idx])
				if err != nil {
					slog.Warn("task failed", slog.Int("worker", worker), slog.Int("task", idx), slog.Any("error", err))
					continue
				}
				results[idx] = &value
			}
		})
	}
	_ = g.Wait()
	return results
}

func runTask[T any](ctx context.Context, task Task[T]) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	if task == nil {
		return value, fmt.Errorf("nil task")
	}
	return task(ctx)
}
