package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-comics-aggregator/models"
	"github.com/robfig/cron/v3"
)

// Refresher recomputes and stores one result page.
type Refresher interface {
	Refresh(ctx context.Context, query string, page int) (*models.AggregateResult, error)
}

// WarmTarget is a (query, page) pair kept hot by a Warmer.
type WarmTarget struct {
	Query string
	Page  int
}

// Warmer refreshes a fixed set of pages on a cron schedule so the first
// caller after expiry does not pay for a cold aggregate.
type Warmer struct {
	refresher Refresher
	targets   []WarmTarget
	timeout   time.Duration
	cron      *cron.Cron

	mu   sync.Mutex
	runs int
}

// NewWarmer schedules refresher over targets with the standard five-field
// cron spec. Targets default to the home listing page 1.
func NewWarmer(refresher Refresher, spec string, timeout time.Duration, targets ...WarmTarget) (*Warmer, error) {
	if len(targets) == 0 {
		targets = []WarmTarget{{Page: 1}}
	}
	w := &Warmer{
		refresher: refresher,
		targets:   targets,
		timeout:   timeout,
		cron:      cron.New(),
	}
	if _, err := w.cron.AddFunc(spec, func() { w.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("parse warm schedule %q: %w", spec, err)
	}
	return w, nil
}

// Start begins the schedule in the background.
func (w *Warmer) Start() {
	w.cron.Start()
	slog.Info("cache warmer started", slog.Int("targets", len(w.targets)))
}

// Stop halts the schedule and waits for a running refresh to return.
func (w *Warmer) Stop() {
	<-w.cron.Stop().Done()
}

// RunOnce refreshes every target sequentially. Failures are logged and do
// not stop the remaining targets.
func (w *Warmer) RunOnce(ctx context.Context) {
	for _, target := range w.targets {
		runCtx := ctx
		var cancel context.CancelFunc
		if w.timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, w.timeout)
		}
		result, err := w.refresher.Refresh(runCtx, target.Query, target.Page)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			slog.Warn("cache warm failed",
				slog.String("query", target.Query),
				slog.Int("page", target.Page),
				slog.Any("error", err),
			)
			continue
		}
		slog.Debug("cache warmed",
			slog.String("query", target.Query),
			slog.Int("page", target.Page),
			slog.Int("results", len(result.Results)),
		)
	}
	w.mu.Lock()
	w.runs++
	w.mu.Unlock()
}

// Runs reports how many refresh rounds have completed.
func (w *Warmer) Runs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runs
}
