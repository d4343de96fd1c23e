package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-comics-aggregator/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRefresher struct {
	mu      sync.Mutex
	targets []WarmTarget
	fail    map[int]bool
}

func (r *recordingRefresher) Refresh(ctx context.Context, query string, page int) (*models.AggregateResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, WarmTarget{Query: query, Page: page})
	if r.fail[page] {
		return nil, errors.New("upstream unavailable")
	}
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("missing deadline")
	}
	return &models.AggregateResult{Success: true}, nil
}

func TestWarmerRunOnceRefreshesAllTargets(t *testing.T) {
	refresher := &recordingRefresher{fail: map[int]bool{2: true}}
	w, err := NewWarmer(refresher, "*/5 * * * *", time.Minute,
		WarmTarget{Page: 1},
		WarmTarget{Page: 2},
		WarmTarget{Query: "batman", Page: 1},
	)
	require.NoError(t, err)

	w.RunOnce(context.Background())

	assert.Equal(t, []WarmTarget{{Page: 1}, {Page: 2}, {Query: "batman", Page: 1}}, refresher.targets)
	assert.Equal(t, 1, w.Runs())
}

func TestWarmerDefaultsToHomePage(t *testing.T) {
	refresher := &recordingRefresher{}
	w, err := NewWarmer(refresher, "@every 1h", time.Second)
	require.NoError(t, err)

	w.RunOnce(context.Background())
	assert.Equal(t, []WarmTarget{{Page: 1}}, refresher.targets)
}

func TestWarmerRejectsBadSchedule(t *testing.T) {
	_, err := NewWarmer(&recordingRefresher{}, "every now and then", time.Second)
	require.Error(t, err)
}

func TestWarmerStartStop(t *testing.T) {
	w, err := NewWarmer(&recordingRefresher{}, "@every 1h", time.Second)
	require.NoError(t, err)
	w.Start()
	w.Stop()
	assert.Equal(t, 0, w.Runs())
}
