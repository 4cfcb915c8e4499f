package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gowdashreyas493-oss/skillspark-placement/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSweeper struct{ calls atomic.Int32 }

func (s *countingSweeper) Sweep(context.Context) (int64, error) {
	s.calls.Add(1)
	return 1, nil
}

type countingRetrier struct {
	calls  atomic.Int32
	window atomic.Int64
}

func (r *countingRetrier) RetryPending(_ context.Context, window time.Duration) (int, error) {
	r.calls.Add(1)
	r.window.Store(int64(window))
	return 0, nil
}

func TestScheduler_RunsJobs(t *testing.T) {
	cfg := config.Default()
	cfg.Messaging.TypingSweep = 20 * time.Millisecond
	cfg.Moderation.RetryPending = true
	cfg.Moderation.RetryInterval = 20 * time.Millisecond
	cfg.Moderation.RetryWindow = time.Hour

	sweeper, retrier := &countingSweeper{}, &countingRetrier{}
	s, err := New(cfg, sweeper, retrier)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"typing-sweep", "moderation-retry"}, s.Jobs())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return sweeper.calls.Load() >= 2 && retrier.calls.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(time.Hour), retrier.window.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_RetryDisabledByDefault(t *testing.T) {
	s, err := New(config.Default(), &countingSweeper{}, &countingRetrier{})
	require.NoError(t, err)
	assert.Equal(t, []string{"typing-sweep"}, s.Jobs())
}
