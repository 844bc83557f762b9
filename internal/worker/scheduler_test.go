package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/audience-engine/internal/pkg/clock"
	"github.com/ignite/audience-engine/internal/worker"
)

func TestScheduler_RunsJobsOnTheirInterval(t *testing.T) {
	clk := clock.NewFake(t0)
	s := worker.NewScheduler(time.Second, clk)
	var every, hourly int
	s.Add("every-tick", 0, func(context.Context) error { every++; return nil })
	s.Add("hourly", time.Hour, func(context.Context) error { hourly++; return nil })
	ctx := context.Background()

	s.RunOnce(ctx)
	s.RunOnce(ctx)
	assert.Equal(t, 2, every)
	assert.Equal(t, 1, hourly)

	clk.Advance(59 * time.Minute)
	s.RunOnce(ctx)
	assert.Equal(t, 1, hourly)

	clk.Advance(time.Minute)
	s.RunOnce(ctx)
	assert.Equal(t, 2, hourly)
	assert.Equal(t, 4, every)
}

func TestScheduler_FailingJobDoesNotStopOthers(t *testing.T) {
	clk := clock.NewFake(t0)
	s := worker.NewScheduler(time.Second, clk)
	var ran int
	s.Add("broken", 0, func(context.Context) error { return errors.New("boom") })
	s.Add("panicky", 0, func(context.Context) error { panic("nil map") })
	s.Add("fine", 0, func(context.Context) error { ran++; return nil })

	s.RunOnce(context.Background())
	assert.Equal(t, 1, ran)
	assert.Equal(t, t0, s.LastTick())
}

func TestScheduler_Health(t *testing.T) {
	clk := clock.NewFake(t0)
	s := worker.NewScheduler(time.Second, clk)
	assert.False(t, s.Healthy(time.Minute), "no tick yet")

	s.RunOnce(context.Background())
	assert.True(t, s.Healthy(time.Minute))

	clk.Advance(2 * time.Minute)
	assert.False(t, s.Healthy(time.Minute))
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	s := worker.NewScheduler(10*time.Millisecond, clock.Real{})
	ticks := make(chan struct{}, 100)
	s.Add("heartbeat", 0, func(context.Context) error { ticks <- struct{}{}; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	<-ticks
	<-ticks
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
