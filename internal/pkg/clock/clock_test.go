package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeSleepAdvances(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	assert.NoError(t, f.Sleep(context.Background(), 200*time.Millisecond))
	f.Advance(time.Second)

	assert.Equal(t, start.Add(1200*time.Millisecond), f.Now())
	assert.Equal(t, 200*time.Millisecond, f.Slept())
}

func TestSleepHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, NewFake(time.Now()).Sleep(ctx, time.Second), context.Canceled)
	assert.ErrorIs(t, Real{}.Sleep(ctx, time.Hour), context.Canceled)
}
