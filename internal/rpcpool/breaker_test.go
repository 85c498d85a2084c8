package rpcpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time { return c.t }

func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBreakerTripsAtThreshold(t *testing.T) {
	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	var reasons []string
	b := NewBreaker(3, time.Minute).WithClock(clock.now).WithTripCallback(func(reason string) {
		reasons = append(reasons, reason)
	})

	b.Failure("a")
	b.Slow("b")
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 2, b.Streak())

	b.Failure("c")
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
	assert.Equal(t, []string{"c"}, reasons)
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	b := NewBreaker(2, time.Minute)
	b.Failure("a")
	b.Success()
	b.Failure("b")
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.Streak())
}

func TestBreakerHalfOpenAdmitsSingleTrial(t *testing.T) {
	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(1, time.Minute).WithClock(clock.now)
	b.Failure("down")
	require.Equal(t, StateOpen, b.State())

	clock.advance(59 * time.Second)
	assert.False(t, b.Allow(), "cooldown not over")

	clock.advance(2 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one trial at a time")

	b.Success()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	trips := 0
	b := NewBreaker(5, time.Minute).WithClock(clock.now).WithTripCallback(func(string) { trips++ })
	for i := 0; i < 5; i++ {
		b.Failure("x")
	}
	clock.advance(time.Minute)
	require.True(t, b.Allow())

	b.Slow("still slow")
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 2, trips)
	assert.False(t, b.Allow())
}

func TestBreakerCancelReleasesTrial(t *testing.T) {
	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(1, time.Second).WithClock(clock.now)
	b.Failure("x")
	clock.advance(time.Second)
	require.True(t, b.Allow())
	b.Cancel()
	assert.True(t, b.Allow())
}
