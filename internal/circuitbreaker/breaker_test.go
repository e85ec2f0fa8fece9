package circuitbreaker

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newBreaker(threshold int, open time.Duration) (*Breaker, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(threshold, open).WithClock(c.now), c
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newBreaker(3, time.Minute)
	assert.True(t, b.Allow("payment-gateway"))

	b.RecordFailure("payment-gateway")
	b.RecordFailure("payment-gateway")
	assert.True(t, b.Allow("payment-gateway"), "below threshold")

	b.RecordFailure("payment-gateway")
	assert.False(t, b.Allow("payment-gateway"))
	assert.Equal(t, StateOpen, b.State("payment-gateway"))
}

func TestBreaker_HalfOpenAdmitsOneProbe(t *testing.T) {
	b, c := newBreaker(2, time.Minute)
	b.RecordFailure("gw")
	b.RecordFailure("gw")

	c.advance(59 * time.Second)
	assert.False(t, b.Allow("gw"))

	c.advance(time.Second)
	assert.True(t, b.Allow("gw"), "probe")
	assert.Equal(t, StateHalfOpen, b.State("gw"))
	assert.False(t, b.Allow("gw"), "second call while probing")
}

func TestBreaker_ProbeOutcome(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		b, c := newBreaker(1, time.Minute)
		b.RecordFailure("gw")
		c.advance(time.Minute)
		require.True(t, b.Allow("gw"))
		b.RecordSuccess("gw")
		assert.Equal(t, StateClosed, b.State("gw"))
		assert.True(t, b.Allow("gw"))
	})

	t.Run("failure reopens for a full period", func(t *testing.T) {
		b, c := newBreaker(1, time.Minute)
		b.RecordFailure("gw")
		c.advance(time.Minute)
		require.True(t, b.Allow("gw"))
		b.RecordFailure("gw")
		assert.Equal(t, StateOpen, b.State("gw"))
		c.advance(30 * time.Second)
		assert.False(t, b.Allow("gw"))
	})
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newBreaker(3, time.Minute)
	b.RecordFailure("gw")
	b.RecordFailure("gw")
	b.RecordSuccess("gw")
	b.RecordFailure("gw")
	b.RecordFailure("gw")
	assert.Equal(t, StateClosed, b.State("gw"))
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newBreaker(1, time.Minute)
	b.RecordFailure("a")
	assert.False(t, b.Allow("a"))
	assert.True(t, b.Allow("b"))
	assert.Equal(t, StateClosed, b.State("unknown"))
}

func TestBreaker_Snapshot(t *testing.T) {
	b, c := newBreaker(1, time.Minute)
	b.RecordFailure("b")
	b.RecordSuccess("b")
	b.RecordFailure("a")

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Key)
	assert.Equal(t, StateOpen, snap[0].State)
	assert.Equal(t, c.now(), snap[0].OpenedAt)
	assert.Equal(t, StateOpen, snap[1].State, "b tripped on its first failure")

	raw, err := json.Marshal(snap[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"state":"open"`)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
