package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClock_AdvanceFiresInDeadlineOrder(t *testing.T) {
	t.Parallel()

	c := NewFake(epoch)
	var fired []string
	c.AfterFunc(3*time.Minute, func() { fired = append(fired, "c") })
	c.AfterFunc(time.Minute, func() { fired = append(fired, "a") })
	c.AfterFunc(2*time.Minute, func() { fired = append(fired, "b") })

	c.Advance(90 * time.Second)
	assert.Equal(t, []string{"a"}, fired)
	assert.Equal(t, 2, c.Pending())

	c.Advance(5 * time.Minute)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, epoch.Add(90*time.Second+5*time.Minute), c.Now())
	assert.Zero(t, c.Pending())
}

func TestFakeClock_CallbackSeesDeadlineTime(t *testing.T) {
	t.Parallel()

	c := NewFake(epoch)
	var at time.Time
	c.AfterFunc(time.Minute, func() { at = c.Now() })

	c.Advance(time.Hour)
	assert.Equal(t, epoch.Add(time.Minute), at)
}

func TestFakeClock_StopPreventsFiring(t *testing.T) {
	t.Parallel()

	c := NewFake(epoch)
	fired := false
	timer := c.AfterFunc(time.Minute, func() { fired = true })

	require.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop reports already stopped")

	c.Advance(time.Hour)
	assert.False(t, fired)
}

func TestFakeClock_StopAfterFireReturnsFalse(t *testing.T) {
	t.Parallel()

	c := NewFake(epoch)
	timer := c.AfterFunc(time.Second, func() {})
	c.Advance(time.Second)
	assert.False(t, timer.Stop())
}

func TestFakeClock_CallbackMayScheduleMore(t *testing.T) {
	t.Parallel()

	c := NewFake(epoch)
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Minute, tick)
		}
	}
	c.AfterFunc(time.Minute, tick)

	c.Advance(10 * time.Minute)
	assert.Equal(t, 3, count)
}

func TestRealClock_AfterFunc(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	Real().AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("real timer did not fire")
	}
}
