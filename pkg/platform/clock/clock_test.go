package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClock_NowIsFrozen(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	c := Fake(start)
	assert.Equal(t, start, c.Now())
	assert.Equal(t, start, c.Now())

	c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), c.Now())

	later := start.Add(48 * time.Hour)
	c.Set(later)
	assert.Equal(t, later, c.Now())
}

func TestFakeClock_TickerFiresOnAdvance(t *testing.T) {
	c := Fake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	ticker := c.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	c.Advance(4 * time.Minute)
	select {
	case <-ticker.C:
		t.Fatal("ticker fired before its deadline")
	default:
	}

	c.Advance(time.Minute)
	select {
	case got := <-ticker.C:
		assert.Equal(t, c.Now(), got)
	default:
		t.Fatal("ticker did not fire at its deadline")
	}
}

func TestFakeClock_StoppedTickerIsSilent(t *testing.T) {
	c := Fake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	ticker := c.NewTicker(time.Minute)
	ticker.Stop()

	c.Advance(10 * time.Minute)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeClock_WaitForTickers(t *testing.T) {
	c := Fake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	done := make(chan struct{})
	go func() {
		c.WaitForTickers(1)
		close(done)
	}()

	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForTickers did not observe the new ticker")
	}
}

func TestRealClock_IsUTC(t *testing.T) {
	now := Real().Now()
	require.Equal(t, time.UTC, now.Location())
}

func TestNewTicker_PanicsOnNonPositiveInterval(t *testing.T) {
	assert.Panics(t, func() { Fake(time.Now()).NewTicker(0) })
}
