package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateWindows(t *testing.T) {
	w := newRateWindows(time.Minute)
	t0 := time.Unix(1_700_000_000, 0)

	assert.True(t, w.allow("cam", 0, t0), "zero limit is unlimited")

	assert.True(t, w.allow("cam", 2, t0))
	w.record("cam", t0)
	w.record("cam", t0.Add(10*time.Second))
	assert.False(t, w.allow("cam", 2, t0.Add(20*time.Second)))
	assert.Equal(t, 2, w.usage("cam", t0.Add(20*time.Second)))

	// Первая метка выпадает из окна
	assert.True(t, w.allow("cam", 2, t0.Add(61*time.Second)))
	assert.Equal(t, 1, w.usage("cam", t0.Add(61*time.Second)))

	assert.Equal(t, 0, w.usage("other", t0))
}

func TestRateWindowOverrides(t *testing.T) {
	w := newRateWindows(0)
	assert.Equal(t, DefaultRateWindow, w.window)

	assert.Equal(t, 5, w.limit("echo", 5))
	w.setLimit("echo", 2)
	assert.Equal(t, 2, w.limit("echo", 5))
	assert.Equal(t, map[string]int{"echo": 2}, w.overridden())

	w.setLimit("echo", 0)
	assert.Equal(t, 5, w.limit("echo", 5))
}
