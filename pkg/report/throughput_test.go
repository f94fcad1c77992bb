package report

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestThroughputCadence(t *testing.T) {
	clock := &fakeClock{t: time.Unix(100, 0)}
	var out bytes.Buffer
	r := NewThroughput(&out, 5*time.Second, clock.now)

	clock.advance(4 * time.Second)
	assert.False(t, r.Tick(1000))
	assert.Empty(t, out.String())

	clock.advance(2 * time.Second)
	assert.True(t, r.Tick(6000))
	assert.Equal(t, "6000 B / 6000000 us\n", out.String())

	// The interval restarts at the last print.
	clock.advance(3 * time.Second)
	assert.False(t, r.Tick(9000))

	clock.advance(3 * time.Second)
	assert.True(t, r.Tick(12000))
	assert.Equal(t, "6000 B / 6000000 us\n12000 B / 12000000 us\n", out.String())
}

func TestThroughputRate(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	var out bytes.Buffer
	r := NewThroughput(&out, time.Second, clock.now)

	mean, relErr := r.Rate()
	assert.Zero(t, mean)
	assert.Zero(t, relErr)

	var total uint64
	for i := 0; i < 4; i++ {
		clock.advance(2 * time.Second)
		total += 2000
		r.Tick(total)
	}
	mean, relErr = r.Rate()
	assert.InDelta(t, 1000.0, mean, 1e-9)
	assert.InDelta(t, 0.0, relErr, 1e-9)
}

func TestThroughputRateSpread(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	var out bytes.Buffer
	r := NewThroughput(&out, time.Second, clock.now)

	var total uint64
	for _, rate := range []uint64{2, 4, 4, 4, 5, 5, 7, 9} {
		clock.advance(2 * time.Second)
		total += 2 * rate
		r.Tick(total)
	}
	mean, relErr := r.Rate()
	assert.InDelta(t, 5.0, mean, 1e-9)
	// Population stddev 2 over 8 intervals.
	assert.InDelta(t, 2/math.Sqrt(8)/5, relErr, 1e-9)
}
