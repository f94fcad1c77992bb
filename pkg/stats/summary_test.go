package stats

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarizeUniform(t *testing.T) {
	samples := make([]uint64, 1000)
	for i := range samples {
		samples[i] = 20000
	}
	s, err := Summarize(samples)
	require.NoError(t, err)
	assert.Equal(t, 1000, s.Count)
	assert.Equal(t, uint64(20000), s.Min)
	assert.Equal(t, uint64(20000), s.Max)
	assert.Equal(t, 20000.0, s.Mean)
	assert.Equal(t, 0.0, s.StdDev)
	// Clamping turns the histogram's bucket edges back into the exact value.
	assert.Equal(t, uint64(20000), s.P50)
	assert.Equal(t, uint64(20000), s.P999)
}

func TestSummarizeExactMoments(t *testing.T) {
	s, err := Summarize([]uint64{2, 4, 4, 4, 5, 5, 7, 9})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.Min)
	assert.Equal(t, uint64(9), s.Max)
	assert.InDelta(t, 5.0, s.Mean, 1e-12)
	assert.InDelta(t, 2.0, s.StdDev, 1e-12)
}

func TestSummarizePercentilesMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 20; round++ {
		n := 1 + rng.Intn(5000)
		samples := make([]uint64, n)
		for i := range samples {
			samples[i] = uint64(rng.ExpFloat64() * 50000)
		}
		s, err := Summarize(samples)
		require.NoError(t, err)
		assert.LessOrEqual(t, s.Min, s.P50)
		assert.LessOrEqual(t, s.P50, s.P90)
		assert.LessOrEqual(t, s.P90, s.P99)
		assert.LessOrEqual(t, s.P99, s.P999)
		assert.LessOrEqual(t, s.P999, s.Max)
	}
}

func TestSummarizeIdempotent(t *testing.T) {
	samples := []uint64{900, 15, 320, 77, 1 << 20, 4000}
	orig := append([]uint64(nil), samples...)
	a, err := Summarize(samples)
	require.NoError(t, err)
	b, err := Summarize(samples)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, orig, samples)
}

func TestSummarizeBeyondRange(t *testing.T) {
	big := uint64(2 * time.Hour)
	s, err := Summarize([]uint64{10, big})
	require.NoError(t, err)
	assert.Equal(t, big, s.Max)
	assert.LessOrEqual(t, s.P999, s.Max)
}

func TestSummarizeEmpty(t *testing.T) {
	_, err := Summarize(nil)
	assert.ErrorIs(t, err, ErrNoSamples)
}

func TestPrint(t *testing.T) {
	s := Summary{Min: 1, Max: 9, Mean: 4.6, StdDev: 2.2, P50: 4, P90: 8, P99: 9, P999: 9}
	var out bytes.Buffer
	s.Print(&out)
	assert.Equal(t,
		"Percentiles: p50: 4 ns p90: 8 ns p99: 9 ns p999: 9 ns\n"+
			"Latency (ns): Min: 1 Avg: 5 Max: 9 StdDev: 2\n",
		out.String())
}

func TestPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latency.txt")
	require.NoError(t, os.WriteFile(path, []byte("stale\nstale\nstale\nstale\n"), 0644))

	samples := []uint64{20000, 20000, 31, 0}
	require.NoError(t, Persist(path, samples))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	assert.Equal(t, []string{"20000", "20000", "31", "0"}, lines)
}

func TestPersistUnwritable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "latency.txt")
	err := Persist(path, []uint64{1})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "create sample file")
}

func TestWriteReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, WriteReport(path, Summary{Count: 2, Min: 1, Max: 3}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"count": 2`)
	assert.Contains(t, string(data), `"max_ns": 3`)
}
