package analyze

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetector(t *testing.T) {
	d := DefaultDetector()

	knee := d.Analyze([]Point{{X: 1, Y: 10}, {X: 2, Y: 20}, {X: 3, Y: 28}, {X: 4, Y: 30}, {X: 5, Y: 31}})
	assert.Equal(t, 3.0, knee.LinearLimit.X)
	assert.Zero(t, knee.Saturation)

	plateau := d.Analyze([]Point{{X: 1, Y: 10}, {X: 2, Y: 20}, {X: 3, Y: 30}, {X: 4, Y: 30}, {X: 5, Y: 30}, {X: 6, Y: 30}})
	assert.Equal(t, 3.0, plateau.LinearLimit.X)
	assert.Equal(t, 4.0, plateau.Saturation.X)

	assert.Zero(t, d.Analyze([]Point{{X: 1, Y: 1}, {X: 2, Y: 2}}))
}

func TestMonotonicity(t *testing.T) {
	assert.Equal(t, 1.0, Monotonicity([]Point{{Y: 1}, {Y: 2}, {Y: 2}, {Y: 3}}))
	assert.Equal(t, 0.75, Monotonicity([]Point{{Y: 1}, {Y: 3}, {Y: 2}, {Y: 4}}))
	assert.Zero(t, Monotonicity([]Point{{Y: 1}}))
}

func TestFitDominantLine(t *testing.T) {
	var points []Point
	for x := 1; x <= 8; x++ {
		points = append(points, Point{X: float64(x), Y: 2*float64(x) + 1})
	}
	points = append(points, Point{X: 9, Y: 100})

	line := FitDominantLine(points, 0.01, rand.New(rand.NewSource(1)))
	assert.InDelta(t, 2, line.Slope, 1e-9)
	assert.InDelta(t, 1, line.Intercept, 1e-9)
	assert.Equal(t, 8, line.Inliers)
	assert.InDelta(t, 8.0/9.0, line.Coverage, 1e-9)
	assert.Equal(t, 1.0, line.StartX)
	assert.Equal(t, 8.0, line.EndX)
}

func TestFitDominantLineSampled(t *testing.T) {
	var points []Point
	for x := 0; x < 64; x++ {
		points = append(points, Point{X: float64(x), Y: 5})
	}
	line := FitDominantLine(points, 0.05, rand.New(rand.NewSource(3)))
	assert.InDelta(t, 0, line.Slope, 1e-9)
	assert.Equal(t, 64, line.Inliers)
}

func TestFitDominantLineDegenerate(t *testing.T) {
	assert.Zero(t, FitDominantLine([]Point{{X: 1, Y: 1}}, 0.05, nil))
	assert.Zero(t, FitDominantLine([]Point{{X: 1, Y: 1}, {X: 1, Y: 2}}, 0.05, nil))
}
