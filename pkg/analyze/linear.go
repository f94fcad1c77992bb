package analyze

import (
	"math"
	"math/rand"
)

// Line is a least squares fit over the region of a curve most points agree
// with.
type Line struct {
	Slope     float64
	Intercept float64
	Coverage  float64 // fraction of points within tolerance of the line
	StartX    float64
	EndX      float64
	Inliers   int
}

const ransacIterations = 500

// FitDominantLine finds the longest linear region of points with RANSAC and
// refines it by least squares. tolerance is the relative error a point may
// have and still count as on the line, e.g. 0.05. Small inputs try every
// pair of points; larger ones sample pairs from rng.
func FitDominantLine(points []Point, tolerance float64, rng *rand.Rand) Line {
	n := len(points)
	if n < 2 {
		return Line{}
	}

	var best []Point
	try := func(p1, p2 Point) {
		if math.Abs(p2.X-p1.X) < 1e-9 {
			return
		}
		m := (p2.Y - p1.Y) / (p2.X - p1.X)
		c := p1.Y - m*p1.X
		inliers := make([]Point, 0, n)
		for _, p := range points {
			if relErr(m*p.X+c, p.Y) <= tolerance {
				inliers = append(inliers, p)
			}
		}
		if len(inliers) > len(best) {
			best = inliers
		}
	}

	if n*(n-1)/2 <= ransacIterations {
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				try(points[i], points[j])
			}
		}
	} else {
		for i := 0; i < ransacIterations; i++ {
			a, b := rng.Intn(n), rng.Intn(n)
			if a != b {
				try(points[a], points[b])
			}
		}
	}
	if len(best) < 2 {
		return Line{}
	}

	m, c := leastSquares(best)
	minX, maxX := best[0].X, best[0].X
	for _, p := range best {
		minX = math.Min(minX, p.X)
		maxX = math.Max(maxX, p.X)
	}
	return Line{
		Slope:     m,
		Intercept: c,
		Coverage:  float64(len(best)) / float64(n),
		StartX:    minX,
		EndX:      maxX,
		Inliers:   len(best),
	}
}

// relErr is relative to the observation, or absolute when it is near zero.
func relErr(predicted, observed float64) float64 {
	if math.Abs(observed) < 1e-9 {
		return math.Abs(predicted - observed)
	}
	return math.Abs(predicted-observed) / math.Abs(observed)
}

func leastSquares(points []Point) (m, c float64) {
	var sumX, sumY, sumXY, sumXX float64
	n := float64(len(points))
	for _, p := range points {
		sumX += p.X
		sumY += p.Y
		sumXY += p.X * p.Y
		sumXX += p.X * p.X
	}
	m = (n*sumXY - sumX*sumY) / (n*sumXX - sumX*sumX)
	c = (sumY - m*sumX) / n
	return m, c
}
