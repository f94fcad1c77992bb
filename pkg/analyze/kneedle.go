// Package analyze finds the point where adding more load stops paying off.
package analyze

import (
	"sort"
)

type Point struct {
	X float64
	Y float64
	// Flows is the flow count the point was measured at.
	Flows int
}

// FindKnee implements the Kneedle algorithm to find the point of maximum
// curvature. It assumes the curve is concave: increasing but flattening
// out, like a throughput curve approaching saturation. points is not
// modified.
func FindKnee(points []Point) Point {
	if len(points) < 3 {
		if len(points) > 0 {
			return points[len(points)-1]
		}
		return Point{}
	}

	sorted := make([]Point, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].X < sorted[j].X
	})

	minX, maxX := sorted[0].X, sorted[len(sorted)-1].X
	minY, maxY := sorted[0].Y, sorted[0].Y
	for _, p := range sorted {
		minY = min(minY, p.Y)
		maxY = max(maxY, p.Y)
	}
	if maxX == minX || maxY == minY {
		return sorted[len(sorted)-1]
	}

	// In normalized space the chord from first to last point is y = x; the
	// knee is the point furthest above it.
	maxDist := -1.0
	var knee Point
	for _, p := range sorted {
		xNorm := (p.X - minX) / (maxX - minX)
		yNorm := (p.Y - minY) / (maxY - minY)
		if dist := yNorm - xNorm; dist > maxDist {
			maxDist = dist
			knee = p
		}
	}
	return knee
}
