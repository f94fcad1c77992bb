package analyze

import "math"

// Transitions are the points where a throughput curve stops growing
// linearly and where it stops growing at all. A zero Point means the
// transition was not observed.
type Transitions struct {
	LinearLimit Point
	Saturation  Point
}

type Detector struct {
	LinearThreshold float64 // slope fraction that ends the linear region, e.g. 0.5
	SatThreshold    float64 // slope fraction that signals saturation, e.g. 0.05
}

func DefaultDetector() Detector {
	return Detector{LinearThreshold: 0.5, SatThreshold: 0.05}
}

// Analyze walks points in X order (X = load, Y = throughput) and compares
// every marginal slope against the slope of the first segment.
func (d Detector) Analyze(points []Point) Transitions {
	var t Transitions
	if len(points) < 3 {
		return t
	}
	slope := func(i int) float64 {
		dx := points[i].X - points[i-1].X
		if dx == 0 {
			return 0
		}
		return (points[i].Y - points[i-1].Y) / dx
	}

	initial := slope(1)
	linearFound, satFound := false, false
	for i := 2; i < len(points); i++ {
		cur := slope(i)
		if !linearFound && cur < initial*d.LinearThreshold {
			t.LinearLimit = points[i-1]
			linearFound = true
		}

		// Saturation uses the mean of the last two slopes so one noisy
		// point does not trigger it.
		avg := cur
		if i >= 3 {
			avg = (cur + slope(i-1)) / 2
		}
		if !satFound && avg < initial*d.SatThreshold {
			t.Saturation = points[i-1]
			satFound = true
		}
	}
	return t
}

// Monotonicity is 1 for a curve that never decreases and drops toward 0 with
// every decrease. Curves of fewer than three points score 0.
func Monotonicity(points []Point) float64 {
	if len(points) < 3 {
		return 0
	}
	violations := 0
	for i := 1; i < len(points); i++ {
		if points[i].Y < points[i-1].Y {
			violations++
		}
	}
	return math.Max(0, 1.0-float64(violations)/float64(len(points)))
}
