package analyze

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindKnee(t *testing.T) {
	tests := []struct {
		name   string
		points []Point
		wantX  float64
	}{
		{
			name: "saturating throughput",
			points: []Point{
				{X: 1, Y: 10},
				{X: 2, Y: 20},
				{X: 3, Y: 28},
				{X: 4, Y: 30},
				{X: 5, Y: 31},
			},
			wantX: 3,
		},
		{
			// Every point lies on the chord; the first one wins.
			name: "linear",
			points: []Point{
				{X: 1, Y: 10},
				{X: 2, Y: 20},
				{X: 3, Y: 30},
				{X: 4, Y: 40},
			},
			wantX: 1,
		},
		{
			name: "plateau",
			points: []Point{
				{X: 1, Y: 100},
				{X: 2, Y: 100},
				{X: 3, Y: 100},
			},
			wantX: 3,
		},
		{
			name: "step",
			points: []Point{
				{X: 1, Y: 0},
				{X: 2, Y: 0},
				{X: 3, Y: 100},
				{X: 4, Y: 100},
			},
			wantX: 3,
		},
		{
			name: "unsorted input",
			points: []Point{
				{X: 4, Y: 30},
				{X: 1, Y: 10},
				{X: 5, Y: 31},
				{X: 3, Y: 28},
				{X: 2, Y: 20},
			},
			wantX: 3,
		},
		{
			name:   "too few points",
			points: []Point{{X: 1, Y: 5}, {X: 2, Y: 9}},
			wantX:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantX, FindKnee(tt.points).X)
		})
	}
}

func TestFindKneeKeepsInputOrder(t *testing.T) {
	points := []Point{{X: 3, Y: 1, Flows: 3}, {X: 1, Y: 0, Flows: 1}, {X: 2, Y: 1, Flows: 2}}
	knee := FindKnee(points)
	assert.Equal(t, 2, knee.Flows)
	assert.Equal(t, 3.0, points[0].X)
	assert.Empty(t, FindKnee(nil))
}
