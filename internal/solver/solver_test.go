// v0
// internal/solver/solver_test.go
package solver

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var triangle = []Point{{X: 0, Y: 0}, {X: 4, Y: 0}, {X: 2, Y: 3}}

func rangesTo(target Point, anchors []Point) []float64 {
	out := make([]float64, len(anchors))
	for i, a := range anchors {
		out[i] = target.DistanceTo(a)
	}
	return out
}

func TestLevenbergMarquardtRecoversTarget(t *testing.T) {
	target := Point{X: 2, Y: 1}
	distances := rangesTo(target, triangle)
	require.InDelta(t, math.Sqrt(5), distances[0], 1e-12)
	require.InDelta(t, 2.0, distances[2], 1e-12)

	for _, start := range []Point{Centroid(triangle), {X: 1, Y: 2}, {X: 3, Y: 0.5}} {
		res := LevenbergMarquardt{}.Solve(start, triangle, distances)
		assert.True(t, res.Converged, "start %+v", start)
		assert.InDelta(t, target.X, res.Point.X, 1e-3, "start %+v", start)
		assert.InDelta(t, target.Y, res.Point.Y, 1e-3, "start %+v", start)
		assert.Less(t, res.Residual, 1e-6)
	}
}

func TestLevenbergMarquardtDeterministic(t *testing.T) {
	distances := []float64{2.5, 2.1, 1.7}
	a := LevenbergMarquardt{}.Solve(Point{X: 1, Y: 1}, triangle, distances)
	b := LevenbergMarquardt{}.Solve(Point{X: 1, Y: 1}, triangle, distances)
	require.Equal(t, a, b)
}

func TestLevenbergMarquardtBoundedIterations(t *testing.T) {
	distances := rangesTo(Point{X: 2, Y: 1}, triangle)
	res := LevenbergMarquardt{MaxIterations: 1}.Solve(Point{X: 40, Y: -30}, triangle, distances)
	assert.Equal(t, 1, res.Iterations)
	assert.False(t, res.Converged)
	assert.Greater(t, res.Residual, 0.0)
}

func TestLevenbergMarquardtEmptyInput(t *testing.T) {
	start := Point{X: 3, Y: 4}
	res := LevenbergMarquardt{}.Solve(start, nil, nil)
	assert.Equal(t, start, res.Point)
	assert.False(t, res.Converged)
}

func TestLocateStrategies(t *testing.T) {
	reference := Centroid(triangle)

	_, err := Locate(LevenbergMarquardt{}, nil, reference)
	require.ErrorIs(t, err, ErrNoActiveAnchors)

	single, err := Locate(LevenbergMarquardt{}, []Observation{{AnchorID: "a", Position: triangle[0], Distance: 3.2}}, reference)
	require.NoError(t, err)
	assert.Equal(t, MethodSingle, single.Method)
	assert.Nil(t, single.Point)
	assert.Equal(t, "a", single.AnchorID)
	assert.InDelta(t, 3.2, single.DistanceFromReference, 1e-12)

	bi, err := Locate(LevenbergMarquardt{}, []Observation{
		{AnchorID: "a", Position: Point{X: 0, Y: 0}, Distance: 4},
		{AnchorID: "b", Position: Point{X: 10, Y: 0}, Distance: 6},
	}, Point{X: 5, Y: 5})
	require.NoError(t, err)
	assert.Equal(t, MethodBilateration, bi.Method)
	require.NotNil(t, bi.Point)
	assert.InDelta(t, 4.0, bi.Point.X, 1e-6)
	assert.InDelta(t, 0.0, bi.Point.Y, 1e-6)
	assert.InDelta(t, math.Hypot(1, 5), bi.DistanceFromReference, 1e-6)
	assert.Equal(t, []string{"a", "b"}, bi.Anchors)

	target := Point{X: 2, Y: 1}
	obs := []Observation{
		{AnchorID: "a", Position: triangle[0], Distance: target.DistanceTo(triangle[0])},
		{AnchorID: "b", Position: triangle[1], Distance: target.DistanceTo(triangle[1])},
		{AnchorID: "c", Position: triangle[2], Distance: target.DistanceTo(triangle[2])},
	}
	multi, err := Locate(LevenbergMarquardt{}, obs, reference)
	require.NoError(t, err)
	assert.Equal(t, MethodMultilateration, multi.Method)
	require.NotNil(t, multi.Point)
	assert.InDelta(t, 2.0, multi.Point.X, 1e-3)
	assert.InDelta(t, 1.0, multi.Point.Y, 1e-3)
	assert.True(t, multi.Converged)
	assert.InDelta(t, 0.0, multi.DistanceFromReference, 1e-3)
}
