// v0
// internal/solver/solver.go
package solver

import (
	"errors"
	"math"
)

// ErrNoActiveAnchors is returned by Locate when no anchor distance is
// available for a tag. It is an expected outcome, not a fault.
var ErrNoActiveAnchors = errors.New("no active anchors")

// Point is a position on the floor plan, in metres.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DistanceTo returns the Euclidean distance between p and q.
func (p Point) DistanceTo(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Centroid returns the arithmetic mean of pts. An empty slice yields the
// origin.
func Centroid(pts []Point) Point {
	if len(pts) == 0 {
		return Point{}
	}
	var c Point
	for _, p := range pts {
		c.X += p.X
		c.Y += p.Y
	}
	n := float64(len(pts))
	return Point{X: c.X / n, Y: c.Y / n}
}

// Result is the outcome of one least-squares fit.
type Result struct {
	Point Point
	// Residual is the root mean square of the range residuals at Point.
	Residual   float64
	Iterations int
	Converged  bool
}

// Solver fits a point whose distances to anchors best match distances.
// Implementations must be deterministic and bounded.
type Solver interface {
	Solve(initial Point, anchors []Point, distances []float64) Result
}

const (
	defaultMaxIterations = 100
	defaultDamping       = 1e-3
	maxDamping           = 1e12
	minDamping           = 1e-12
	stepTolerance        = 1e-10
	gradientTolerance    = 1e-12
	costTolerance        = 1e-20
)

// LevenbergMarquardt is a damped Gauss-Newton solver specialised for 2-D
// range equations. Zero values select defaults.
type LevenbergMarquardt struct {
	MaxIterations  int
	InitialDamping float64
}

// Solve implements Solver. When fewer distances than anchors are supplied
// only the paired prefix is used. The best iterate is always returned.
func (lm LevenbergMarquardt) Solve(initial Point, anchors []Point, distances []float64) Result {
	n := len(anchors)
	if len(distances) < n {
		n = len(distances)
	}
	anchors, distances = anchors[:n], distances[:n]
	if n == 0 {
		return Result{Point: initial}
	}
	maxIter := lm.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	lambda := lm.InitialDamping
	if lambda <= 0 {
		lambda = defaultDamping
	}

	p := initial
	cost := sumSquares(p, anchors, distances)
	res := Result{Point: p}
	for iter := 1; iter <= maxIter; iter++ {
		res.Iterations = iter
		jtj, g := normalEquations(p, anchors, distances)
		if cost < costTolerance || math.Hypot(g[0], g[1]) < gradientTolerance {
			res.Converged = true
			break
		}

		var (
			next     Point
			nextCost float64
			stepLen  float64
			improved bool
		)
		for lambda <= maxDamping {
			a00 := jtj[0][0] + lambda
			a01 := jtj[0][1]
			a11 := jtj[1][1] + lambda
			det := a00*a11 - a01*a01
			if det == 0 || math.IsNaN(det) {
				lambda *= 10
				continue
			}
			dx := -(a11*g[0] - a01*g[1]) / det
			dy := -(a00*g[1] - a01*g[0]) / det
			next = Point{X: p.X + dx, Y: p.Y + dy}
			nextCost = sumSquares(next, anchors, distances)
			if nextCost < cost {
				stepLen = math.Hypot(dx, dy)
				improved = true
				break
			}
			lambda *= 10
		}
		if !improved {
			// No descent direction left at any damping: p is a numerical
			// minimum of the cost surface.
			res.Converged = true
			break
		}
		p, cost = next, nextCost
		lambda = math.Max(lambda/10, minDamping)
		if stepLen < stepTolerance {
			res.Converged = true
			break
		}
	}
	res.Point = p
	res.Residual = math.Sqrt(cost / float64(n))
	return res
}

func sumSquares(p Point, anchors []Point, distances []float64) float64 {
	var s float64
	for i, a := range anchors {
		r := p.DistanceTo(a) - distances[i]
		s += r * r
	}
	return s
}

// normalEquations returns JᵀJ and Jᵀr for the range residuals at p.
func normalEquations(p Point, anchors []Point, distances []float64) ([2][2]float64, [2]float64) {
	var (
		jtj [2][2]float64
		g   [2]float64
	)
	for i, a := range anchors {
		dx, dy := p.X-a.X, p.Y-a.Y
		d := math.Hypot(dx, dy)
		if d < 1e-12 {
			continue
		}
		jx, jy := dx/d, dy/d
		r := d - distances[i]
		jtj[0][0] += jx * jx
		jtj[0][1] += jx * jy
		jtj[1][1] += jy * jy
		g[0] += jx * r
		g[1] += jy * r
	}
	jtj[1][0] = jtj[0][1]
	return jtj, g
}
