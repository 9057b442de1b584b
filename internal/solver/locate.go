// v0
// internal/solver/locate.go
package solver

// Method names the strategy used to produce a fix.
type Method string

const (
	MethodSingle          Method = "single"
	MethodBilateration    Method = "bilateration"
	MethodMultilateration Method = "multilateration"
)

// Observation is one active anchor with its estimated range to the tag.
type Observation struct {
	AnchorID string
	Position Point
	Distance float64
}

// Fix is the solver-level outcome for one tag.
type Fix struct {
	Method Method
	// Point is nil for MethodSingle.
	Point *Point
	// DistanceFromReference is the range to the only anchor for
	// MethodSingle, otherwise the distance from Point to the reference.
	DistanceFromReference float64
	// AnchorID is set for MethodSingle only.
	AnchorID   string
	Residual   float64
	Iterations int
	Converged  bool
	Anchors    []string
}

// Locate picks a strategy from the number of observations. reference is
// the centroid of the full anchor table.
func Locate(s Solver, obs []Observation, reference Point) (Fix, error) {
	if len(obs) == 0 {
		return Fix{}, ErrNoActiveAnchors
	}
	ids := make([]string, len(obs))
	for i, o := range obs {
		ids[i] = o.AnchorID
	}
	if len(obs) == 1 {
		return Fix{
			Method:                MethodSingle,
			DistanceFromReference: obs[0].Distance,
			AnchorID:              obs[0].AnchorID,
			Converged:             true,
			Anchors:               ids,
		}, nil
	}

	anchors := make([]Point, len(obs))
	distances := make([]float64, len(obs))
	for i, o := range obs {
		anchors[i] = o.Position
		distances[i] = o.Distance
	}
	method := MethodMultilateration
	if len(obs) == 2 {
		method = MethodBilateration
	}
	res := s.Solve(Centroid(anchors), anchors, distances)
	pt := res.Point
	return Fix{
		Method:                method,
		Point:                 &pt,
		DistanceFromReference: pt.DistanceTo(reference),
		Residual:              res.Residual,
		Iterations:            res.Iterations,
		Converged:             res.Converged,
		Anchors:               ids,
	}, nil
}
