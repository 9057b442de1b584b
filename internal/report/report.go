// v0
// internal/report/report.go
package report

import (
	"encoding/json"
	"fmt"
	"time"

	"nrgchamp/tagfusion/internal/solver"
)

// Estimate is a finalized position for one tag.
type Estimate struct {
	TagMAC                string
	Method                solver.Method
	Point                 *solver.Point
	DistanceFromReference float64
	AnchorID              string
	Residual              float64
	Iterations            int
	Converged             bool
	Anchors               []string
	Timestamp             time.Time
}

// FromFix stamps a solver fix with its tag and evaluation time.
func FromFix(tag string, fix solver.Fix, at time.Time) Estimate {
	est := Estimate{
		TagMAC:                tag,
		Method:                fix.Method,
		DistanceFromReference: fix.DistanceFromReference,
		AnchorID:              fix.AnchorID,
		Residual:              fix.Residual,
		Iterations:            fix.Iterations,
		Converged:             fix.Converged,
		Anchors:               append([]string(nil), fix.Anchors...),
		Timestamp:             at.UTC(),
	}
	if fix.Point != nil {
		pt := *fix.Point
		est.Point = &pt
	}
	return est
}

// Position is the published JSON form of an Estimate.
type Position struct {
	TagMAC                string   `json:"tag_mac"`
	Method                string   `json:"method"`
	X                     *float64 `json:"x,omitempty"`
	Y                     *float64 `json:"y,omitempty"`
	DistanceFromReference float64  `json:"distance_from_reference"`
	AnchorID              string   `json:"anchor_id,omitempty"`
	Residual              *float64 `json:"residual,omitempty"`
	Converged             bool     `json:"converged"`
	Anchors               []string `json:"anchors"`
	Timestamp             string   `json:"timestamp"`
}

// Project maps an Estimate to its wire form. It has no side effects.
func Project(est Estimate) Position {
	p := Position{
		TagMAC:                est.TagMAC,
		Method:                string(est.Method),
		DistanceFromReference: est.DistanceFromReference,
		AnchorID:              est.AnchorID,
		Converged:             est.Converged,
		Anchors:               append([]string{}, est.Anchors...),
		Timestamp:             est.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if est.Point != nil {
		x, y := est.Point.X, est.Point.Y
		p.X, p.Y = &x, &y
		r := est.Residual
		p.Residual = &r
	}
	return p
}

// Format renders est as JSON. Identical estimates yield identical bytes.
func Format(est Estimate) ([]byte, error) {
	b, err := json.Marshal(Project(est))
	if err != nil {
		return nil, fmt.Errorf("marshal position: %w", err)
	}
	return b, nil
}

// LocationTopic is the MQTT topic carrying positions for tag.
func LocationTopic(prefix, tag string) string {
	return prefix + "/" + tag
}

// FromPosition rebuilds an Estimate from its wire form. Solver iteration
// counts are not part of the wire form and come back as zero.
func FromPosition(p Position) (Estimate, error) {
	ts, err := time.Parse(time.RFC3339Nano, p.Timestamp)
	if err != nil {
		return Estimate{}, fmt.Errorf("parse timestamp: %w", err)
	}
	est := Estimate{
		TagMAC:                p.TagMAC,
		Method:                solver.Method(p.Method),
		DistanceFromReference: p.DistanceFromReference,
		AnchorID:              p.AnchorID,
		Converged:             p.Converged,
		Anchors:               append([]string(nil), p.Anchors...),
		Timestamp:             ts.UTC(),
	}
	if p.X != nil && p.Y != nil {
		est.Point = &solver.Point{X: *p.X, Y: *p.Y}
	}
	if p.Residual != nil {
		est.Residual = *p.Residual
	}
	return est, nil
}
