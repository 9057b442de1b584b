// v0
// internal/anchor/anchor.go
package anchor

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"nrgchamp/tagfusion/internal/solver"
)

// ErrEmptyTable is returned when no anchors are configured. The service
// cannot locate anything without them and refuses to start.
var ErrEmptyTable = errors.New("anchor table is empty")

// Anchor is a fixed receiver with a known floor-plan position.
type Anchor struct {
	ID   string  `json:"id" yaml:"id"`
	Name string  `json:"name" yaml:"name"`
	X    float64 `json:"x" yaml:"x"`
	Y    float64 `json:"y" yaml:"y"`
}

// Position returns the anchor coordinates as a solver point.
func (a Anchor) Position() solver.Point {
	return solver.Point{X: a.X, Y: a.Y}
}

// Table is an immutable, id-indexed set of anchors.
type Table struct {
	byID     map[string]Anchor
	ordered  []Anchor
	centroid solver.Point
}

// NewTable validates anchors and builds a Table sorted by id. Duplicate
// ids and non-finite coordinates are rejected.
func NewTable(anchors []Anchor) (*Table, error) {
	if len(anchors) == 0 {
		return nil, ErrEmptyTable
	}
	t := &Table{byID: make(map[string]Anchor, len(anchors))}
	pts := make([]solver.Point, 0, len(anchors))
	for _, a := range anchors {
		a.ID = strings.TrimSpace(a.ID)
		if a.ID == "" {
			return nil, errors.New("anchor id cannot be empty")
		}
		if _, dup := t.byID[a.ID]; dup {
			return nil, fmt.Errorf("duplicate anchor %q", a.ID)
		}
		if !finite(a.X) || !finite(a.Y) {
			return nil, fmt.Errorf("anchor %q has non-finite coordinates", a.ID)
		}
		if strings.TrimSpace(a.Name) == "" {
			a.Name = a.ID
		}
		t.byID[a.ID] = a
		t.ordered = append(t.ordered, a)
		pts = append(pts, a.Position())
	}
	sort.Slice(t.ordered, func(i, j int) bool { return t.ordered[i].ID < t.ordered[j].ID })
	t.centroid = solver.Centroid(pts)
	return t, nil
}

// Lookup returns the anchor registered under id.
func (t *Table) Lookup(id string) (Anchor, bool) {
	a, ok := t.byID[id]
	return a, ok
}

// All returns a copy of the anchors sorted by id.
func (t *Table) All() []Anchor {
	return append([]Anchor(nil), t.ordered...)
}

// Len reports the number of anchors.
func (t *Table) Len() int { return len(t.ordered) }

// Centroid is the mean position of every configured anchor.
func (t *Table) Centroid() solver.Point { return t.centroid }

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
