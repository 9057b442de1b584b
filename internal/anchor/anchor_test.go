// v0
// internal/anchor/anchor_test.go
package anchor

import (
	"errors"
	"testing"
)

func TestNewTable(t *testing.T) {
	table, err := NewTable([]Anchor{
		{ID: "rpi4_zone_c", X: 10, Y: 15},
		{ID: "rpi4_zone_a", Name: "Zone A", X: 0, Y: 0},
		{ID: "rpi4_zone_b", X: 20, Y: 0},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	all := table.All()
	if len(all) != 3 || all[0].ID != "rpi4_zone_a" || all[2].ID != "rpi4_zone_c" {
		t.Fatalf("unexpected ordering: %+v", all)
	}
	if c := table.Centroid(); c.X != 10 || c.Y != 5 {
		t.Fatalf("unexpected centroid: %+v", c)
	}
	b, ok := table.Lookup("rpi4_zone_b")
	if !ok || b.Name != "rpi4_zone_b" {
		t.Fatalf("name should default to id, got %+v", b)
	}
}

func TestNewTableRejectsInvalid(t *testing.T) {
	if _, err := NewTable(nil); !errors.Is(err, ErrEmptyTable) {
		t.Fatalf("expected ErrEmptyTable, got %v", err)
	}
	if _, err := NewTable([]Anchor{{ID: "a"}, {ID: "a", X: 1}}); err == nil {
		t.Fatalf("expected duplicate id error")
	}
	if _, err := NewTable([]Anchor{{ID: " "}}); err == nil {
		t.Fatalf("expected empty id error")
	}
}
