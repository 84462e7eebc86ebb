package dedup

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
)

func TestIntersects(t *testing.T) {
	withHole := orb.Polygon{
		orb.Ring{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}},
		orb.Ring{{3, 3}, {7, 3}, {7, 7}, {3, 7}, {3, 3}},
	}

	tests := []struct {
		name string
		a, b orb.Geometry
		want bool
	}{
		{"overlapping squares", square(0, 0, 2), square(1, 1, 2), true},
		{"shared edge", square(0, 0, 1), square(1, 0, 1), true},
		{"shared corner", square(0, 0, 1), square(1, 1, 1), true},
		{"disjoint squares", square(0, 0, 1), square(2, 2, 1), false},
		{"gap smaller than bound", square(0, 0, 1), square(1.0001, 0, 1), false},
		{"contained square", square(0, 0, 10), square(4, 4, 1), true},
		{"container second", square(4, 4, 1), square(0, 0, 10), true},
		{"inside a hole", withHole, square(4, 4, 1), false},
		{"crossing the hole edge", withHole, square(6, 6, 2), true},
		{"point on edge", square(0, 0, 1), orb.Point{1, 0.5}, true},
		{"point inside", square(0, 0, 1), orb.Point{0.5, 0.5}, true},
		{"point outside", square(0, 0, 1), orb.Point{1.5, 0.5}, false},
		{"equal points", orb.Point{1, 1}, orb.Point{1, 1}, true},
		{"crossing lines", orb.LineString{{0, 0}, {2, 2}}, orb.LineString{{0, 2}, {2, 0}}, true},
		{"parallel lines", orb.LineString{{0, 0}, {2, 0}}, orb.LineString{{0, 1}, {2, 1}}, false},
		{"collinear overlap", orb.LineString{{0, 0}, {2, 0}}, orb.LineString{{1, 0}, {3, 0}}, true},
		{"line through polygon", orb.LineString{{-1, 0.5}, {2, 0.5}}, square(0, 0, 1), true},
		{"multipolygon member", orb.MultiPolygon{square(5, 5, 1), square(0, 0, 1)}, square(0.5, 0.5, 1), true},
		{"nil geometry", nil, square(0, 0, 1), false},
		{"both nil", nil, nil, false},
		{"empty polygon", orb.Polygon{}, square(0, 0, 1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Intersects(tt.a, tt.b); got != tt.want {
				t.Errorf("Intersects() = %v, want %v", got, tt.want)
			}
			if got := Intersects(tt.b, tt.a); got != tt.want {
				t.Errorf("Intersects() reversed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOrbOracle_Envelope(t *testing.T) {
	oracle := OrbOracle{}

	env, ok := oracle.Envelope(feature(1, orb.LineString{{1, 2}, {4, 6}}, "a", "b"))
	if !ok {
		t.Fatal("Envelope() ok = false for a line")
	}
	bound := env.Bound()
	if bound.Min != (orb.Point{1, 2}) || bound.Max != (orb.Point{4, 6}) {
		t.Errorf("Envelope bound = %v, want [1 2]-[4 6]", bound)
	}

	if _, ok := oracle.Envelope(feature(2, nil, "a", "b")); ok {
		t.Error("Envelope() ok = true for a null geometry")
	}
	if _, ok := oracle.Envelope(feature(3, orb.Point{math.NaN(), 0}, "a", "b")); ok {
		t.Error("Envelope() ok = true for a NaN coordinate")
	}
	if _, ok := oracle.Envelope(nil); ok {
		t.Error("Envelope(nil) ok = true")
	}
}
