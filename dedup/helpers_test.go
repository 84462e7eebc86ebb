package dedup

import (
	"testing"

	"github.com/paulmach/orb"
)

// ---------------------------------------------------------------------------
// fixtures shared by the package tests
// ---------------------------------------------------------------------------

var testFields = []string{"code", "label"}

// square returns an axis-aligned square polygon with its lower-left corner at (x, y)
func square(x, y, size float64) orb.Polygon {
	return orb.Polygon{orb.Ring{
		{x, y}, {x + size, y}, {x + size, y + size}, {x, y + size}, {x, y},
	}}
}

func attrs(fields []string, values ...any) []Attribute {
	out := make([]Attribute, len(fields))
	for i, name := range fields {
		out[i] = Attribute{Name: name, Value: values[i]}
	}
	return out
}

func feature(id FeatureID, geom orb.Geometry, values ...any) *Feature {
	return &Feature{ID: id, Geometry: geom, Attributes: attrs(testFields, values...)}
}

func newTestLayer(t *testing.T, features ...*Feature) *Layer {
	t.Helper()
	layer := NewLayer(testFields)
	for _, f := range features {
		if err := layer.Add(f); err != nil {
			t.Fatalf("Add(%d): %v", f.ID, err)
		}
	}
	return layer
}

// fixedFinder returns a predetermined neighbor list per feature
type fixedFinder map[FeatureID][]FeatureID

func (f fixedFinder) Neighbors(id FeatureID) ([]FeatureID, error) {
	return f[id], nil
}

// recorder collects every event it observes
type recorder struct {
	events []Event
}

func (r *recorder) Observe(e Event) {
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []EventKind {
	out := make([]EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}
