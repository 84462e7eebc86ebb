package dedup

import (
	"fmt"
	"io"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/quadtree"
)

// Layer is an in-memory Store. Spatial filtering goes through a quadtree of
// feature bound centers; a filtered read returns ids in ascending order.
type Layer struct {
	fields   []string
	features map[FeatureID]*Feature
	ids      []FeatureID

	index      *quadtree.Quadtree
	indexDirty bool
	halfWidth  float64
	halfHeight float64

	filter *orb.Bound
	cursor []FeatureID
	pos    int
}

// indexEntry is a quadtree item keyed on the center of a feature's bound
type indexEntry struct {
	id    FeatureID
	bound orb.Bound
}

func (e *indexEntry) Point() orb.Point {
	return e.bound.Center()
}

// NewLayer creates an empty layer with the given attribute schema
func NewLayer(fields []string) *Layer {
	f := make([]string, len(fields))
	copy(f, fields)
	return &Layer{
		fields:   f,
		features: make(map[FeatureID]*Feature),
	}
}

// Add stores a feature. Its attributes must follow the layer schema.
func (l *Layer) Add(f *Feature) error {
	if f == nil {
		return fmt.Errorf("nil feature")
	}
	if _, exists := l.features[f.ID]; exists {
		return fmt.Errorf("duplicate feature id %d", f.ID)
	}
	if len(f.Attributes) != len(l.fields) {
		return fmt.Errorf("feature %d has %d attributes, schema has %d", f.ID, len(f.Attributes), len(l.fields))
	}
	for i, attr := range f.Attributes {
		if attr.Name != l.fields[i] {
			return fmt.Errorf("feature %d attribute %d is %q, schema expects %q", f.ID, i, attr.Name, l.fields[i])
		}
	}

	l.features[f.ID] = f.Clone()
	i := sort.Search(len(l.ids), func(i int) bool { return l.ids[i] >= f.ID })
	l.ids = append(l.ids, 0)
	copy(l.ids[i+1:], l.ids[i:])
	l.ids[i] = f.ID

	l.indexDirty = true
	l.cursor = nil
	return nil
}

// Fields returns a copy of the schema
func (l *Layer) Fields() []string {
	out := make([]string, len(l.fields))
	copy(out, l.fields)
	return out
}

// Feature returns a copy of the stored feature
func (l *Layer) Feature(id FeatureID) (*Feature, error) {
	f, ok := l.features[id]
	if !ok {
		return nil, fmt.Errorf("feature %d: %w", id, ErrFeatureNotFound)
	}
	return f.Clone(), nil
}

// FeatureIDs returns the ids visible under the active filter
func (l *Layer) FeatureIDs() ([]FeatureID, error) {
	if l.filter == nil {
		out := make([]FeatureID, len(l.ids))
		copy(out, l.ids)
		return out, nil
	}
	return l.query(*l.filter), nil
}

// SetSpatialFilter restricts reads to features intersecting filter's bound
func (l *Layer) SetSpatialFilter(filter orb.Geometry) error {
	bound, ok := geometryBound(filter)
	if !ok {
		return fmt.Errorf("spatial filter has no usable bound")
	}
	l.filter = &bound
	l.cursor = nil
	return nil
}

// ClearSpatialFilter removes the active filter
func (l *Layer) ClearSpatialFilter() {
	l.filter = nil
	l.cursor = nil
}

// ResetReading rewinds the cursor
func (l *Layer) ResetReading() {
	l.cursor = nil
	l.pos = 0
}

// NextFeature advances the cursor
func (l *Layer) NextFeature() (*Feature, error) {
	if l.cursor == nil {
		ids, err := l.FeatureIDs()
		if err != nil {
			return nil, err
		}
		l.cursor = ids
		l.pos = 0
	}
	if l.pos >= len(l.cursor) {
		return nil, io.EOF
	}
	id := l.cursor[l.pos]
	l.pos++
	return l.Feature(id)
}

// DeleteFields removes the named fields from the schema and every feature
func (l *Layer) DeleteFields(names []string) error {
	for _, idx := range fieldIndexes(l.fields, names) {
		l.fields = append(l.fields[:idx], l.fields[idx+1:]...)
		for _, f := range l.features {
			f.Attributes = append(f.Attributes[:idx], f.Attributes[idx+1:]...)
		}
	}
	return nil
}

// HideFields is DeleteFields: nothing a layer holds is written back
func (l *Layer) HideFields(names []string) error {
	return l.DeleteFields(names)
}

// Close releases nothing; the layer lives in memory
func (l *Layer) Close() error {
	return nil
}

// query returns ids of features whose bound intersects filter, ascending.
// Features without a usable bound never match a filter.
func (l *Layer) query(filter orb.Bound) []FeatureID {
	l.buildIndex()
	if l.index == nil {
		return nil
	}

	// A bound intersecting the filter has its center within half its
	// extent of the filter, so pad by the largest half extents plus a
	// rounding margin for the center computation
	padX := l.halfWidth*(1+1e-9) + 1e-9
	padY := l.halfHeight*(1+1e-9) + 1e-9
	search := orb.Bound{
		Min: orb.Point{filter.Min[0] - padX, filter.Min[1] - padY},
		Max: orb.Point{filter.Max[0] + padX, filter.Max[1] + padY},
	}

	var ids []FeatureID
	for _, p := range l.index.InBound(nil, search) {
		entry := p.(*indexEntry)
		if entry.bound.Intersects(filter) {
			ids = append(ids, entry.id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (l *Layer) buildIndex() {
	if !l.indexDirty && l.index != nil {
		return
	}
	l.indexDirty = false
	l.index = nil
	l.halfWidth, l.halfHeight = 0, 0

	var entries []*indexEntry
	var total orb.Bound
	for _, id := range l.ids {
		b, ok := geometryBound(l.features[id].Geometry)
		if !ok {
			continue
		}
		if len(entries) == 0 {
			total = b
		} else {
			total = total.Union(b)
		}
		entries = append(entries, &indexEntry{id: id, bound: b})
		if w := (b.Max[0] - b.Min[0]) / 2; w > l.halfWidth {
			l.halfWidth = w
		}
		if h := (b.Max[1] - b.Min[1]) / 2; h > l.halfHeight {
			l.halfHeight = h
		}
	}
	if len(entries) == 0 {
		return
	}

	l.index = quadtree.New(total.Pad(1))
	for _, e := range entries {
		// Centers always fall inside the padded total bound
		_ = l.index.Add(e)
	}
}
