package dedup

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/paulmach/orb"
)

// Store is the backing feature collection. The spatial filter and the read
// cursor are shared mutable state: FeatureIDs and NextFeature only see
// features whose bound intersects the active filter, so callers that set a
// filter must clear it again (see WithSpatialFilter).
type Store interface {
	// Fields returns the attribute names in schema order
	Fields() []string

	// Feature returns the feature with the given id regardless of the
	// active filter. Unknown ids return ErrFeatureNotFound.
	Feature(id FeatureID) (*Feature, error)

	// FeatureIDs returns the ids visible under the active filter, ascending
	FeatureIDs() ([]FeatureID, error)

	// SetSpatialFilter restricts reads to features whose bound intersects
	// the filter geometry's bound
	SetSpatialFilter(filter orb.Geometry) error

	// ClearSpatialFilter removes any active filter
	ClearSpatialFilter()

	// ResetReading rewinds the read cursor
	ResetReading()

	// NextFeature returns the next feature under the active filter, or
	// io.EOF once the cursor is exhausted
	NextFeature() (*Feature, error)

	Close() error
}

// FieldDeleter removes attribute columns from a store's schema
type FieldDeleter interface {
	// DeleteFields removes the named fields. Names that do not resolve to
	// an existing field are ignored.
	DeleteFields(names []string) error
}

// FieldHider removes attribute columns from a store's schema for the
// lifetime of the store, leaving the underlying dataset untouched
type FieldHider interface {
	// HideFields stops reading the named fields. Names that do not resolve
	// to an existing field are ignored.
	HideFields(names []string) error
}

// WithSpatialFilter applies filter to the store, rewinds it, runs fn and
// then clears the filter and rewinds again on every exit path.
func WithSpatialFilter(s Store, filter orb.Geometry, fn func() error) error {
	if err := s.SetSpatialFilter(filter); err != nil {
		s.ClearSpatialFilter()
		s.ResetReading()
		return fmt.Errorf("setting spatial filter: %w", err)
	}
	defer func() {
		s.ClearSpatialFilter()
		s.ResetReading()
	}()

	s.ResetReading()
	return fn()
}

// ForEachFeature reads every feature visible through the cursor, starting
// from a rewound position
func ForEachFeature(s Store, fn func(*Feature) error) error {
	s.ResetReading()
	for {
		f, err := s.NextFeature()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
	}
}

// fieldIndexes resolves names against the schema and returns the matching
// positions in descending order, so deleting them one at a time never
// shifts an index that is still pending. Unknown names are dropped.
func fieldIndexes(schema []string, names []string) []int {
	seen := make(map[int]bool)
	var indexes []int
	for _, name := range names {
		for i, field := range schema {
			if field == name && !seen[i] {
				seen[i] = true
				indexes = append(indexes, i)
				break
			}
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(indexes)))
	return indexes
}

// OpenStore opens the dataset described by cfg, choosing the store by file
// extension
func OpenStore(cfg InputConfig) (Store, error) {
	switch strings.ToLower(filepath.Ext(cfg.Path)) {
	case ".gpkg":
		return OpenGeoPackage(cfg.Path, cfg.Layer)
	case ".geojson", ".json":
		return LoadGeoJSON(cfg.Path, cfg.Fields)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, cfg.Path)
}
