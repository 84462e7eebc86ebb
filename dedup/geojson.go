package dedup

import (
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/paulmach/orb/geojson"
)

// Annotation property names written by WriteAnnotatedGeoJSON
const (
	RoleProperty   = "dedup_role"
	ParentProperty = "dedup_parent"
)

// LoadGeoJSON reads a GeoJSON FeatureCollection file into a Layer
func LoadGeoJSON(path string, fields []string) (*Layer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("dataset not found: %s", path)
		}
		return nil, fmt.Errorf("reading dataset: %w", err)
	}
	return ParseGeoJSON(data, fields)
}

// ParseGeoJSON builds a Layer from GeoJSON FeatureCollection bytes.
//
// The schema is fields when given, otherwise the sorted union of property
// keys across all features. Feature ids are the GeoJSON ids when every
// feature carries a unique non-negative integer id, otherwise the feature's
// position in the collection.
func ParseGeoJSON(data []byte, fields []string) (*Layer, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parsing GeoJSON: %w", err)
	}

	if len(fields) == 0 {
		fields = propertyKeys(fc)
	}
	ids := featureIDs(fc)

	layer := NewLayer(fields)
	for i, gf := range fc.Features {
		attrs := make([]Attribute, len(fields))
		for j, name := range fields {
			attrs[j] = Attribute{Name: name, Value: gf.Properties[name]}
		}
		f := &Feature{
			ID:         ids[i],
			Geometry:   gf.Geometry,
			Attributes: attrs,
		}
		if err := layer.Add(f); err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
	}
	return layer, nil
}

func propertyKeys(fc *geojson.FeatureCollection) []string {
	seen := make(map[string]struct{})
	for _, f := range fc.Features {
		for k := range f.Properties {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// featureIDs returns the collection's own ids when all of them are usable,
// falling back to positions otherwise
func featureIDs(fc *geojson.FeatureCollection) []FeatureID {
	ids := make([]FeatureID, len(fc.Features))
	seen := make(map[FeatureID]bool, len(fc.Features))
	usable := true
	for i, f := range fc.Features {
		id, ok := numericID(f.ID)
		if !ok || seen[id] {
			usable = false
			break
		}
		seen[id] = true
		ids[i] = id
	}
	if !usable {
		for i := range ids {
			ids[i] = FeatureID(i)
		}
	}
	return ids
}

func numericID(v interface{}) (FeatureID, bool) {
	switch id := v.(type) {
	case float64:
		if id < 0 || id != math.Trunc(id) || id > math.MaxInt64 {
			return 0, false
		}
		return FeatureID(id), true
	case int:
		if id < 0 {
			return 0, false
		}
		return FeatureID(id), true
	case int64:
		if id < 0 {
			return 0, false
		}
		return FeatureID(id), true
	case uint64:
		return FeatureID(id), true
	}
	return 0, false
}

// WriteAnnotatedGeoJSON writes every feature of the store as a GeoJSON
// FeatureCollection, tagging clustered features with their role and parent.
// The store must not carry an active spatial filter.
func WriteAnnotatedGeoJSON(w io.Writer, s Store, res *Result) error {
	fc := geojson.NewFeatureCollection()

	err := ForEachFeature(s, func(f *Feature) error {
		gf := geojson.NewFeature(f.Geometry)
		gf.ID = uint64(f.ID)
		for _, attr := range f.Attributes {
			if attr.Err != nil {
				gf.Properties[attr.Name] = nil
				continue
			}
			gf.Properties[attr.Name] = attr.Value
		}

		if res != nil {
			if parent, ok := res.Children[f.ID]; ok {
				gf.Properties[RoleProperty] = "child"
				gf.Properties[ParentProperty] = uint64(parent)
			} else if _, ok := res.Clusters[f.ID]; ok {
				gf.Properties[RoleProperty] = "parent"
				gf.Properties[ParentProperty] = uint64(f.ID)
			}
		}

		fc.Append(gf)
		return nil
	})
	if err != nil {
		return fmt.Errorf("reading features: %w", err)
	}

	data, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling GeoJSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing GeoJSON: %w", err)
	}
	return nil
}
