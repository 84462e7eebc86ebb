package dedup

import (
	"errors"
	"io"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, s Store) []FeatureID {
	t.Helper()
	var ids []FeatureID
	require.NoError(t, ForEachFeature(s, func(f *Feature) error {
		ids = append(ids, f.ID)
		return nil
	}))
	return ids
}

func TestLayer_AddValidatesSchema(t *testing.T) {
	layer := NewLayer(testFields)

	require.NoError(t, layer.Add(feature(1, nil, "a", "b")))
	assert.Error(t, layer.Add(feature(1, nil, "a", "b")), "duplicate id")
	assert.Error(t, layer.Add(&Feature{ID: 2, Attributes: []Attribute{{Name: "code"}}}), "short attributes")
	assert.Error(t, layer.Add(&Feature{ID: 3, Attributes: []Attribute{{Name: "label"}, {Name: "code"}}}), "wrong order")
	assert.Error(t, layer.Add(nil))
	assert.Equal(t, []FeatureID{1}, readAll(t, layer))
}

func TestLayer_FeatureIsACopy(t *testing.T) {
	layer := newTestLayer(t, feature(1, nil, "a", "b"))

	f, err := layer.Feature(1)
	require.NoError(t, err)
	f.Attributes[0].Value = "changed"

	again, err := layer.Feature(1)
	require.NoError(t, err)
	assert.Equal(t, "a", again.Attributes[0].Value)

	_, err = layer.Feature(42)
	assert.True(t, errors.Is(err, ErrFeatureNotFound))
}

func TestLayer_ReadsInAscendingOrder(t *testing.T) {
	layer := newTestLayer(t,
		feature(3, square(0, 0, 1), "a", "b"),
		feature(1, square(0, 0, 1), "a", "b"),
		feature(2, square(0, 0, 1), "a", "b"),
	)
	assert.Equal(t, []FeatureID{1, 2, 3}, readAll(t, layer))
}

func TestLayer_SpatialFilter(t *testing.T) {
	layer := newTestLayer(t,
		feature(1, square(0, 0, 1), "a", "b"),
		feature(2, square(1, 0, 1), "a", "b"), // touches 1 on an edge
		feature(3, square(5, 5, 1), "a", "b"),
		feature(4, nil, "a", "b"),
		feature(5, square(-10, -10, 20), "a", "b"), // large, covers everything
	)

	require.NoError(t, layer.SetSpatialFilter(square(0, 0, 1)))
	ids, err := layer.FeatureIDs()
	require.NoError(t, err)
	assert.Equal(t, []FeatureID{1, 2, 5}, ids)
	assert.Equal(t, []FeatureID{1, 2, 5}, readAll(t, layer))

	// Feature(id) ignores the filter
	f, err := layer.Feature(3)
	require.NoError(t, err)
	assert.Equal(t, FeatureID(3), f.ID)

	layer.ClearSpatialFilter()
	assert.Equal(t, []FeatureID{1, 2, 3, 4, 5}, readAll(t, layer))

	assert.Error(t, layer.SetSpatialFilter(nil))
}

func TestLayer_ResetReading(t *testing.T) {
	layer := newTestLayer(t,
		feature(1, square(0, 0, 1), "a", "b"),
		feature(2, square(0, 0, 1), "a", "b"),
	)

	f, err := layer.NextFeature()
	require.NoError(t, err)
	assert.Equal(t, FeatureID(1), f.ID)
	_, err = layer.NextFeature()
	require.NoError(t, err)
	_, err = layer.NextFeature()
	assert.Equal(t, io.EOF, err)

	layer.ResetReading()
	f, err = layer.NextFeature()
	require.NoError(t, err)
	assert.Equal(t, FeatureID(1), f.ID)
}

func TestLayer_DeleteFields(t *testing.T) {
	fields := []string{"a", "x", "b", "y"}
	layer := NewLayer(fields)
	require.NoError(t, layer.Add(&Feature{ID: 1, Attributes: attrs(fields, 1, 2, 3, 4)}))

	require.NoError(t, layer.DeleteFields([]string{"a", "missing", "b"}))
	assert.Equal(t, []string{"x", "y"}, layer.Fields())

	f, err := layer.Feature(1)
	require.NoError(t, err)
	require.Len(t, f.Attributes, 2)
	assert.Equal(t, Attribute{Name: "x", Value: 2}, f.Attributes[0])
	assert.Equal(t, Attribute{Name: "y", Value: 4}, f.Attributes[1])
}

func TestLayer_DeleteFieldsUnknownOnly(t *testing.T) {
	layer := newTestLayer(t, feature(1, nil, "a", "b"))
	require.NoError(t, layer.DeleteFields([]string{"missing"}))
	assert.Equal(t, testFields, layer.Fields())
}

func TestLayer_HideFields(t *testing.T) {
	var hider FieldHider = newTestLayer(t, feature(1, nil, "a", "b"))
	require.NoError(t, hider.HideFields([]string{"label"}))

	layer := hider.(*Layer)
	assert.Equal(t, []string{"code"}, layer.Fields())
	f, err := layer.Feature(1)
	require.NoError(t, err)
	assert.Len(t, f.Attributes, 1)
}

func TestFieldIndexes(t *testing.T) {
	schema := []string{"a", "b", "c", "d"}
	assert.Equal(t, []int{3, 1, 0}, fieldIndexes(schema, []string{"a", "d", "missing", "b", "a"}))
	assert.Empty(t, fieldIndexes(schema, []string{"missing"}))
}

func TestWithSpatialFilter_ClearsOnError(t *testing.T) {
	layer := newTestLayer(t,
		feature(1, square(0, 0, 1), "a", "b"),
		feature(2, square(5, 5, 1), "a", "b"),
	)

	boom := errors.New("boom")
	err := WithSpatialFilter(layer, square(0, 0, 1), func() error {
		ids, err := layer.FeatureIDs()
		require.NoError(t, err)
		assert.Equal(t, []FeatureID{1}, ids)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	ids, err := layer.FeatureIDs()
	require.NoError(t, err)
	assert.Equal(t, []FeatureID{1, 2}, ids, "filter must be cleared after the guarded call")

	err = WithSpatialFilter(layer, orb.Polygon{}, func() error { return nil })
	assert.Error(t, err)
	ids, _ = layer.FeatureIDs()
	assert.Len(t, ids, 2)
}
