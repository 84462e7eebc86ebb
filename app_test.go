package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kwv/geodedup/dedup"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// parcelsGeoJSON holds two touching duplicates (1, 2), a lone parcel (3)
// and a parcel with different attributes that touches 2 (4)
const parcelsGeoJSON = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "id": 1, "properties": {"code": "A1", "owner": "city", "notes": "x"},
     "geometry": {"type": "Polygon", "coordinates": [[[0,0],[1,0],[1,1],[0,1],[0,0]]]}},
    {"type": "Feature", "id": 2, "properties": {"code": "A1", "owner": "city", "notes": "y"},
     "geometry": {"type": "Polygon", "coordinates": [[[1,0],[2,0],[2,1],[1,1],[1,0]]]}},
    {"type": "Feature", "id": 3, "properties": {"code": "A1", "owner": "city", "notes": "x"},
     "geometry": {"type": "Polygon", "coordinates": [[[8,8],[9,8],[9,9],[8,9],[8,8]]]}},
    {"type": "Feature", "id": 4, "properties": {"code": "B7", "owner": "city", "notes": "y"},
     "geometry": {"type": "Polygon", "coordinates": [[[2,0],[3,0],[3,1],[2,1],[2,0]]]}}
  ]
}`

func writeDataset(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parcels.geojson")
	if err := os.WriteFile(path, []byte(parcelsGeoJSON), 0644); err != nil {
		t.Fatalf("write dataset fixture: %v", err)
	}
	return path
}

// writeParcelsGeoPackage stores the parcels fixture in a "parcels" table
func writeParcelsGeoPackage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parcels.gpkg")

	db, err := sql.Open("sqlite3", "file:"+path)
	require.NoError(t, err)
	defer db.Close()

	for _, stmt := range []string{
		`CREATE TABLE gpkg_contents (table_name TEXT PRIMARY KEY, data_type TEXT NOT NULL, identifier TEXT)`,
		`CREATE TABLE gpkg_geometry_columns (table_name TEXT NOT NULL, column_name TEXT NOT NULL,
			geometry_type_name TEXT NOT NULL, srs_id INTEGER NOT NULL, z TINYINT NOT NULL, m TINYINT NOT NULL)`,
		`CREATE TABLE parcels (fid INTEGER PRIMARY KEY, geom BLOB, code TEXT, owner TEXT, notes TEXT)`,
		`INSERT INTO gpkg_contents VALUES ('parcels', 'features', 'parcels')`,
		`INSERT INTO gpkg_geometry_columns VALUES ('parcels', 'geom', 'POLYGON', 4326, 0, 0)`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}

	square := func(x float64) orb.Polygon {
		return orb.Polygon{{{x, 0}, {x + 1, 0}, {x + 1, 1}, {x, 1}, {x, 0}}}
	}
	rows := []struct {
		geom  orb.Polygon
		code  string
		notes string
	}{
		{square(0), "A1", "x"},
		{square(1), "A1", "y"},
		{square(8), "A1", "x"},
		{square(2), "B7", "y"},
	}
	for i, row := range rows {
		blob, err := dedup.EncodeGeometryBlob(row.geom, 4326)
		require.NoError(t, err)
		_, err = db.Exec(`INSERT INTO parcels VALUES (?, ?, ?, 'city', ?)`, i+1, blob, row.code, row.notes)
		require.NoError(t, err)
	}
	return path
}

func testConfig(t *testing.T) *dedup.Config {
	t.Helper()
	cfg := dedup.DefaultConfig()
	cfg.Input.Path = writeDataset(t)
	return cfg
}

// openTestApp returns an opened App over the parcels fixture
func openTestApp(t *testing.T, cfg *dedup.Config) *App {
	t.Helper()
	app, err := NewApp(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, app.Open())
	t.Cleanup(func() { _ = app.Close() })
	return app
}

// ---------------------------------------------------------------------------
// RunPass
// ---------------------------------------------------------------------------

func TestApp_RunPass(t *testing.T) {
	app := openTestApp(t, testConfig(t))
	assert.Nil(t, app.Result())

	// notes differ between 1 and 2, so nothing clusters until it is dropped
	res, err := app.RunPass()
	require.NoError(t, err)
	assert.Empty(t, res.Clusters)

	require.NoError(t, app.HideFields([]string{"notes"}))
	res, err = app.RunPass()
	require.NoError(t, err)

	assert.Equal(t, dedup.ClusterMap{1: {2}}, res.Clusters)
	assert.NotEmpty(t, res.RunID)
	assert.Same(t, res, app.Result())
	assert.Equal(t, 1.0, gaugeValue(t, app, "geodedup_clusters"))
}

func gaugeValue(t *testing.T, app *App, name string) float64 {
	t.Helper()
	families, err := app.Registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func TestApp_RunPassNotOpen(t *testing.T) {
	app, err := NewApp(testConfig(t), nil)
	require.NoError(t, err)

	_, err = app.RunPass()
	assert.Error(t, err)
	assert.Error(t, app.HideFields([]string{"notes"}))
	assert.Error(t, app.DropFields([]string{"notes"}))
}

func TestApp_ConnectMQTTWithoutBroker(t *testing.T) {
	app := openTestApp(t, testConfig(t))
	app.ConnectMQTT()
	assert.Nil(t, app.MQTT)
}

func TestApp_RunPassPublishes(t *testing.T) {
	cfg := testConfig(t)
	cfg.DropFields = []string{"notes"}
	cfg.MQTT.PublishPrefix = "parcels"
	app := openTestApp(t, cfg)

	client := dedup.NewMockClient()
	client.SetConnected(true)
	app.MQTT = client

	require.NoError(t, app.HideFields(cfg.DropFields))
	_, err := app.RunPass()
	require.NoError(t, err)

	assert.Len(t, client.PublishedTo("parcels/status"), 2)
	assert.Len(t, client.PublishedTo("parcels/clusters"), 1)
}

func TestApp_RunPassPublishErrorIsWarned(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cfg := testConfig(t)
	app, err := NewApp(cfg, zap.New(core))
	require.NoError(t, err)
	require.NoError(t, app.Open())
	t.Cleanup(func() { _ = app.Close() })

	client := dedup.NewMockClient()
	client.SetConnected(true)
	client.SetPublishError(errors.New("broker full"))
	app.MQTT = client

	_, err = app.RunPass()
	require.NoError(t, err, "mqtt failures do not fail the pass")
	assert.Equal(t, 1, logs.FilterMessage("pass finished with mqtt errors").Len())
}

func TestApp_RunPassUsesConfiguredQoS(t *testing.T) {
	cfg := testConfig(t)
	cfg.MQTT.QoS = 2
	app := openTestApp(t, cfg)

	client := dedup.NewMockClient()
	client.SetConnected(true)
	app.MQTT = client

	_, err := app.RunPass()
	require.NoError(t, err)

	msgs := client.PublishedTo(dedup.DefaultPublishPrefix + "/clusters")
	require.Len(t, msgs, 1)
	assert.Equal(t, byte(2), msgs[0].QoS)
}

// ---------------------------------------------------------------------------
// GeoPackage input
// ---------------------------------------------------------------------------

func TestApp_OpenLogsGeoPackageTable(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cfg := dedup.DefaultConfig()
	cfg.Input.Path = writeParcelsGeoPackage(t)
	app, err := NewApp(cfg, zap.New(core))
	require.NoError(t, err)
	require.NoError(t, app.Open())
	t.Cleanup(func() { _ = app.Close() })

	opened := logs.FilterMessage("opened dataset").All()
	require.Len(t, opened, 1)
	assert.Equal(t, "parcels", opened[0].ContextMap()["table"])
}

func TestApp_HideFieldsKeepsGeoPackageColumns(t *testing.T) {
	path := writeParcelsGeoPackage(t)
	cfg := dedup.DefaultConfig()
	cfg.Input.Path = path
	cfg.DropFields = []string{"notes"}
	app := openTestApp(t, cfg)

	res, err := pass(app)
	require.NoError(t, err)
	assert.Equal(t, dedup.ClusterMap{1: {2}}, res.Clusters)
	require.NoError(t, app.Close())

	g, err := dedup.OpenGeoPackage(path, "")
	require.NoError(t, err)
	defer g.Close()
	assert.Equal(t, []string{"code", "owner", "notes"}, g.Fields(), "input columns survive the pass")
}

func TestApp_WriteOutputs(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Output = dedup.OutputConfig{
		Path:      filepath.Join(dir, "clusters.json.zst"),
		Annotated: filepath.Join(dir, "annotated.geojson"),
		Render:    filepath.Join(dir, "clusters.png"),
	}
	app := openTestApp(t, cfg)
	require.NoError(t, app.DropFields([]string{"notes"}))

	res, err := app.RunPass()
	require.NoError(t, err)
	require.NoError(t, app.WriteOutputs(res))

	back, err := dedup.ReadResultFile(cfg.Output.Path)
	require.NoError(t, err)
	assert.Equal(t, res.Clusters, back.Clusters)

	annotated, err := dedup.LoadGeoJSON(cfg.Output.Annotated, nil)
	require.NoError(t, err)
	assert.Contains(t, annotated.Fields(), dedup.RoleProperty)

	info, err := os.Stat(cfg.Output.Render)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

// ---------------------------------------------------------------------------
// Serve
// ---------------------------------------------------------------------------

func TestApp_ServeStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Port = 0
	app := openTestApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
