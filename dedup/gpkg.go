package dedup

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

// GeoPackage is a Store over one feature table of a GeoPackage file
type GeoPackage struct {
	db         *sql.DB
	table      string
	geomColumn string
	fidColumn  string
	fields     []string
	types      []string
	rtree      string

	filter *orb.Bound
	cursor []FeatureID
	loaded bool
	pos    int
}

// OpenGeoPackage opens table in the GeoPackage at path. An empty table
// selects the first feature table listed in gpkg_contents.
func OpenGeoPackage(path, table string) (*GeoPackage, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("dataset not found: %s", path)
		}
		return nil, fmt.Errorf("opening dataset: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geopackage: %w", err)
	}
	// The spatial filter and cursor live on this struct, one connection is enough
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping geopackage: %w", err)
	}

	g := &GeoPackage{db: db, table: table}
	if err := g.discover(); err != nil {
		db.Close()
		return nil, err
	}
	return g, nil
}

func (g *GeoPackage) discover() error {
	if g.table == "" {
		err := g.db.QueryRow(
			`SELECT table_name FROM gpkg_contents WHERE data_type = 'features' ORDER BY table_name LIMIT 1`,
		).Scan(&g.table)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("geopackage has no feature tables")
		}
		if err != nil {
			return fmt.Errorf("reading gpkg_contents: %w", err)
		}
	}

	err := g.db.QueryRow(
		`SELECT column_name FROM gpkg_geometry_columns WHERE table_name = ?`, g.table,
	).Scan(&g.geomColumn)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("table %q has no geometry column", g.table)
	}
	if err != nil {
		return fmt.Errorf("reading gpkg_geometry_columns: %w", err)
	}

	if err := g.readColumns(); err != nil {
		return err
	}
	if g.fidColumn == "" {
		return fmt.Errorf("table %q has no primary key", g.table)
	}

	rtree := "rtree_" + g.table + "_" + g.geomColumn
	var name string
	err = g.db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, rtree).Scan(&name)
	switch {
	case err == nil:
		g.rtree = rtree
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("looking up spatial index: %w", err)
	}
	return nil
}

// readColumns splits the table columns into primary key, geometry and
// attribute fields
func (g *GeoPackage) readColumns() error {
	rows, err := g.db.Query(`PRAGMA table_info(` + quoteIdent(g.table) + `)`)
	if err != nil {
		return fmt.Errorf("reading schema of %q: %w", g.table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("scanning schema of %q: %w", g.table, err)
		}
		switch {
		case pk > 0 && g.fidColumn == "":
			g.fidColumn = name
		case strings.EqualFold(name, g.geomColumn):
		default:
			g.fields = append(g.fields, name)
			g.types = append(g.types, strings.ToUpper(colType))
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reading schema of %q: %w", g.table, err)
	}
	return nil
}

// Table returns the feature table name
func (g *GeoPackage) Table() string {
	return g.table
}

// Fields returns the attribute columns in table order
func (g *GeoPackage) Fields() []string {
	out := make([]string, len(g.fields))
	copy(out, g.fields)
	return out
}

// Feature reads one row by primary key
func (g *GeoPackage) Feature(id FeatureID) (*Feature, error) {
	cols := make([]string, 0, len(g.fields)+1)
	cols = append(cols, quoteIdent(g.geomColumn))
	for _, f := range g.fields {
		cols = append(cols, quoteIdent(f))
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ?`,
		strings.Join(cols, ", "), quoteIdent(g.table), quoteIdent(g.fidColumn))

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	err := g.db.QueryRow(query, int64(id)).Scan(ptrs...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("feature %d: %w", id, ErrFeatureNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading feature %d: %w", id, err)
	}

	f := &Feature{ID: id, Attributes: make([]Attribute, len(g.fields))}
	if blob, ok := values[0].([]byte); ok {
		// Unreadable geometry is treated as missing
		if geom, err := DecodeGeometryBlob(blob); err == nil {
			f.Geometry = geom
		}
	}
	for i, name := range g.fields {
		value, err := columnValue(g.types[i], values[i+1])
		f.Attributes[i] = Attribute{Name: name, Value: value, Err: err}
	}
	return f, nil
}

// columnValue normalizes a scanned value, parsing date columns
func columnValue(colType string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if colType != "DATE" && colType != "DATETIME" {
		return v, nil
	}
	if t, ok := v.(time.Time); ok {
		return t, nil
	}
	var s string
	switch raw := v.(type) {
	case string:
		s = raw
	case []byte:
		s = string(raw)
	default:
		return nil, fmt.Errorf("unexpected %T in %s column", v, colType)
	}
	layouts := []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z", "2006-01-02 15:04:05"}
	if colType == "DATE" {
		layouts = []string{"2006-01-02"}
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return nil, fmt.Errorf("invalid %s value %q", strings.ToLower(colType), s)
}

// FeatureIDs returns the ids visible under the active filter, ascending
func (g *GeoPackage) FeatureIDs() ([]FeatureID, error) {
	switch {
	case g.filter == nil:
		return g.queryIDs(fmt.Sprintf(`SELECT %s FROM %s ORDER BY %s`,
			quoteIdent(g.fidColumn), quoteIdent(g.table), quoteIdent(g.fidColumn)))
	case g.rtree != "":
		b := *g.filter
		return g.queryIDs(
			fmt.Sprintf(`SELECT id FROM %s WHERE minx <= ? AND maxx >= ? AND miny <= ? AND maxy >= ? ORDER BY id`,
				quoteIdent(g.rtree)),
			b.Max[0], b.Min[0], b.Max[1], b.Min[1])
	}
	return g.scanFiltered(*g.filter)
}

func (g *GeoPackage) queryIDs(query string, args ...any) ([]FeatureID, error) {
	rows, err := g.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing features: %w", err)
	}
	defer rows.Close()

	var ids []FeatureID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning feature id: %w", err)
		}
		ids = append(ids, FeatureID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing features: %w", err)
	}
	return ids, nil
}

// scanFiltered checks every geometry bound against filter when the table
// has no rtree index
func (g *GeoPackage) scanFiltered(filter orb.Bound) ([]FeatureID, error) {
	rows, err := g.db.Query(fmt.Sprintf(`SELECT %s, %s FROM %s ORDER BY %s`,
		quoteIdent(g.fidColumn), quoteIdent(g.geomColumn), quoteIdent(g.table), quoteIdent(g.fidColumn)))
	if err != nil {
		return nil, fmt.Errorf("scanning features: %w", err)
	}
	defer rows.Close()

	var ids []FeatureID
	for rows.Next() {
		var (
			id   int64
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning feature: %w", err)
		}
		if blob == nil {
			continue
		}
		bound, ok := blobBound(blob)
		if ok && bound.Intersects(filter) {
			ids = append(ids, FeatureID(id))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning features: %w", err)
	}
	return ids, nil
}

// SetSpatialFilter restricts reads to features intersecting filter's bound
func (g *GeoPackage) SetSpatialFilter(filter orb.Geometry) error {
	bound, ok := geometryBound(filter)
	if !ok {
		return fmt.Errorf("spatial filter has no usable bound")
	}
	g.filter = &bound
	g.loaded = false
	return nil
}

// ClearSpatialFilter removes the active filter
func (g *GeoPackage) ClearSpatialFilter() {
	g.filter = nil
	g.loaded = false
}

// ResetReading rewinds the cursor
func (g *GeoPackage) ResetReading() {
	g.loaded = false
	g.cursor = nil
	g.pos = 0
}

// NextFeature advances the cursor
func (g *GeoPackage) NextFeature() (*Feature, error) {
	if !g.loaded {
		ids, err := g.FeatureIDs()
		if err != nil {
			return nil, err
		}
		g.cursor = ids
		g.loaded = true
		g.pos = 0
	}
	if g.pos >= len(g.cursor) {
		return nil, io.EOF
	}
	id := g.cursor[g.pos]
	g.pos++
	return g.Feature(id)
}

// DeleteFields drops the named columns from the table, highest position
// first. Unknown names are ignored. The file is modified in place.
func (g *GeoPackage) DeleteFields(names []string) error {
	for _, idx := range fieldIndexes(g.fields, names) {
		name := g.fields[idx]
		stmt := fmt.Sprintf(`ALTER TABLE %s DROP COLUMN %s`, quoteIdent(g.table), quoteIdent(name))
		if _, err := g.db.Exec(stmt); err != nil {
			return fmt.Errorf("dropping field %q: %w", name, err)
		}
		g.removeField(idx)
	}
	return nil
}

// HideFields stops selecting the named columns. The table is not modified.
func (g *GeoPackage) HideFields(names []string) error {
	for _, idx := range fieldIndexes(g.fields, names) {
		g.removeField(idx)
	}
	return nil
}

func (g *GeoPackage) removeField(idx int) {
	g.fields = append(g.fields[:idx], g.fields[idx+1:]...)
	g.types = append(g.types[:idx], g.types[idx+1:]...)
}

// Close closes the underlying database
func (g *GeoPackage) Close() error {
	return g.db.Close()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// GeoPackage binary geometry header flags
const (
	gpkgFlagLittleEndian = 0x01
	gpkgFlagEmpty        = 0x10
	gpkgFlagExtended     = 0x20
	gpkgEnvelopeShift    = 1
	gpkgEnvelopeMask     = 0x07
	gpkgHeaderSize       = 8
)

var gpkgEnvelopeSizes = map[byte]int{0: 0, 1: 32, 2: 48, 3: 48, 4: 64}

// parseBlobHeader validates a GeoPackage geometry header and returns the
// byte order, envelope size and flags
func parseBlobHeader(blob []byte) (binary.ByteOrder, int, byte, error) {
	if len(blob) < gpkgHeaderSize || blob[0] != 'G' || blob[1] != 'P' {
		return nil, 0, 0, fmt.Errorf("%w: bad magic", ErrInvalidGeometryBlob)
	}
	flags := blob[3]
	if flags&gpkgFlagExtended != 0 {
		return nil, 0, 0, fmt.Errorf("%w: extended geometry types are not supported", ErrInvalidGeometryBlob)
	}
	envSize, ok := gpkgEnvelopeSizes[(flags>>gpkgEnvelopeShift)&gpkgEnvelopeMask]
	if !ok {
		return nil, 0, 0, fmt.Errorf("%w: bad envelope indicator", ErrInvalidGeometryBlob)
	}
	if len(blob) < gpkgHeaderSize+envSize {
		return nil, 0, 0, fmt.Errorf("%w: truncated header", ErrInvalidGeometryBlob)
	}
	var order binary.ByteOrder = binary.BigEndian
	if flags&gpkgFlagLittleEndian != 0 {
		order = binary.LittleEndian
	}
	return order, envSize, flags, nil
}

// DecodeGeometryBlob decodes a GeoPackage geometry blob. Empty geometries
// decode to nil.
func DecodeGeometryBlob(blob []byte) (orb.Geometry, error) {
	_, envSize, flags, err := parseBlobHeader(blob)
	if err != nil {
		return nil, err
	}
	if flags&gpkgFlagEmpty != 0 {
		return nil, nil
	}
	geom, err := wkb.Unmarshal(blob[gpkgHeaderSize+envSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeometryBlob, err)
	}
	return geom, nil
}

// blobBound returns a blob's bound from its header envelope, decoding the
// geometry only when the header carries none
func blobBound(blob []byte) (orb.Bound, bool) {
	order, envSize, flags, err := parseBlobHeader(blob)
	if err != nil || flags&gpkgFlagEmpty != 0 {
		return orb.Bound{}, false
	}
	if envSize == 0 {
		geom, err := DecodeGeometryBlob(blob)
		if err != nil {
			return orb.Bound{}, false
		}
		return geometryBound(geom)
	}
	env := blob[gpkgHeaderSize:]
	read := func(i int) float64 {
		return math.Float64frombits(order.Uint64(env[i*8:]))
	}
	b := orb.Bound{
		Min: orb.Point{read(0), read(2)},
		Max: orb.Point{read(1), read(3)},
	}
	return b, b.Min[0] <= b.Max[0] && b.Min[1] <= b.Max[1]
}

// EncodeGeometryBlob encodes geom as a little-endian GeoPackage geometry
// blob with an XY envelope. A nil or empty geometry sets the empty flag.
func EncodeGeometryBlob(geom orb.Geometry, srsID int32) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write([]byte{'G', 'P', 0})

	bound, ok := geometryBound(geom)
	if geom == nil || !ok {
		buf.WriteByte(gpkgFlagLittleEndian | gpkgFlagEmpty)
		binary.Write(&buf, binary.LittleEndian, srsID)
		empty, err := wkb.Marshal(orb.MultiPoint{}, binary.LittleEndian)
		if err != nil {
			return nil, fmt.Errorf("encoding empty geometry: %w", err)
		}
		buf.Write(empty)
		return buf.Bytes(), nil
	}

	buf.WriteByte(gpkgFlagLittleEndian | 1<<gpkgEnvelopeShift)
	binary.Write(&buf, binary.LittleEndian, srsID)
	for _, v := range []float64{bound.Min[0], bound.Max[0], bound.Min[1], bound.Max[1]} {
		binary.Write(&buf, binary.LittleEndian, v)
	}

	data, err := wkb.Marshal(geom, binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("encoding geometry: %w", err)
	}
	buf.Write(data)
	return buf.Bytes(), nil
}
