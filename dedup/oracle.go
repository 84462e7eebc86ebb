package dedup

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// GeometryOracle answers the two geometric questions the clustering needs
type GeometryOracle interface {
	// Envelope returns the bounding box of the feature geometry as a polygon.
	// The bool is false when the feature has no usable geometry.
	Envelope(f *Feature) (orb.Polygon, bool)

	// Intersects reports whether two geometries share at least one point
	Intersects(a, b orb.Geometry) bool
}

// OrbOracle implements GeometryOracle with paulmach/orb planar geometry
type OrbOracle struct{}

// Envelope returns the feature's bounding box as a closed polygon
func (OrbOracle) Envelope(f *Feature) (orb.Polygon, bool) {
	if f == nil || f.Geometry == nil {
		return nil, false
	}
	bound, ok := geometryBound(f.Geometry)
	if !ok {
		return nil, false
	}
	return bound.ToPolygon(), true
}

// Intersects reports exact, boundary-inclusive intersection
func (OrbOracle) Intersects(a, b orb.Geometry) bool {
	return Intersects(a, b)
}

// geometryBound returns the geometry's bound, rejecting empty and non-finite ones
func geometryBound(g orb.Geometry) (orb.Bound, bool) {
	if g == nil {
		return orb.Bound{}, false
	}
	b := g.Bound()
	for _, v := range []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return orb.Bound{}, false
		}
	}
	// orb reports empty geometries with Min > Max
	if b.Min[0] > b.Max[0] || b.Min[1] > b.Max[1] {
		return orb.Bound{}, false
	}
	return b, true
}

// geometryParts is a geometry decomposed into the primitives the
// intersection test works on
type geometryParts struct {
	points   []orb.Point
	segments [][2]orb.Point
	areas    []orb.Polygon
}

func (gp *geometryParts) addLine(ls []orb.Point) {
	switch len(ls) {
	case 0:
		return
	case 1:
		gp.points = append(gp.points, ls[0])
		return
	}
	for i := 0; i < len(ls)-1; i++ {
		gp.segments = append(gp.segments, [2]orb.Point{ls[i], ls[i+1]})
	}
}

func (gp *geometryParts) addPolygon(p orb.Polygon) {
	if len(p) == 0 || len(p[0]) == 0 {
		return
	}
	gp.areas = append(gp.areas, p)
	for _, ring := range p {
		gp.addLine(ring)
	}
}

func (gp *geometryParts) add(g orb.Geometry) {
	switch geom := g.(type) {
	case orb.Point:
		gp.points = append(gp.points, geom)
	case orb.MultiPoint:
		gp.points = append(gp.points, geom...)
	case orb.LineString:
		gp.addLine(geom)
	case orb.MultiLineString:
		for _, ls := range geom {
			gp.addLine(ls)
		}
	case orb.Ring:
		gp.addPolygon(orb.Polygon{geom})
	case orb.Polygon:
		gp.addPolygon(geom)
	case orb.MultiPolygon:
		for _, p := range geom {
			gp.addPolygon(p)
		}
	case orb.Bound:
		gp.addPolygon(geom.ToPolygon())
	case orb.Collection:
		for _, sub := range geom {
			gp.add(sub)
		}
	}
}

// vertices returns every point and segment endpoint of the geometry
func (gp *geometryParts) vertices() []orb.Point {
	out := make([]orb.Point, 0, len(gp.points)+2*len(gp.segments))
	out = append(out, gp.points...)
	for _, s := range gp.segments {
		out = append(out, s[0], s[1])
	}
	return out
}

func decompose(g orb.Geometry) *geometryParts {
	gp := &geometryParts{}
	gp.add(g)
	return gp
}

// Intersects reports whether geometries a and b share at least one point.
// Boundaries count, so polygons that only share an edge or a corner
// intersect. Nil or empty geometries never intersect anything.
func Intersects(a, b orb.Geometry) bool {
	ab, ok := geometryBound(a)
	if !ok {
		return false
	}
	bb, ok := geometryBound(b)
	if !ok {
		return false
	}
	if !ab.Intersects(bb) {
		return false
	}

	pa, pb := decompose(a), decompose(b)

	for _, sa := range pa.segments {
		for _, sb := range pb.segments {
			if segmentsIntersect(sa[0], sa[1], sb[0], sb[1]) {
				return true
			}
		}
	}

	if pointsTouch(pa.points, pb) || pointsTouch(pb.points, pa) {
		return true
	}

	// No boundary crossing: one side may still lie entirely inside the other
	return verticesInside(pa.vertices(), pb.areas) || verticesInside(pb.vertices(), pa.areas)
}

// pointsTouch reports whether any of the points lies on other's geometry
func pointsTouch(points []orb.Point, other *geometryParts) bool {
	for _, p := range points {
		for _, q := range other.points {
			if p == q {
				return true
			}
		}
		for _, s := range other.segments {
			if orientation(s[0], s[1], p) == 0 && onSegment(s[0], s[1], p) {
				return true
			}
		}
		for _, area := range other.areas {
			if planar.PolygonContains(area, p) {
				return true
			}
		}
	}
	return false
}

func verticesInside(points []orb.Point, areas []orb.Polygon) bool {
	for _, area := range areas {
		for _, p := range points {
			if planar.PolygonContains(area, p) {
				return true
			}
		}
	}
	return false
}

// orientation returns the sign of the cross product (q-p)x(r-p):
// 1 counter-clockwise, -1 clockwise, 0 collinear
func orientation(p, q, r orb.Point) int {
	v := (q[0]-p[0])*(r[1]-p[1]) - (q[1]-p[1])*(r[0]-p[0])
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// onSegment reports whether r, known to be collinear with p-q, lies within
// the segment's bounding box
func onSegment(p, q, r orb.Point) bool {
	return r[0] >= math.Min(p[0], q[0]) && r[0] <= math.Max(p[0], q[0]) &&
		r[1] >= math.Min(p[1], q[1]) && r[1] <= math.Max(p[1], q[1])
}

func segmentsIntersect(p1, q1, p2, q2 orb.Point) bool {
	o1 := orientation(p1, q1, p2)
	o2 := orientation(p1, q1, q2)
	o3 := orientation(p2, q2, p1)
	o4 := orientation(p2, q2, q1)

	if o1 != o2 && o3 != o4 {
		return true
	}

	// Collinear cases: touching endpoints or overlapping runs
	return (o1 == 0 && onSegment(p1, q1, p2)) ||
		(o2 == 0 && onSegment(p1, q1, q2)) ||
		(o3 == 0 && onSegment(p2, q2, p1)) ||
		(o4 == 0 && onSegment(p2, q2, q1))
}
