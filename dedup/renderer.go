package dedup

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// clusterPalette colors clusters in registration order, cycling when exhausted
var clusterPalette = []color.RGBA{
	{R: 230, G: 25, B: 75, A: 255},
	{R: 60, G: 180, B: 75, A: 255},
	{R: 0, G: 130, B: 200, A: 255},
	{R: 245, G: 130, B: 48, A: 255},
	{R: 145, G: 30, B: 180, A: 255},
	{R: 70, G: 240, B: 240, A: 255},
	{R: 240, G: 50, B: 230, A: 255},
	{R: 128, G: 128, B: 0, A: 255},
}

var unclusteredColor = color.RGBA{R: 190, G: 190, B: 190, A: 255}

// withAlpha scales a premultiplied color to the given opacity
func withAlpha(c color.RGBA, a uint8) color.RGBA {
	scale := func(v uint8) uint8 { return uint8(uint32(v) * uint32(a) / 255) }
	return color.RGBA{R: scale(c.R), G: scale(c.G), B: scale(c.B), A: a}
}

// ClusterRenderer draws a store's features colored by cluster membership.
// Unclustered features are grey, each cluster gets a palette color and
// parents are outlined in black.
type ClusterRenderer struct {
	Store  Store
	Result *Result

	Width       float64           // Canvas width in millimeters; height follows the data's aspect
	Padding     float64           // Canvas padding in millimeters
	PointRadius float64           // Radius of point features in millimeters
	Simplify    float64           // Douglas-Peucker tolerance in millimeters; 0 draws every vertex
	Resolution  canvas.Resolution // Resolution for PNG output
}

// NewClusterRenderer creates a renderer with default settings
func NewClusterRenderer(store Store, res *Result) *ClusterRenderer {
	return &ClusterRenderer{
		Store:       store,
		Result:      res,
		Width:       1000.0,
		Padding:     20.0,
		PointRadius: 3.0,
		Simplify:    0.25,
		Resolution:  canvas.DPMM(1.0),
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// frame maps world coordinates onto the canvas
type frame struct {
	bound   orb.Bound
	scale   float64
	padding float64
	width   float64
	height  float64
}

func (f frame) toCanvas(p orb.Point) (float64, float64) {
	return (p[0]-f.bound.Min[0])*f.scale + f.padding, (p[1]-f.bound.Min[1])*f.scale + f.padding
}

// RenderToSVG writes the clusters as an SVG to the provided writer
func (r *ClusterRenderer) RenderToSVG(w io.Writer) error {
	features, fr, err := r.prepare()
	if err != nil {
		return err
	}

	svgRenderer := svg.New(w, fr.width, fr.height, nil)
	r.renderToCanvas(svgRenderer, features, fr)
	return svgRenderer.Close()
}

// RenderToPNG writes the clusters as a PNG to the provided writer
func (r *ClusterRenderer) RenderToPNG(w io.Writer) error {
	features, fr, err := r.prepare()
	if err != nil {
		return err
	}

	rast := rasterizer.New(fr.width, fr.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, features, fr)
	if r.Result != nil {
		s := r.Result.Stats()
		drawText(rast, 8, 16, fmt.Sprintf("%d features, %d clusters, %d duplicates",
			len(features), s.Clusters, s.Duplicates), color.RGBA{A: 255})
	}
	return png.Encode(w, rast)
}

// drawText renders a caption onto a raster image at the specified position
func drawText(img draw.Image, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// prepare reads every feature with a usable geometry and computes the frame
func (r *ClusterRenderer) prepare() ([]*Feature, frame, error) {
	if r.Store == nil {
		return nil, frame{}, fmt.Errorf("no store to render")
	}
	if r.Width <= 0 {
		return nil, frame{}, fmt.Errorf("render width must be positive, got %f", r.Width)
	}

	r.Store.ClearSpatialFilter()
	var features []*Feature
	var total orb.Bound
	err := ForEachFeature(r.Store, func(f *Feature) error {
		b, ok := geometryBound(f.Geometry)
		if !ok {
			return nil
		}
		if len(features) == 0 {
			total = b
		} else {
			total = total.Union(b)
		}
		features = append(features, f)
		return nil
	})
	r.Store.ResetReading()
	if err != nil {
		return nil, frame{}, fmt.Errorf("reading features: %w", err)
	}

	fr := frame{padding: r.Padding, width: r.Width + 2*r.Padding}
	if len(features) == 0 {
		fr.height = fr.width
		return nil, fr, nil
	}

	dx, dy := total.Max[0]-total.Min[0], total.Max[1]-total.Min[1]
	switch {
	case dx > 0:
		fr.scale = r.Width / dx
	case dy > 0:
		fr.scale = r.Width / dy
	default:
		// A single point: center it
		fr.scale = 1
		total = total.Pad(r.Width / 2)
		dy = r.Width
	}
	fr.bound = total
	fr.height = dy*fr.scale + 2*r.Padding
	if fr.height < 2*r.Padding+1 {
		fr.height = 2*r.Padding + 1
	}
	return features, fr, nil
}

// colors assigns a palette color to every parent
func (r *ClusterRenderer) colors() map[FeatureID]color.RGBA {
	out := make(map[FeatureID]color.RGBA)
	if r.Result == nil {
		return out
	}
	for i, c := range r.Result.ClusterList() {
		out[c.Parent] = clusterPalette[i%len(clusterPalette)]
	}
	return out
}

func (r *ClusterRenderer) renderToCanvas(renderer canvasRenderer, features []*Feature, fr frame) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(fr.width, fr.height), bgStyle, canvas.Identity)

	colors := r.colors()

	// Parents are drawn last so their outline stays on top
	var parents []*Feature
	for _, f := range features {
		if r.Result != nil && r.Result.IsParent(f.ID) {
			parents = append(parents, f)
			continue
		}
		c := unclusteredColor
		if r.Result != nil {
			if p, ok := r.Result.ParentOf(f.ID); ok {
				c = colors[p]
			}
		}
		r.drawFeature(renderer, f, fr, c, false)
	}
	for _, f := range parents {
		r.drawFeature(renderer, f, fr, colors[f.ID], true)
	}
}

func (r *ClusterRenderer) drawFeature(renderer canvasRenderer, f *Feature, fr frame, c color.RGBA, parent bool) {
	areaStyle := canvas.DefaultStyle
	areaStyle.Fill = canvas.Paint{Color: withAlpha(c, 128)}
	areaStyle.FillRule = canvas.EvenOdd
	areaStyle.Stroke = canvas.Paint{Color: c}
	areaStyle.StrokeWidth = 0.5

	lineStyle := canvas.DefaultStyle
	lineStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	lineStyle.Stroke = canvas.Paint{Color: c}
	lineStyle.StrokeWidth = 1.0

	pointStyle := canvas.DefaultStyle
	pointStyle.Fill = canvas.Paint{Color: c}
	pointStyle.Stroke = canvas.Paint{Color: canvas.Transparent}

	if parent {
		areaStyle.Stroke = canvas.Paint{Color: canvas.Black}
		areaStyle.StrokeWidth = 1.5
		lineStyle.StrokeWidth = 2.0
		pointStyle.Stroke = canvas.Paint{Color: canvas.Black}
		pointStyle.StrokeWidth = 1.0
	}

	var draw func(g orb.Geometry)
	draw = func(g orb.Geometry) {
		switch geom := g.(type) {
		case orb.Point:
			x, y := fr.toCanvas(geom)
			renderer.RenderPath(canvas.Circle(r.PointRadius).Translate(x, y), pointStyle, canvas.Identity)
		case orb.MultiPoint:
			for _, pt := range geom {
				draw(pt)
			}
		case orb.LineString:
			if len(geom) == 1 {
				draw(geom[0])
				return
			}
			cp := &canvas.Path{}
			tracePath(cp, geom, fr, false)
			if !cp.Empty() {
				renderer.RenderPath(cp, lineStyle, canvas.Identity)
			}
		case orb.MultiLineString:
			for _, ls := range geom {
				draw(ls)
			}
		case orb.Ring:
			draw(orb.Polygon{geom})
		case orb.Polygon:
			cp := &canvas.Path{}
			for _, ring := range geom {
				tracePath(cp, ring, fr, true)
			}
			if !cp.Empty() {
				renderer.RenderPath(cp, areaStyle, canvas.Identity)
			}
		case orb.MultiPolygon:
			for _, p := range geom {
				draw(p)
			}
		case orb.Bound:
			draw(geom.ToPolygon())
		case orb.Collection:
			for _, sub := range geom {
				draw(sub)
			}
		}
	}
	geom := f.Geometry
	if r.Simplify > 0 && fr.scale > 0 {
		geom = simplify.DouglasPeucker(r.Simplify / fr.scale).Simplify(orb.Clone(geom))
	}
	draw(geom)
}

// tracePath appends pts to cp in canvas space, closing the subpath for rings
func tracePath(cp *canvas.Path, pts []orb.Point, fr frame, closed bool) {
	if len(pts) == 0 {
		return
	}
	for i, pt := range pts {
		x, y := fr.toCanvas(pt)
		if i == 0 {
			cp.MoveTo(x, y)
		} else {
			cp.LineTo(x, y)
		}
	}
	if closed {
		cp.Close()
	}
}
