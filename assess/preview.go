package assess

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// TagColors maps each tag to its preview colour
var TagColors = map[Tag]color.RGBA{
	TruePositive:  {R: 46, G: 160, B: 67, A: 255},
	FalsePositive: {R: 214, G: 39, B: 40, A: 255},
	FalseNegative: {R: 255, G: 140, B: 0, A: 255},
	Untagged:      {R: 128, G: 128, B: 128, A: 255},
}

var sectorColor = color.RGBA{R: 200, G: 200, B: 200, A: 255}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// PreviewRenderer draws sectors and tagged records as a quick-look map.
// Ground truth is drawn as circles, detections as squares.
type PreviewRenderer struct {
	Sectors    []SectorPolygon
	GT         *Collection
	DET        *Collection
	Width      float64           // Drawing width in millimetres; height follows the aspect ratio
	Padding    float64           // Padding in world units (metres)
	MarkerSize float64           // Marker size in millimetres
	Resolution canvas.Resolution // PNG resolution
}

// NewPreviewRenderer creates a renderer with default settings
func NewPreviewRenderer(sectors []SectorPolygon, gt, det *Collection) *PreviewRenderer {
	return &PreviewRenderer{
		Sectors:    sectors,
		GT:         gt,
		DET:        det,
		Width:      200.0,
		Padding:    5.0,
		MarkerSize: 1.5,
		Resolution: canvas.DPI(150),
	}
}

// frame maps world coordinates onto the page
type frame struct {
	bound  orb.Bound
	pad    float64
	scale  float64
	width  float64
	height float64
}

func (f frame) toCanvas(p orb.Point) (float64, float64) {
	return (p[0] - f.bound.Min[0] + f.pad) * f.scale, (p[1] - f.bound.Min[1] + f.pad) * f.scale
}

func (r *PreviewRenderer) frame() (frame, error) {
	var b orb.Bound
	found := false
	extend := func(g orb.Geometry) {
		if g == nil {
			return
		}
		if !found {
			b = g.Bound()
			found = true
			return
		}
		b = b.Union(g.Bound())
	}
	for _, s := range r.Sectors {
		extend(s.Geometry)
	}
	for _, c := range []*Collection{r.GT, r.DET} {
		if c == nil {
			continue
		}
		for _, rec := range c.Records {
			extend(rec.Geometry)
		}
	}
	if !found {
		return frame{}, fmt.Errorf("nothing to preview")
	}

	worldW := b.Max[0] - b.Min[0] + 2*r.Padding
	worldH := b.Max[1] - b.Min[1] + 2*r.Padding
	if worldW <= 0 || worldH <= 0 {
		return frame{}, fmt.Errorf("preview extent is empty")
	}
	scale := r.Width / worldW
	return frame{bound: b, pad: r.Padding, scale: scale, width: r.Width, height: worldH * scale}, nil
}

// RenderToSVG writes the preview as SVG
func (r *PreviewRenderer) RenderToSVG(w io.Writer) error {
	f, err := r.frame()
	if err != nil {
		return err
	}
	svgRenderer := svg.New(w, f.width, f.height, nil)
	r.renderToCanvas(svgRenderer, f)
	return svgRenderer.Close()
}

// RenderToPNG writes the preview as PNG with a text legend
func (r *PreviewRenderer) RenderToPNG(w io.Writer) error {
	f, err := r.frame()
	if err != nil {
		return err
	}
	rast := rasterizer.New(f.width, f.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, f)
	drawLegend(rast)
	return png.Encode(w, rast)
}

// Save picks SVG or PNG from the file extension
func (r *PreviewRenderer) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}
	render := r.RenderToPNG
	switch strings.ToLower(filepath.Ext(path)) {
	case ".svg":
		render = r.RenderToSVG
	case ".png":
	default:
		return fmt.Errorf("unsupported preview format: %s", path)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer out.Close()

	if err := render(out); err != nil {
		return err
	}
	return out.Close()
}

func (r *PreviewRenderer) renderToCanvas(renderer canvasRenderer, f frame) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(f.width, f.height), bgStyle, canvas.Identity)

	sectorStyle := canvas.DefaultStyle
	sectorStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	sectorStyle.Stroke = canvas.Paint{Color: sectorColor}
	sectorStyle.StrokeWidth = 0.4
	for _, s := range r.Sectors {
		for _, p := range polygonPaths(s.Geometry, f) {
			renderer.RenderPath(p, sectorStyle, canvas.Identity)
		}
	}

	// Detections first so ground-truth circles stay visible on top
	r.renderRecords(renderer, f, r.DET, false)
	r.renderRecords(renderer, f, r.GT, true)
}

func (r *PreviewRenderer) renderRecords(renderer canvasRenderer, f frame, c *Collection, circles bool) {
	if c == nil {
		return
	}
	for _, rec := range c.Records {
		col, ok := TagColors[rec.Tag]
		if !ok {
			col = TagColors[Untagged]
		}

		if isAreal(rec.Geometry) {
			outline := canvas.DefaultStyle
			outline.Fill = canvas.Paint{Color: color.RGBA{R: col.R / 4, G: col.G / 4, B: col.B / 4, A: 64}}
			outline.Stroke = canvas.Paint{Color: col}
			outline.StrokeWidth = 0.2
			for _, p := range polygonPaths(rec.Geometry, f) {
				renderer.RenderPath(p, outline, canvas.Identity)
			}
		}

		pt, err := RepresentativePoint(rec.Geometry)
		if err != nil {
			continue
		}
		cx, cy := f.toCanvas(pt)
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: col}
		style.Stroke = canvas.Paint{Color: canvas.Black}
		style.StrokeWidth = 0.1

		var marker *canvas.Path
		if circles {
			marker = canvas.Circle(r.MarkerSize / 2).Translate(cx, cy)
		} else {
			s := r.MarkerSize
			marker = canvas.Rectangle(s, s).Translate(cx-s/2, cy-s/2)
		}
		renderer.RenderPath(marker, style, canvas.Identity)
	}
}

// polygonPaths converts the rings of a polygonal geometry to closed canvas paths.
// Vertices closer than a tenth of a millimetre on the page are simplified away.
func polygonPaths(g orb.Geometry, f frame) []*canvas.Path {
	if f.scale > 0 {
		g = simplify.DouglasPeucker(0.1 / f.scale).Simplify(orb.Clone(g))
	}

	var polys []orb.Polygon
	switch t := g.(type) {
	case orb.Polygon:
		polys = []orb.Polygon{t}
	case orb.MultiPolygon:
		polys = t
	default:
		return nil
	}

	var paths []*canvas.Path
	for _, poly := range polys {
		for _, ring := range poly {
			if len(ring) < 3 {
				continue
			}
			cp := &canvas.Path{}
			for i, pt := range ring {
				x, y := f.toCanvas(pt)
				if i == 0 {
					cp.MoveTo(x, y)
				} else {
					cp.LineTo(x, y)
				}
			}
			cp.Close()
			paths = append(paths, cp)
		}
	}
	return paths
}

// drawLegend adds coloured swatches with labels in the top-left corner
func drawLegend(img draw.Image) {
	entries := []struct {
		tag   Tag
		label string
	}{
		{TruePositive, "TP"},
		{FalsePositive, "FP"},
		{FalseNegative, "FN"},
	}

	y := 15
	for _, e := range entries {
		swatch := image.Rect(10, y-9, 22, y+3)
		draw.Draw(img, swatch, image.NewUniform(TagColors[e.tag]), image.Point{}, draw.Src)
		drawText(img, 28, y, e.label, color.RGBA{0, 0, 0, 255})
		y += 18
	}
}

// drawText renders text onto an image at the specified position
func drawText(img draw.Image, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
