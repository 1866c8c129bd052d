package floorplan

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"sort"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	roomFill    = color.RGBA{R: 225, G: 225, B: 225, A: 255}
	roomStroke  = color.RGBA{R: 80, G: 80, B: 80, A: 255}
	beaconColor = color.RGBA{R: 0, G: 0, B: 139, A: 255}
	entityColor = color.RGBA{R: 120, G: 120, B: 120, A: 255}
	labelColor  = color.RGBA{R: 20, G: 20, B: 20, A: 255}
	defaultFix  = color.RGBA{R: 255, G: 0, B: 0, A: 255}
)

// Renderer draws the floorplan, beacons and device fixes. One canvas unit
// is one output pixel.
type Renderer struct {
	Manager        *Manager
	Fixes          map[string]*Fix
	Colors         map[string]color.RGBA // device ID -> fix color
	Floor          string                // only draw rooms on this floor; empty draws all
	PixelsPerMeter float64
	Padding        float64 // meters around the content
}

// NewRenderer creates a renderer with default scale and padding
func NewRenderer(m *Manager, fixes map[string]*Fix) *Renderer {
	return &Renderer{
		Manager:        m,
		Fixes:          fixes,
		Colors:         make(map[string]color.RGBA),
		PixelsPerMeter: 50,
		Padding:        1,
	}
}

// SetDeviceColors applies hex colors from the device config
func (r *Renderer) SetDeviceColors(devices []DeviceConfig) {
	for _, dc := range devices {
		if c, ok := ParseHexColor(dc.Color); ok {
			r.Colors[dc.ID] = c
		}
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderSVG writes the plan as SVG
func (r *Renderer) RenderSVG(w io.Writer) error {
	v := r.view()
	s := svg.New(w, v.width, v.height, nil)
	r.draw(s, v)
	return s.Close()
}

// RenderPNG writes the plan as PNG with text labels for beacons and devices
func (r *Renderer) RenderPNG(w io.Writer) error {
	v := r.view()
	rast := rasterizer.New(v.width, v.height, canvas.DPI(25.4), canvas.DefaultColorSpace)
	r.draw(rast, v)
	r.drawLabels(rast, v)
	return png.Encode(w, rast)
}

type view struct {
	minX, minY    float64
	width, height float64
}

// toCanvas maps plan meters to canvas units (y up)
func (r *Renderer) toCanvas(v view, x, y float64) (float64, float64) {
	ppm := r.scale()
	return (x - v.minX + r.Padding) * ppm, (y - v.minY + r.Padding) * ppm
}

func (r *Renderer) scale() float64 {
	if r.PixelsPerMeter <= 0 {
		return 50
	}
	return r.PixelsPerMeter
}

func (r *Renderer) view() view {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	add := func(x, y float64) {
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}

	for _, room := range r.rooms() {
		for _, pt := range room.Boundaries {
			if len(pt) == 2 {
				add(pt[0], pt[1])
			}
		}
	}
	for _, p := range r.Manager.BeaconPositions() {
		add(p.X, p.Y)
	}
	for _, p := range r.Manager.StaticEntities() {
		add(p.X, p.Y)
	}
	for _, f := range r.Fixes {
		add(f.X, f.Y)
	}

	if math.IsInf(minX, 1) {
		minX, minY, maxX, maxY = 0, 0, 10, 10
	}

	ppm := r.scale()
	return view{
		minX:   minX,
		minY:   minY,
		width:  math.Max(1, (maxX-minX+2*r.Padding)*ppm),
		height: math.Max(1, (maxY-minY+2*r.Padding)*ppm),
	}
}

func (r *Renderer) rooms() map[string]Room {
	if r.Floor == "" {
		return r.Manager.Rooms()
	}
	return r.Manager.RoomsByFloor(r.Floor)
}

func (r *Renderer) draw(out canvasRenderer, v view) {
	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: canvas.White}
	out.RenderPath(canvas.Rectangle(v.width, v.height), bg, canvas.Identity)

	roomStyle := canvas.DefaultStyle
	roomStyle.Fill = canvas.Paint{Color: roomFill}
	roomStyle.Stroke = canvas.Paint{Color: roomStroke}
	roomStyle.StrokeWidth = 2

	rooms := r.rooms()
	for _, id := range sortedIDs(rooms) {
		b := rooms[id].Boundaries
		if len(b) < 3 {
			continue
		}
		p := &canvas.Path{}
		for i, pt := range b {
			if len(pt) != 2 {
				continue
			}
			x, y := r.toCanvas(v, pt[0], pt[1])
			if i == 0 {
				p.MoveTo(x, y)
			} else {
				p.LineTo(x, y)
			}
		}
		p.Close()
		out.RenderPath(p, roomStyle, canvas.Identity)
	}

	ppm := r.scale()

	entityStyle := canvas.DefaultStyle
	entityStyle.Fill = canvas.Paint{Color: entityColor}
	entityStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	for _, e := range r.Manager.StaticEntities() {
		x, y := r.toCanvas(v, e.X, e.Y)
		out.RenderPath(canvas.Circle(0.1*ppm).Translate(x, y), entityStyle, canvas.Identity)
	}

	beaconStyle := canvas.DefaultStyle
	beaconStyle.Fill = canvas.Paint{Color: beaconColor}
	beaconStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	side := 0.2 * ppm
	for _, b := range r.Manager.BeaconPositions() {
		x, y := r.toCanvas(v, b.X, b.Y)
		out.RenderPath(canvas.Rectangle(side, side).Translate(x-side/2, y-side/2), beaconStyle, canvas.Identity)
	}

	for _, id := range r.fixIDs() {
		fix := r.Fixes[id]
		c := r.fixColor(id)
		x, y := r.toCanvas(v, fix.X, fix.Y)

		// Uncertainty ring sized by the residual error
		if fix.RMSError > 0 {
			ring := canvas.DefaultStyle
			ring.Fill = canvas.Paint{Color: color.RGBA{R: c.R / 4, G: c.G / 4, B: c.B / 4, A: 64}}
			ring.Stroke = canvas.Paint{Color: c}
			ring.StrokeWidth = 1
			out.RenderPath(canvas.Circle(math.Max(fix.RMSError, 0.1)*ppm).Translate(x, y), ring, canvas.Identity)
		}

		dot := canvas.DefaultStyle
		dot.Fill = canvas.Paint{Color: c}
		dot.Stroke = canvas.Paint{Color: canvas.White}
		dot.StrokeWidth = 2
		out.RenderPath(canvas.Circle(0.15*ppm).Translate(x, y), dot, canvas.Identity)
	}
}

// drawLabels writes beacon and device ids onto the rasterized image. Image
// rows grow downwards, so canvas y is flipped.
func (r *Renderer) drawLabels(img draw.Image, v view) {
	h := img.Bounds().Dy()

	beacons := r.Manager.BeaconPositions()
	for _, id := range sortedIDs(beacons) {
		x, y := r.toCanvas(v, beacons[id].X, beacons[id].Y)
		drawText(img, int(x)+6, h-int(y)-6, id, labelColor)
	}
	for _, id := range r.fixIDs() {
		fix := r.Fixes[id]
		x, y := r.toCanvas(v, fix.X, fix.Y)
		drawText(img, int(x)+10, h-int(y)+4, fmt.Sprintf("%s %.0f%%", id, fix.Confidence*100), r.fixColor(id))
	}
}

func (r *Renderer) fixIDs() []string {
	ids := make([]string, 0, len(r.Fixes))
	for id := range r.Fixes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Renderer) fixColor(id string) color.RGBA {
	if c, ok := r.Colors[id]; ok {
		return c
	}
	return defaultFix
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

// ParseHexColor parses #RRGGBB
func ParseHexColor(hex string) (color.RGBA, bool) {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	if len(hex) != 6 {
		return color.RGBA{}, false
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		return color.RGBA{}, false
	}
	return color.RGBA{R: r, G: g, B: b, A: 255}, true
}
