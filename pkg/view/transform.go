// Package view computes the mirror, zoom and pan transform shared by the
// live video element, the overlay canvas and the captured still, so that
// overlay graphics stay aligned with the displayed face.
//
// All coordinates are view pixels unless stated otherwise. Pan is a fraction
// of the view size and is always clamped so the zoomed image covers the view.
package view

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/MrCodeEU/sabhapass/pkg/geometry"
)

// FacingMode identifies which camera produced the feed.
type FacingMode string

const (
	// FacingUser is the front camera. Its feed is mirrored.
	FacingUser FacingMode = "user"
	// FacingEnvironment is the back camera. Never mirrored.
	FacingEnvironment FacingMode = "environment"
)

// ParseFacingMode accepts "user" or "environment".
func ParseFacingMode(s string) (FacingMode, error) {
	switch FacingMode(strings.ToLower(strings.TrimSpace(s))) {
	case FacingUser:
		return FacingUser, nil
	case FacingEnvironment:
		return FacingEnvironment, nil
	}
	return "", fmt.Errorf("unknown facing mode %q", s)
}

// MinZoom is the unzoomed level.
const MinZoom = 1.0

// Pan is the view offset as a fraction of the view width and height.
type Pan struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Transform describes how the feed is displayed.
type Transform struct {
	Mirror bool
	Zoom   float64
	Pan    Pan
}

// MaxPan returns the largest pan magnitude allowed at zoom on either axis.
func MaxPan(zoom float64) float64 {
	if zoom <= MinZoom {
		return 0
	}
	return (zoom - 1) / (2 * zoom)
}

// ClampPan limits pan to the range allowed at zoom.
func ClampPan(zoom float64, pan Pan) Pan {
	limit := MaxPan(zoom)
	return Pan{
		X: geometry.Clamp(pan.X, -limit, limit),
		Y: geometry.Clamp(pan.Y, -limit, limit),
	}
}

// Compute returns the transform for a feed. Zoom below 1 (or NaN) is treated
// as 1 and pan is clamped to the zoom's range.
func Compute(facing FacingMode, zoom float64, pan Pan) Transform {
	if math.IsNaN(zoom) || zoom < MinZoom {
		zoom = MinZoom
	}
	if math.IsNaN(pan.X) {
		pan.X = 0
	}
	if math.IsNaN(pan.Y) {
		pan.Y = 0
	}
	return Transform{
		Mirror: facing == FacingUser,
		Zoom:   zoom,
		Pan:    ClampPan(zoom, pan),
	}
}

// ForCapture returns the transform used for the captured still: zoom and
// pan apply, the mirror never does.
func (t Transform) ForCapture() Transform {
	t.Mirror = false
	return t
}

// Zoomed reports whether the transform scales the feed.
func (t Transform) Zoomed() bool {
	return t.Zoom > MinZoom
}

// CSS renders the transform as a CSS transform value for the video element,
// whose transform origin is its centre. An untransformed feed yields "none".
func (t Transform) CSS() string {
	var parts []string
	if t.Mirror {
		parts = append(parts, "scaleX(-1)")
	}
	if t.Zoomed() {
		parts = append(parts,
			"scale("+num(t.Zoom)+")",
			"translate("+num(t.Pan.X*100)+"%, "+num(t.Pan.Y*100)+"%)",
		)
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " ")
}

// num formats v with at most four decimals.
func num(v float64) string {
	v = math.Round(v*1e4) / 1e4
	if v == 0 {
		v = 0 // drops negative zero
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// OpKind is a canvas transform operation.
type OpKind int

const (
	OpTranslate OpKind = iota
	OpScale
)

// CanvasOp is one call on a 2D canvas transform stack.
type CanvasOp struct {
	Kind OpKind
	X, Y float64
}

func (o CanvasOp) String() string {
	name := "translate"
	if o.Kind == OpScale {
		name = "scale"
	}
	return name + "(" + num(o.X) + ", " + num(o.Y) + ")"
}

// Matrix returns the affine matrix of the operation.
func (o CanvasOp) Matrix() Affine {
	if o.Kind == OpScale {
		return Scale(o.X, o.Y)
	}
	return Translate(o.X, o.Y)
}

// CanvasOps returns the operations that reproduce the transform on a canvas
// of width x height, in call order: mirror, translate to centre, scale,
// then translate by pan combined with the translate back from centre.
// Scale and translate do not commute, so the order is significant.
func (t Transform) CanvasOps(width, height float64) []CanvasOp {
	var ops []CanvasOp
	if t.Mirror {
		ops = append(ops,
			CanvasOp{Kind: OpTranslate, X: width},
			CanvasOp{Kind: OpScale, X: -1, Y: 1},
		)
	}
	if t.Zoomed() {
		ops = append(ops,
			CanvasOp{Kind: OpTranslate, X: width / 2, Y: height / 2},
			CanvasOp{Kind: OpScale, X: t.Zoom, Y: t.Zoom},
			CanvasOp{Kind: OpTranslate, X: -width/2 + t.Pan.X*width, Y: -height/2 + t.Pan.Y*height},
		)
	}
	return ops
}

// Matrix composes CanvasOps into one matrix mapping feed pixels to view pixels.
func (t Transform) Matrix(width, height float64) Affine {
	m := Identity()
	for _, op := range t.CanvasOps(width, height) {
		m = m.Mul(op.Matrix())
	}
	return m
}

// Apply maps a feed pixel to the view.
func (t Transform) Apply(p geometry.Point, width, height float64) geometry.Point {
	return t.Matrix(width, height).Apply(p)
}

// Unapply maps a view pixel back to the feed. ok is false only for a
// degenerate transform.
func (t Transform) Unapply(p geometry.Point, width, height float64) (geometry.Point, bool) {
	inv, ok := t.Matrix(width, height).Invert()
	if !ok {
		return geometry.Point{}, false
	}
	return inv.Apply(p), true
}

// ProjectOutline maps an outline ellipse in feed pixels onto the view.
// Mirroring moves the centre but leaves the radii unchanged.
func (t Transform) ProjectOutline(e geometry.Ellipse, width, height float64) geometry.Ellipse {
	zoom := math.Max(t.Zoom, MinZoom)
	return geometry.Ellipse{
		Center:  t.Apply(e.Center, width, height),
		RadiusX: e.RadiusX * zoom,
		RadiusY: e.RadiusY * zoom,
	}
}
