// Package geometry holds the stateless helpers shared by the liveness
// detectors and the view pipeline: distances, bounding boxes and the face
// outline ellipse. Landmark coordinates are normalized to [0,1] of the frame.
package geometry

import "math"

// Point is a landmark position. Z is optional depth and ignored by the 2D helpers.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z,omitempty"`
}

// Distance returns the planar Euclidean distance between a and b.
func Distance(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// Distance3D includes the Z component.
func Distance3D(a, b Point) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	dz := a.Z - b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Pick returns the points at the given indices. ok is false if any index is
// out of range.
func Pick(points []Point, indices []int) ([]Point, bool) {
	out := make([]Point, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= len(points) {
			return nil, false
		}
		out[i] = points[idx]
	}
	return out, true
}

// Finite reports whether the X and Y coordinates at every in-range index of
// every set are finite numbers.
func Finite(points []Point, sets ...[]int) bool {
	for _, set := range sets {
		for _, idx := range set {
			if idx < 0 || idx >= len(points) {
				continue
			}
			p := points[idx]
			if math.IsNaN(p.X) || math.IsInf(p.X, 0) || math.IsNaN(p.Y) || math.IsInf(p.Y, 0) {
				return false
			}
		}
	}
	return true
}

// MaxIndex returns the largest index across all sets, or -1 if all are empty.
func MaxIndex(sets ...[]int) int {
	m := -1
	for _, set := range sets {
		for _, idx := range set {
			m = max(m, idx)
		}
	}
	return m
}

// BoundingBox is an axis-aligned box in the same space as its points.
type BoundingBox struct {
	MinX, MinY float64
	MaxX, MaxY float64
}

// Bounds computes the bounding box of points. ok is false for an empty slice.
func Bounds(points []Point) (BoundingBox, bool) {
	if len(points) == 0 {
		return BoundingBox{}, false
	}

	b := BoundingBox{
		MinX: points[0].X, MinY: points[0].Y,
		MaxX: points[0].X, MaxY: points[0].Y,
	}
	for _, p := range points[1:] {
		b.MinX = min(b.MinX, p.X)
		b.MinY = min(b.MinY, p.Y)
		b.MaxX = max(b.MaxX, p.X)
		b.MaxY = max(b.MaxY, p.Y)
	}
	return b, true
}

// Width returns the box width.
func (b BoundingBox) Width() float64 {
	return b.MaxX - b.MinX
}

// Height returns the box height.
func (b BoundingBox) Height() float64 {
	return b.MaxY - b.MinY
}

// Center returns the box centre.
func (b BoundingBox) Center() Point {
	return Point{X: (b.MinX + b.MaxX) / 2, Y: (b.MinY + b.MaxY) / 2}
}

// Scale converts a normalized box to pixel space.
func (b BoundingBox) Scale(width, height float64) BoundingBox {
	return BoundingBox{
		MinX: b.MinX * width, MinY: b.MinY * height,
		MaxX: b.MaxX * width, MaxY: b.MaxY * height,
	}
}

// Ellipse is an axis-aligned ellipse.
type Ellipse struct {
	Center  Point
	RadiusX float64
	RadiusY float64
}

// Outline padding applied to the landmark box so the ellipse clears the
// forehead and chin.
const (
	OutlinePadX = 1.2
	OutlinePadY = 1.4
)

// FaceOutline returns the overlay ellipse for a landmark set in pixel space
// of a width x height view.
func FaceOutline(points []Point, width, height float64) (Ellipse, bool) {
	box, ok := Bounds(points)
	if !ok {
		return Ellipse{}, false
	}
	px := box.Scale(width, height)
	return Ellipse{
		Center:  px.Center(),
		RadiusX: px.Width() / 2 * OutlinePadX,
		RadiusY: px.Height() / 2 * OutlinePadY,
	}, true
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
