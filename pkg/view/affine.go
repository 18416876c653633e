package view

import (
	"math"

	"golang.org/x/image/math/f64"

	"github.com/MrCodeEU/sabhapass/pkg/geometry"
)

// Affine is a 2D affine matrix in row-major order:
//
//	x' = A*x + B*y + C
//	y' = D*x + E*y + F
type Affine struct {
	A, B, C float64
	D, E, F float64
}

// Identity returns the identity matrix.
func Identity() Affine {
	return Affine{A: 1, E: 1}
}

// Translate returns a translation by (x, y).
func Translate(x, y float64) Affine {
	return Affine{A: 1, C: x, E: 1, F: y}
}

// Scale returns a scale by (x, y) about the origin.
func Scale(x, y float64) Affine {
	return Affine{A: x, E: y}
}

// Mul returns m*n, the transform that applies n first and then m. This is
// the composition a canvas performs when n is called after m.
func (m Affine) Mul(n Affine) Affine {
	return Affine{
		A: m.A*n.A + m.B*n.D,
		B: m.A*n.B + m.B*n.E,
		C: m.A*n.C + m.B*n.F + m.C,
		D: m.D*n.A + m.E*n.D,
		E: m.D*n.B + m.E*n.E,
		F: m.D*n.C + m.E*n.F + m.F,
	}
}

// Apply transforms p. Z passes through.
func (m Affine) Apply(p geometry.Point) geometry.Point {
	return geometry.Point{
		X: m.A*p.X + m.B*p.Y + m.C,
		Y: m.D*p.X + m.E*p.Y + m.F,
		Z: p.Z,
	}
}

// Det returns the determinant of the linear part.
func (m Affine) Det() float64 {
	return m.A*m.E - m.B*m.D
}

// Invert returns the inverse matrix. ok is false when m is singular.
func (m Affine) Invert() (Affine, bool) {
	det := m.Det()
	if det == 0 || math.IsNaN(det) {
		return Affine{}, false
	}
	a := m.E / det
	b := -m.B / det
	d := -m.D / det
	e := m.A / det
	return Affine{
		A: a, B: b, C: -(a*m.C + b*m.F),
		D: d, E: e, F: -(d*m.C + e*m.F),
	}, true
}

// Aff3 converts m for use with golang.org/x/image/draw.
func (m Affine) Aff3() f64.Aff3 {
	return f64.Aff3{m.A, m.B, m.C, m.D, m.E, m.F}
}
