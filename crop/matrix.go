package crop

import (
	"image"
	"math"
)

// Matrix is a 2D affine transform:
//
//	| A C E |
//	| B D F |
//	| 0 0 1 |
type Matrix struct {
	A, B, C, D, E, F float64
}

// Identity returns the identity transform.
func Identity() Matrix {
	return Matrix{A: 1, D: 1}
}

// Translate returns a translation by (tx, ty).
func Translate(tx, ty float64) Matrix {
	return Matrix{A: 1, D: 1, E: tx, F: ty}
}

// Scale returns a scale by (sx, sy) about the origin.
func Scale(sx, sy float64) Matrix {
	return Matrix{A: sx, D: sy}
}

// Rotate returns a clockwise rotation in degrees (y axis pointing down).
// Multiples of 90 are exact.
func Rotate(degrees float64) Matrix {
	sin, cos := sincos(degrees)
	return Matrix{A: cos, B: sin, C: -sin, D: cos}
}

func sincos(degrees float64) (sin, cos float64) {
	d := math.Mod(degrees, 360)
	if d < 0 {
		d += 360
	}
	switch d {
	case 0:
		return 0, 1
	case 90:
		return 1, 0
	case 180:
		return 0, -1
	case 270:
		return -1, 0
	}
	return math.Sincos(d * math.Pi / 180)
}

// Concat returns m followed by n, i.e. points are mapped by m first.
func (m Matrix) Concat(n Matrix) Matrix {
	return Matrix{
		A: n.A*m.A + n.C*m.B,
		B: n.B*m.A + n.D*m.B,
		C: n.A*m.C + n.C*m.D,
		D: n.B*m.C + n.D*m.D,
		E: n.A*m.E + n.C*m.F + n.E,
		F: n.B*m.E + n.D*m.F + n.F,
	}
}

// PostTranslate appends a translation.
func (m Matrix) PostTranslate(tx, ty float64) Matrix {
	m.E += tx
	m.F += ty
	return m
}

// PostScale appends a scale about the pivot (px, py).
func (m Matrix) PostScale(sx, sy, px, py float64) Matrix {
	return m.Concat(Translate(-px, -py).Concat(Scale(sx, sy)).Concat(Translate(px, py)))
}

// PostRotate appends a rotation in degrees about the origin.
func (m Matrix) PostRotate(degrees float64) Matrix {
	return m.Concat(Rotate(degrees))
}

// ScaleX is the horizontal scale factor of the transform.
func (m Matrix) ScaleX() float64 {
	return math.Hypot(m.A, m.B)
}

// Invert returns the inverse transform. ok is false for singular matrices.
func (m Matrix) Invert() (inv Matrix, ok bool) {
	det := m.A*m.D - m.B*m.C
	if det == 0 || math.IsNaN(det) {
		return Matrix{}, false
	}
	inv.A = m.D / det
	inv.B = -m.B / det
	inv.C = -m.C / det
	inv.D = m.A / det
	inv.E = (m.C*m.F - m.D*m.E) / det
	inv.F = (m.B*m.E - m.A*m.F) / det
	return inv, true
}

// MapPoint transforms a point.
func (m Matrix) MapPoint(x, y float64) (float64, float64) {
	return m.A*x + m.C*y + m.E, m.B*x + m.D*y + m.F
}

// MapVector transforms a displacement, ignoring translation.
func (m Matrix) MapVector(dx, dy float64) (float64, float64) {
	return m.A*dx + m.C*dy, m.B*dx + m.D*dy
}

// MapRect returns the bounding box of the transformed rectangle.
func (m Matrix) MapRect(r Rect) Rect {
	xs := [4]float64{}
	ys := [4]float64{}
	xs[0], ys[0] = m.MapPoint(r.Left, r.Top)
	xs[1], ys[1] = m.MapPoint(r.Right, r.Top)
	xs[2], ys[2] = m.MapPoint(r.Right, r.Bottom)
	xs[3], ys[3] = m.MapPoint(r.Left, r.Bottom)
	out := Rect{Left: xs[0], Top: ys[0], Right: xs[0], Bottom: ys[0]}
	for i := 1; i < 4; i++ {
		out.Left = math.Min(out.Left, xs[i])
		out.Right = math.Max(out.Right, xs[i])
		out.Top = math.Min(out.Top, ys[i])
		out.Bottom = math.Max(out.Bottom, ys[i])
	}
	return out
}

// Rect is a floating point rectangle. Right and Bottom are exclusive.
type Rect struct {
	Left, Top, Right, Bottom float64
}

// RectOf converts an integer rectangle.
func RectOf(r image.Rectangle) Rect {
	return Rect{float64(r.Min.X), float64(r.Min.Y), float64(r.Max.X), float64(r.Max.Y)}
}

func (r Rect) Width() float64  { return r.Right - r.Left }
func (r Rect) Height() float64 { return r.Bottom - r.Top }

func (r Rect) CenterX() float64 { return (r.Left + r.Right) / 2 }
func (r Rect) CenterY() float64 { return (r.Top + r.Bottom) / 2 }

// Offset translates the rectangle.
func (r Rect) Offset(dx, dy float64) Rect {
	return Rect{r.Left + dx, r.Top + dy, r.Right + dx, r.Bottom + dy}
}

// Contains reports whether (x, y) lies inside r.
func (r Rect) Contains(x, y float64) bool {
	return x >= r.Left && x < r.Right && y >= r.Top && y < r.Bottom
}

// In reports whether r lies inside outer.
func (r Rect) In(outer Rect) bool {
	return r.Left >= outer.Left && r.Top >= outer.Top && r.Right <= outer.Right && r.Bottom <= outer.Bottom
}

// Round converts to an integer rectangle, rounding each edge to nearest.
func (r Rect) Round() image.Rectangle {
	return image.Rect(
		int(math.Round(r.Left)), int(math.Round(r.Top)),
		int(math.Round(r.Right)), int(math.Round(r.Bottom)),
	)
}
