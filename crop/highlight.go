package crop

import (
	"fmt"
	"image"
	"math"
)

// Mode is the manipulation state of a Highlight.
type Mode int

const (
	ModeNone Mode = iota
	ModeMove
	ModeGrow
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeMove:
		return "move"
	case ModeGrow:
		return "grow"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Handle identifies what part of a Highlight a pointer grabbed.
type Handle int

const (
	HandleNone Handle = iota
	HandleMove
	HandleLeft
	HandleTop
	HandleRight
	HandleBottom
	HandleTopLeft
	HandleTopRight
	HandleBottomLeft
	HandleBottomRight
)

func (h Handle) String() string {
	switch h {
	case HandleNone:
		return "none"
	case HandleMove:
		return "move"
	case HandleLeft:
		return "left"
	case HandleTop:
		return "top"
	case HandleRight:
		return "right"
	case HandleBottom:
		return "bottom"
	case HandleTopLeft:
		return "top-left"
	case HandleTopRight:
		return "top-right"
	case HandleBottomLeft:
		return "bottom-left"
	case HandleBottomRight:
		return "bottom-right"
	}
	return fmt.Sprintf("Handle(%d)", int(h))
}

// Mode is the manipulation mode a grab of this handle starts.
func (h Handle) Mode() Mode {
	switch h {
	case HandleNone:
		return ModeNone
	case HandleMove:
		return ModeMove
	case HandleLeft, HandleTop, HandleRight, HandleBottom,
		HandleTopLeft, HandleTopRight, HandleBottomLeft, HandleBottomRight:
		return ModeGrow
	}
	return ModeNone
}

// edges reports which rectangle edges the handle drags.
func (h Handle) edges() (left, top, right, bottom bool) {
	switch h {
	case HandleNone, HandleMove:
	case HandleLeft:
		left = true
	case HandleTop:
		top = true
	case HandleRight:
		right = true
	case HandleBottom:
		bottom = true
	case HandleTopLeft:
		top, left = true, true
	case HandleTopRight:
		top, right = true, true
	case HandleBottomLeft:
		bottom, left = true, true
	case HandleBottomRight:
		bottom, right = true, true
	}
	return
}

func handleFor(left, top, right, bottom bool) Handle {
	switch {
	case top && left:
		return HandleTopLeft
	case top && right:
		return HandleTopRight
	case bottom && left:
		return HandleBottomLeft
	case bottom && right:
		return HandleBottomRight
	case left:
		return HandleLeft
	case right:
		return HandleRight
	case top:
		return HandleTop
	case bottom:
		return HandleBottom
	}
	return HandleNone
}

const (
	// HitTolerance is how close, in view pixels, a pointer must be to an edge.
	HitTolerance = 20.0
	// MinCropSize is the smallest width or height, in image pixels, a
	// resize may shrink the rectangle to.
	MinCropSize = 25.0
)

// Highlight is the editable crop rectangle. CropRect lives in image space;
// DrawRect is its projection through the current view matrix.
//
// A Highlight is confined to the owner loop.
type Highlight struct {
	matrix      Matrix
	imageRect   Rect
	cropRect    Rect
	drawRect    Rect
	mode        Mode
	focused     bool
	fixedAspect bool
	aspect      float64
}

// NewHighlight creates a rectangle over imageRect. When fixedAspect is set,
// the width/height ratio of cropRect is frozen.
func NewHighlight(m Matrix, imageRect, cropRect Rect, fixedAspect bool) *Highlight {
	h := &Highlight{
		matrix:      m,
		imageRect:   imageRect,
		cropRect:    clampInto(cropRect, imageRect),
		fixedAspect: fixedAspect,
	}
	if h.cropRect.Height() > 0 {
		h.aspect = h.cropRect.Width() / h.cropRect.Height()
	}
	h.Invalidate()
	return h
}

// DefaultCropRect centres a rectangle of 4/5 of the shorter image side,
// narrowed to aspectX:aspectY when both are set.
func DefaultCropRect(width, height, aspectX, aspectY int) Rect {
	cropW := min(width, height) * 4 / 5
	cropH := cropW
	if aspectX > 0 && aspectY > 0 {
		if aspectX > aspectY {
			cropH = cropW * aspectY / aspectX
		} else {
			cropW = cropH * aspectX / aspectY
		}
	}
	x := (width - cropW) / 2
	y := (height - cropH) / 2
	return Rect{float64(x), float64(y), float64(x + cropW), float64(y + cropH)}
}

func (h *Highlight) Matrix() Matrix { return h.matrix }
func (h *Highlight) ImageRect() Rect { return h.imageRect }
func (h *Highlight) CropRect() Rect { return h.cropRect }
func (h *Highlight) DrawRect() Rect { return h.drawRect }
func (h *Highlight) Mode() Mode { return h.mode }
func (h *Highlight) HasFocus() bool { return h.focused }
func (h *Highlight) FixedAspect() bool { return h.fixedAspect }
func (h *Highlight) AspectRatio() float64 { return h.aspect }

func (h *Highlight) SetMode(m Mode) { h.mode = m }
func (h *Highlight) SetFocus(f bool) { h.focused = f }

// SetMatrix replaces the view transform and recomputes DrawRect.
func (h *Highlight) SetMatrix(m Matrix) {
	h.matrix = m
	h.Invalidate()
}

// Invalidate recomputes DrawRect from the current matrix.
func (h *Highlight) Invalidate() {
	h.drawRect = h.matrix.MapRect(h.cropRect)
}

// SetCropRect places the rectangle, clamped to the image. With a fixed
// aspect the longer side is shortened to restore the ratio. It returns false
// and leaves the rectangle unchanged if nothing usable remains.
func (h *Highlight) SetCropRect(r Rect) bool {
	r = clampInto(r, h.imageRect)
	if r.Width() <= 0 || r.Height() <= 0 {
		return false
	}
	if h.fixedAspect && h.aspect > 0 {
		if r.Width()/r.Height() > h.aspect {
			r.Right = r.Left + r.Height()*h.aspect
		} else {
			r.Bottom = r.Top + r.Width()/h.aspect
		}
	}
	h.cropRect = r
	h.Invalidate()
	return true
}

// ScaledCropRect maps the crop rectangle to an image sampleSize times larger.
func (h *Highlight) ScaledCropRect(sampleSize int) image.Rectangle {
	s := float64(sampleSize)
	return image.Rect(
		int(h.cropRect.Left*s), int(h.cropRect.Top*s),
		int(h.cropRect.Right*s), int(h.cropRect.Bottom*s),
	)
}

// HitTest maps a view-space position to the handle under it.
func (h *Highlight) HitTest(x, y float64) Handle {
	r := h.drawRect
	vertical := y >= r.Top-HitTolerance && y < r.Bottom+HitTolerance
	horizontal := x >= r.Left-HitTolerance && x < r.Right+HitTolerance

	nearLeft := math.Abs(r.Left-x) < HitTolerance && vertical
	nearRight := math.Abs(r.Right-x) < HitTolerance && vertical
	nearTop := math.Abs(r.Top-y) < HitTolerance && horizontal
	nearBottom := math.Abs(r.Bottom-y) < HitTolerance && horizontal

	// Tiny rectangles can put both opposite edges in range.
	if nearLeft && nearRight {
		nearLeft = math.Abs(r.Left-x) <= math.Abs(r.Right-x)
		nearRight = !nearLeft
	}
	if nearTop && nearBottom {
		nearTop = math.Abs(r.Top-y) <= math.Abs(r.Bottom-y)
		nearBottom = !nearTop
	}

	if hit := handleFor(nearLeft, nearTop, nearRight, nearBottom); hit != HandleNone {
		return hit
	}
	if r.Contains(x, y) {
		return HandleMove
	}
	return HandleNone
}

// HandleMotion applies a pointer displacement given in view pixels.
func (h *Highlight) HandleMotion(handle Handle, dx, dy float64) bool {
	inv, ok := h.matrix.Invert()
	if !ok {
		return false
	}
	idx, idy := inv.MapVector(dx, dy)
	switch handle {
	case HandleNone:
		return false
	case HandleMove:
		h.Move(idx, idy)
		return true
	case HandleLeft, HandleTop, HandleRight, HandleBottom,
		HandleTopLeft, HandleTopRight, HandleBottomLeft, HandleBottomRight:
		return h.Grow(handle, idx, idy)
	}
	return false
}

// Move translates the rectangle in image space, keeping it inside the image.
func (h *Highlight) Move(dx, dy float64) {
	r := h.cropRect.Offset(dx, dy)
	r = r.Offset(math.Max(0, h.imageRect.Left-r.Left), math.Max(0, h.imageRect.Top-r.Top))
	r = r.Offset(math.Min(0, h.imageRect.Right-r.Right), math.Min(0, h.imageRect.Bottom-r.Bottom))
	h.cropRect = r
	h.Invalidate()
}

// Grow drags the handle's edges by (dx, dy) image pixels. It reports false
// and leaves the rectangle untouched when the result would invert or
// shrink below MinCropSize.
func (h *Highlight) Grow(handle Handle, dx, dy float64) bool {
	left, top, right, bottom := handle.edges()
	if !left && !top && !right && !bottom {
		return false
	}

	var r Rect
	if h.fixedAspect && h.aspect > 0 {
		r = h.growFixed(left, top, right, bottom, dx, dy)
	} else {
		r = h.growFree(left, top, right, bottom, dx, dy)
	}
	if !h.acceptable(r) {
		return false
	}
	h.cropRect = r
	h.Invalidate()
	return true
}

func (h *Highlight) growFree(left, top, right, bottom bool, dx, dy float64) Rect {
	r := h.cropRect
	img := h.imageRect
	if left {
		r.Left = math.Max(r.Left+dx, img.Left)
	}
	if right {
		r.Right = math.Min(r.Right+dx, img.Right)
	}
	if top {
		r.Top = math.Max(r.Top+dy, img.Top)
	}
	if bottom {
		r.Bottom = math.Min(r.Bottom+dy, img.Bottom)
	}
	return r
}

func (h *Highlight) growFixed(left, top, right, bottom bool, dx, dy float64) Rect {
	cur := h.cropRect
	img := h.imageRect
	ratio := h.aspect
	horizontal := left || right
	vertical := top || bottom

	// Growth is measured away from the fixed opposite edge.
	sx, sy := 1.0, 1.0
	if left {
		sx = -1
	}
	if top {
		sy = -1
	}
	newW := cur.Width() + sx*dx
	newH := cur.Height() + sy*dy

	switch {
	case horizontal && vertical:
		if math.Abs(newW-cur.Width()) >= math.Abs(newH-cur.Height())*ratio {
			newH = newW / ratio
		} else {
			newW = newH * ratio
		}
	case horizontal:
		newH = newW / ratio
	default:
		newW = newH * ratio
	}

	maxW, maxH := img.Width(), img.Height()
	if horizontal {
		if right {
			maxW = img.Right - cur.Left
		} else {
			maxW = cur.Right - img.Left
		}
	}
	if vertical {
		if bottom {
			maxH = img.Bottom - cur.Top
		} else {
			maxH = cur.Bottom - img.Top
		}
	}
	if newW > maxW {
		newW = maxW
		newH = newW / ratio
	}
	if newH > maxH {
		newH = maxH
		newW = newH * ratio
	}

	var r Rect
	switch {
	case right:
		r.Left, r.Right = cur.Left, cur.Left+newW
	case left:
		r.Left, r.Right = cur.Right-newW, cur.Right
	default:
		r.Left = cur.CenterX() - newW/2
		r.Right = r.Left + newW
	}
	switch {
	case bottom:
		r.Top, r.Bottom = cur.Top, cur.Top+newH
	case top:
		r.Top, r.Bottom = cur.Bottom-newH, cur.Bottom
	default:
		r.Top = cur.CenterY() - newH/2
		r.Bottom = r.Top + newH
	}
	// The centred axis may poke out; slide it back in.
	r = r.Offset(math.Max(0, img.Left-r.Left), math.Max(0, img.Top-r.Top))
	r = r.Offset(math.Min(0, img.Right-r.Right), math.Min(0, img.Bottom-r.Bottom))
	return r
}

func (h *Highlight) acceptable(r Rect) bool {
	w, ht := r.Width(), r.Height()
	if w <= 0 || ht <= 0 {
		return false
	}
	if w < MinCropSize && w < h.cropRect.Width() {
		return false
	}
	if ht < MinCropSize && ht < h.cropRect.Height() {
		return false
	}
	const eps = 1e-9
	img := h.imageRect
	return r.Left >= img.Left-eps && r.Top >= img.Top-eps &&
		r.Right <= img.Right+eps && r.Bottom <= img.Bottom+eps
}

func clampInto(r, outer Rect) Rect {
	r.Left = math.Max(r.Left, outer.Left)
	r.Top = math.Max(r.Top, outer.Top)
	r.Right = math.Min(r.Right, outer.Right)
	r.Bottom = math.Min(r.Bottom, outer.Bottom)
	return r
}
