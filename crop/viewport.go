package crop

import (
	"math"
	"time"
)

const (
	zoomStep       = 1.25
	maxBaseScale   = 3.0
	animationFrame = 16 * time.Millisecond
)

// TransformObserver is notified after every change of the view transform.
type TransformObserver interface {
	TransformChanged(v *Viewport)
}

// Scheduler runs fn on the owner loop after delay. It drives animations.
type Scheduler func(delay time.Duration, fn func())

// Viewport maps image pixels to view pixels. The base matrix fits the
// bitmap into the view once per bitmap; the supplementary matrix carries the
// user's zoom and pan on top of it.
//
// A Viewport is confined to the owner loop.
type Viewport struct {
	width, height float64
	bitmap        *RotatedBitmap
	base          Matrix
	supp          Matrix
	maxZoom       float64
	observer      TransformObserver
	schedule      Scheduler
	// animation is bumped by every new animation and bitmap; frames of an
	// older generation stop.
	animation int
}

// NewViewport creates a viewport for a view of the given size.
func NewViewport(width, height int) *Viewport {
	return &Viewport{
		width:   float64(width),
		height:  float64(height),
		base:    Identity(),
		supp:    Identity(),
		maxZoom: 1,
	}
}

func (v *Viewport) SetObserver(o TransformObserver) { v.observer = o }
func (v *Viewport) SetScheduler(s Scheduler) { v.schedule = s }

func (v *Viewport) Width() float64 { return v.width }
func (v *Viewport) Height() float64 { return v.height }

// Bitmap is the bitmap currently fitted, or nil.
func (v *Viewport) Bitmap() *RotatedBitmap { return v.bitmap }

// Layout resizes the view and refits the current bitmap.
func (v *Viewport) Layout(width, height int) {
	v.width, v.height = float64(width), float64(height)
	if v.bitmap != nil {
		v.base = v.properBaseMatrix(v.bitmap, true)
		v.maxZoom = v.calcMaxZoom()
	}
	v.changed()
}

// SetBitmap fits b into the view. resetSupp drops the user's zoom and pan.
func (v *Viewport) SetBitmap(b *RotatedBitmap, resetSupp bool) {
	if b.Image() == nil {
		b = nil
	}
	v.bitmap = b
	v.animation++
	if b != nil {
		v.base = v.properBaseMatrix(b, true)
	} else {
		v.base = Identity()
	}
	if resetSupp {
		v.supp = Identity()
	}
	v.maxZoom = v.calcMaxZoom()
	v.changed()
}

// properBaseMatrix fits the bitmap's display size into the view, scaling up
// at most 3x, and centres it.
func (v *Viewport) properBaseMatrix(b *RotatedBitmap, includeRotation bool) Matrix {
	w, h := float64(b.Width()), float64(b.Height())
	if w == 0 || h == 0 || v.width == 0 || v.height == 0 {
		return Identity()
	}
	scale := math.Min(math.Min(v.width/w, maxBaseScale), math.Min(v.height/h, maxBaseScale))
	m := Identity()
	if includeRotation {
		m = b.Matrix()
	}
	return m.Concat(Scale(scale, scale)).
		PostTranslate((v.width-w*scale)/2, (v.height-h*scale)/2)
}

// DisplayMatrix maps unrotated bitmap pixels to the view.
func (v *Viewport) DisplayMatrix() Matrix {
	return v.base.Concat(v.supp)
}

// UnrotatedMatrix maps display-oriented image coordinates to the view.
// Crop rectangles are expressed in that space.
func (v *Viewport) UnrotatedMatrix() Matrix {
	if v.bitmap == nil {
		return v.supp
	}
	return v.properBaseMatrix(v.bitmap, false).Concat(v.supp)
}

// Scale is the user zoom on top of fit-to-view.
func (v *Viewport) Scale() float64 {
	return v.supp.ScaleX()
}

// MaxZoom is the largest Scale allowed.
func (v *Viewport) MaxZoom() float64 {
	return v.maxZoom
}

func (v *Viewport) calcMaxZoom() float64 {
	if v.bitmap == nil || v.width == 0 || v.height == 0 {
		return 1
	}
	fw := float64(v.bitmap.Width()) / v.width
	fh := float64(v.bitmap.Height()) / v.height
	return math.Max(1, math.Max(fw, fh)*4)
}

// ZoomTo sets the zoom around the view point (cx, cy).
func (v *Viewport) ZoomTo(scale, cx, cy float64) {
	scale = math.Min(scale, v.maxZoom)
	old := v.Scale()
	if old == 0 {
		return
	}
	delta := scale / old
	v.supp = v.supp.PostScale(delta, delta, cx, cy)
	v.center(true, true)
	v.changed()
}

// ZoomToAnimated approaches scale over duration using the scheduler. Without
// a scheduler it zooms immediately. A running animation is cancelled.
func (v *Viewport) ZoomToAnimated(scale, cx, cy float64, duration time.Duration) {
	v.animation++
	if v.schedule == nil || duration <= 0 {
		v.ZoomTo(scale, cx, cy)
		return
	}
	gen := v.animation
	from := v.Scale()
	start := time.Now()
	var frame func()
	frame = func() {
		if gen != v.animation {
			return
		}
		elapsed := min(time.Since(start), duration)
		progress := float64(elapsed) / float64(duration)
		v.ZoomTo(from+(scale-from)*progress, cx, cy)
		if elapsed < duration {
			v.schedule(animationFrame, frame)
		}
	}
	v.schedule(0, frame)
}

// ZoomIn zooms one step towards the view centre.
func (v *Viewport) ZoomIn() {
	if v.bitmap == nil || v.Scale() >= v.maxZoom {
		return
	}
	v.supp = v.supp.PostScale(zoomStep, zoomStep, v.width/2, v.height/2)
	v.changed()
}

// ZoomOut zooms one step out, never below fit-to-view.
func (v *Viewport) ZoomOut() {
	if v.bitmap == nil {
		return
	}
	cx, cy := v.width/2, v.height/2
	next := v.supp.PostScale(1/zoomStep, 1/zoomStep, cx, cy)
	if next.ScaleX() < 1 {
		next = Identity()
	}
	v.supp = next
	v.center(true, true)
	v.changed()
}

// PostTranslate pans the view by (dx, dy) view pixels.
func (v *Viewport) PostTranslate(dx, dy float64) {
	v.supp = v.supp.PostTranslate(dx, dy)
	v.changed()
}

// Center pulls the bitmap back into view on the requested axes: centred
// when smaller than the view, otherwise flush with the nearest edge.
func (v *Viewport) Center(horizontal, vertical bool) {
	v.center(horizontal, vertical)
	v.changed()
}

func (v *Viewport) center(horizontal, vertical bool) {
	img := v.bitmap.Image()
	if img == nil {
		return
	}
	b := img.Bounds()
	r := v.DisplayMatrix().MapRect(Rect{0, 0, float64(b.Dx()), float64(b.Dy())})

	var dx, dy float64
	if vertical {
		switch {
		case r.Height() < v.height:
			dy = (v.height-r.Height())/2 - r.Top
		case r.Top > 0:
			dy = -r.Top
		case r.Bottom < v.height:
			dy = v.height - r.Bottom
		}
	}
	if horizontal {
		switch {
		case r.Width() < v.width:
			dx = (v.width-r.Width())/2 - r.Left
		case r.Left > 0:
			dx = -r.Left
		case r.Right < v.width:
			dx = v.width - r.Right
		}
	}
	v.supp = v.supp.PostTranslate(dx, dy)
}

func (v *Viewport) changed() {
	if v.observer != nil {
		v.observer.TransformChanged(v)
	}
}
