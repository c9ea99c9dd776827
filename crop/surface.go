package crop

import (
	"context"
	"math"
	"sync/atomic"
	"time"
)

// PointerAction is the phase of a pointer gesture.
type PointerAction int

const (
	PointerDown PointerAction = iota
	PointerMove
	PointerUp
)

func (a PointerAction) String() string {
	switch a {
	case PointerDown:
		return "down"
	case PointerMove:
		return "move"
	case PointerUp:
		return "up"
	}
	return "unknown"
}

// PointerEvent is a pointer sample in view coordinates.
type PointerEvent struct {
	Action PointerAction
	X, Y   float64
}

const (
	recenterThreshold = 0.1
	recenterFill      = 0.6
	recenterDuration  = 300 * time.Millisecond
)

// Surface is the interactive state a crop session draws on: the displayed
// bitmap, the viewport and the attached crop rectangles. Everything except
// Alive, Close and Looper must be called from tasks on the owner loop.
type Surface struct {
	loop       *Looper
	viewport   *Viewport
	bitmap     *RotatedBitmap
	highlights []*Highlight

	motion       *Highlight
	motionHandle Handle
	lastX, lastY float64

	saving bool
	closed atomic.Bool
}

// NewSurface creates a surface of the given view size driven by loop.
func NewSurface(loop *Looper, width, height int) *Surface {
	s := &Surface{
		loop:     loop,
		viewport: NewViewport(width, height),
	}
	s.viewport.SetObserver(s)
	if loop != nil {
		s.viewport.SetScheduler(func(delay time.Duration, fn func()) {
			loop.PostDelayed(delay, func(context.Context) {
				if s.Alive() {
					fn()
				}
			})
		})
	}
	return s
}

// Looper is the owner loop of the surface.
func (s *Surface) Looper() *Looper {
	return s.loop
}

// Alive reports whether the surface can still take work. Safe from any goroutine.
func (s *Surface) Alive() bool {
	return s != nil && !s.closed.Load() && s.loop != nil && !s.loop.Stopped()
}

// Close tears the surface down. Safe from any goroutine.
func (s *Surface) Close() {
	s.closed.Store(true)
}

func (s *Surface) Viewport() *Viewport {
	return s.viewport
}

func (s *Surface) Bitmap() *RotatedBitmap {
	return s.bitmap
}

// SetBitmap displays b, releasing the bitmap it replaces.
func (s *Surface) SetBitmap(b *RotatedBitmap, resetSupp bool) {
	if s.bitmap != nil && s.bitmap != b {
		s.bitmap.Release()
	}
	s.bitmap = b
	s.viewport.SetBitmap(b, resetSupp)
}

// Clear removes and releases the displayed bitmap.
func (s *Surface) Clear() {
	s.SetBitmap(nil, true)
}

// Add attaches a crop rectangle, binding it to the current transform.
func (s *Surface) Add(h *Highlight) {
	h.SetMatrix(s.viewport.UnrotatedMatrix())
	s.highlights = append(s.highlights, h)
}

// Highlights returns the attached rectangles in attachment order.
func (s *Surface) Highlights() []*Highlight {
	return append([]*Highlight(nil), s.highlights...)
}

// ClearHighlights detaches every rectangle.
func (s *Surface) ClearHighlights() {
	s.highlights = nil
	s.motion = nil
}

// SetFocus gives h the focus and takes it from every other rectangle.
func (s *Surface) SetFocus(h *Highlight) {
	for _, hv := range s.highlights {
		hv.SetFocus(hv == h)
	}
}

// Focused returns the rectangle holding the focus, or nil.
func (s *Surface) Focused() *Highlight {
	for _, hv := range s.highlights {
		if hv.HasFocus() {
			return hv
		}
	}
	return nil
}

func (s *Surface) SetSaving(saving bool) { s.saving = saving }
func (s *Surface) Saving() bool { return s.saving }

// Layout resizes the view and keeps the focused rectangle in sight.
func (s *Surface) Layout(width, height int) {
	s.viewport.Layout(width, height)
	if s.bitmap == nil {
		return
	}
	for _, hv := range s.highlights {
		if hv.HasFocus() {
			s.centerOn(hv)
		}
	}
}

// TransformChanged rebinds every rectangle to the viewport's new transform.
func (s *Surface) TransformChanged(v *Viewport) {
	m := v.UnrotatedMatrix()
	for _, hv := range s.highlights {
		hv.SetMatrix(m)
	}
}

// HandlePointer routes a pointer sample. Input is ignored while saving.
func (s *Surface) HandlePointer(ev PointerEvent) bool {
	if s.saving {
		return false
	}

	switch ev.Action {
	case PointerDown:
		for _, hv := range s.highlights {
			handle := hv.HitTest(ev.X, ev.Y)
			if handle == HandleNone {
				continue
			}
			s.motion = hv
			s.motionHandle = handle
			s.lastX, s.lastY = ev.X, ev.Y
			hv.SetMode(handle.Mode())
			break
		}
	case PointerUp:
		if s.motion != nil {
			s.centerOn(s.motion)
			s.motion.SetMode(ModeNone)
		}
		s.motion = nil
		s.viewport.Center(true, true)
	case PointerMove:
		if s.motion != nil {
			s.motion.HandleMotion(s.motionHandle, ev.X-s.lastX, ev.Y-s.lastY)
			s.lastX, s.lastY = ev.X, ev.Y
			s.ensureVisible(s.motion)
		}
		// Not zoomed: panning makes no sense, snap back.
		if s.viewport.Scale() == 1 {
			s.viewport.Center(true, true)
		}
	}
	return true
}

// ensureVisible pans so the rectangle's view projection is on screen.
func (s *Surface) ensureVisible(hv *Highlight) {
	r := hv.DrawRect()
	w, h := s.viewport.Width(), s.viewport.Height()

	panX1 := math.Max(0, -r.Left)
	panX2 := math.Min(0, w-r.Right)
	panY1 := math.Max(0, -r.Top)
	panY2 := math.Min(0, h-r.Bottom)

	panX, panY := panX2, panY2
	if panX1 != 0 {
		panX = panX1
	}
	if panY1 != 0 {
		panY = panY1
	}
	if panX != 0 || panY != 0 {
		s.viewport.PostTranslate(panX, panY)
	}
}

// centerOn zooms towards the rectangle when its on-screen size is more than
// 10% off from filling 60% of the view, then makes it visible.
func (s *Surface) centerOn(hv *Highlight) {
	r := hv.DrawRect()
	if r.Width() > 0 && r.Height() > 0 {
		z1 := s.viewport.Width() / r.Width() * recenterFill
		z2 := s.viewport.Height() / r.Height() * recenterFill
		zoom := math.Max(1, math.Min(z1, z2)*s.viewport.Scale())

		if math.Abs(zoom-s.viewport.Scale())/zoom > recenterThreshold {
			crop := hv.CropRect()
			cx, cy := s.viewport.UnrotatedMatrix().MapPoint(crop.CenterX(), crop.CenterY())
			s.viewport.ZoomToAnimated(zoom, cx, cy, recenterDuration)
		}
	}
	s.ensureVisible(hv)
}
