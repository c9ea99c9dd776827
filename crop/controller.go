package crop

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Controller runs one crop session: it decodes a preview for the surface,
// lets the user shape a crop rectangle there, and on Save decodes the chosen
// region at full resolution, scales it and encodes it to the output.
//
// The controller keeps only a weak reference to its Surface. Every hop to the
// owner loop re-checks that the surface is still alive.
type Controller struct {
	cfg    config
	input  string
	output string
	log    *zerolog.Logger

	surface weak.Pointer[Surface]
	loop    *Looper

	exifRotation int
	sampleSize   int
	preview      *RotatedBitmap

	cropView atomic.Pointer[Highlight]
	saving   atomic.Bool
	errored  atomic.Bool
	released atomic.Bool

	mu       sync.Mutex
	finished FinishedListener
	errs     ErrorListener
}

// New creates a session reading input and writing output, both resolved by
// the configured Resolver. Invalid options and empty references are returned
// as ErrConfig. Failures while preparing the preview do not fail New: they
// are reported to the error listener as fatal and HasError turns true.
func New(ctx context.Context, surface *Surface, input, output string, opts ...Option) (*Controller, error) {
	if input == "" {
		return nil, fmt.Errorf("%w: missing input", ErrConfig)
	}
	if output == "" {
		return nil, fmt.Errorf("%w: missing output", ErrConfig)
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if !cfg.formatSet {
		if f, err := imaging.FormatFromFilename(output); err == nil {
			cfg.format = f
		}
	}

	c := &Controller{
		cfg:      cfg,
		input:    input,
		output:   output,
		log:      log.Ctx(ctx),
		finished: cfg.finished,
		errs:     cfg.errs,
	}
	if surface != nil {
		c.surface = weak.Make(surface)
		c.loop = surface.Looper()
	}
	c.setup()
	return c, nil
}

func (c *Controller) setup() {
	if c.resolveSurface() == nil {
		c.fail(ErrSurfaceGone)
		return
	}

	if err := c.withInput(func(r io.Reader) error {
		c.exifRotation = c.cfg.exif.Rotation(r)
		return nil
	}); err != nil {
		c.fail(err)
		return
	}

	var bounds image.Rectangle
	if err := c.withInput(func(r io.Reader) (err error) {
		bounds, err = decodeBounds(r)
		return err
	}); err != nil {
		c.fail(err)
		return
	}

	limit := 0
	if c.cfg.textureLimit != nil {
		limit = c.cfg.textureLimit()
	}
	c.sampleSize = SampleSize(bounds.Dx(), bounds.Dy(), MaxImageSize(limit))

	var img image.Image
	if err := c.withInput(func(r io.Reader) (err error) {
		img, err = decodePreview(r, c.sampleSize)
		return err
	}); err != nil {
		c.fail(err)
		return
	}
	c.preview = NewRotatedBitmap(img, c.exifRotation)

	c.log.Debug().
		Str("input", c.input).
		Int("width", bounds.Dx()).
		Int("height", bounds.Dy()).
		Int("sampleSize", c.sampleSize).
		Int("rotation", c.exifRotation).
		Msg("decoded preview")
}

func (c *Controller) withInput(fn func(r io.Reader) error) error {
	r, err := c.cfg.resolver.Open(c.input)
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	defer r.Close()
	return fn(r)
}

// Start shows the preview on the surface and attaches the default crop
// rectangle. It returns false if the session errored, was released, or the
// surface is gone.
func (c *Controller) Start() bool {
	if c.errored.Load() || c.released.Load() {
		return false
	}
	s := c.resolveSurface()
	if s == nil {
		c.fail(ErrSurfaceGone)
		return false
	}
	preview := c.preview
	posted := s.Looper().Post(func(context.Context) {
		if !s.Alive() || c.released.Load() {
			return
		}
		s.SetBitmap(preview, true)
		if s.Viewport().Scale() == 1 {
			s.Viewport().Center(true, true)
		}
		c.crop(s, preview)
	})
	if !posted {
		c.fail(ErrSurfaceGone)
		return false
	}
	return true
}

// crop attaches the default rectangle. Runs on the owner loop.
func (c *Controller) crop(s *Surface, preview *RotatedBitmap) {
	w, h := preview.Width(), preview.Height()
	imageRect := Rect{0, 0, float64(w), float64(h)}
	cropRect := DefaultCropRect(w, h, c.cfg.aspectX, c.cfg.aspectY)
	fixed := c.cfg.aspectX > 0 && c.cfg.aspectY > 0

	hv := NewHighlight(s.Viewport().UnrotatedMatrix(), imageRect, cropRect, fixed)
	s.Add(hv)
	s.SetFocus(hv)
	c.cropView.Store(hv)
}

// Save crops, scales and encodes the current selection. It blocks while the
// owner loop updates the surface, so it must run on a worker goroutine;
// calling it from an owner task panics with ErrSaveOnOwner.
//
// Save reports whether the crop was written. Only one Save runs at a time;
// concurrent calls return false immediately. Every call that gets past that
// guard ends with exactly one of OnCropFinished, OnCropFailed or OnFatalError.
func (c *Controller) Save(ctx context.Context) bool {
	if OnOwner(ctx) {
		panic(ErrSaveOnOwner)
	}
	hv := c.cropView.Load()
	if c.errored.Load() || c.released.Load() || hv == nil {
		return false
	}
	if !c.saving.CompareAndSwap(false, true) {
		return false
	}
	defer c.saving.Store(false)

	s := c.resolveSurface()
	if s == nil {
		c.fail(ErrSurfaceGone)
		return false
	}

	// Queued behind every hop of this save, so it also undoes an abandoned snapshot.
	defer s.Looper().Post(func(context.Context) {
		if s.Alive() {
			s.SetSaving(false)
		}
	})

	var rect image.Rectangle
	if err := c.call(ctx, s, func() {
		rect = hv.ScaledCropRect(c.sampleSize)
		s.SetSaving(true)
	}); err != nil {
		if errors.Is(err, ErrSurfaceGone) {
			c.fail(err)
			return false
		}
		// No snapshot, nothing to crop.
		c.reportError(err)
		c.dispatchFailed()
		return false
	}
	if c.released.Load() {
		return false
	}

	outW, outH := outputSize(rect.Dx(), rect.Dy(), c.cfg.maxWidth, c.cfg.maxHeight)
	c.log.Debug().
		Stringer("rect", rect).
		Int("outWidth", outW).
		Int("outHeight", outH).
		Msg("saving crop")

	bm, err := c.decodeRegionCrop(ctx, s, rect, outW, outH)
	if err != nil {
		if isFatal(err) {
			c.fail(err)
			return false
		}
		c.log.Warn().Err(err).Msg("crop failed")
		c.dispatchFailed()
		return false
	}

	// 0: pending, 1: shown on the surface, 2: abandoned by a failed handshake.
	var install atomic.Int32
	if err := c.call(ctx, s, func() {
		if !install.CompareAndSwap(0, 1) {
			return
		}
		s.ClearHighlights()
		c.cropView.Store(nil)
		s.SetBitmap(bm, true)
		s.Viewport().Center(true, true)
	}); err != nil {
		install.CompareAndSwap(0, 2)
		if errors.Is(err, ErrSurfaceGone) {
			if install.Load() != 1 {
				bm.Release()
			}
			c.fail(err)
			return false
		}
		c.reportError(err)
	}

	if err := c.saveOutput(ctx, s, bm, install.Load() == 1); err != nil {
		if isFatal(err) {
			c.fail(err)
			return false
		}
		c.reportError(err)
		c.dispatchFailed()
		return false
	}
	c.log.Info().Str("output", c.output).Msg("crop saved")
	c.dispatchFinished(c.output)
	return true
}

// decodeRegionCrop decodes the full-resolution pixels under rect (display
// orientation) and scales them down to at most outW x outH.
func (c *Controller) decodeRegionCrop(ctx context.Context, s *Surface, rect image.Rectangle, outW, outH int) (*RotatedBitmap, error) {
	// Give back the preview's memory before the full-resolution decode.
	if err := c.call(ctx, s, func() { s.Clear() }); err != nil {
		if errors.Is(err, ErrSurfaceGone) {
			return nil, err
		}
		c.reportError(err)
	}

	r, err := c.cfg.resolver.Open(c.input)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer r.Close()

	dec, err := NewRegionDecoder(r)
	if err != nil {
		return nil, err
	}
	bounds := dec.Bounds()
	srcRect := unrotateRect(rect, c.exifRotation, bounds.Dx(), bounds.Dy())
	if srcRect.Empty() || !srcRect.In(bounds) {
		return nil, &RegionError{Rect: srcRect, Bounds: bounds, Rotation: c.exifRotation}
	}

	img, err := dec.DecodeRegion(srcRect)
	if err != nil {
		return nil, fmt.Errorf("failed to decode region: %w", err)
	}
	if img == nil || img.Bounds().Empty() {
		return nil, ErrNoPixels
	}

	// The region is unrotated, so are its bounds.
	w, h := outW, outH
	if c.exifRotation == 90 || c.exifRotation == 270 {
		w, h = h, w
	}
	if b := img.Bounds(); b.Dx() > w || b.Dy() > h {
		img = imaging.Resize(img, w, h, imaging.Lanczos)
	}
	return NewRotatedBitmap(img, c.exifRotation), nil
}

// saveOutput encodes bm upright to the output. The bitmap is released and the
// surface cleared afterwards whatever the outcome.
func (c *Controller) saveOutput(ctx context.Context, s *Surface, bm *RotatedBitmap, installed bool) (err error) {
	defer func() {
		if !installed {
			bm.Release()
			return
		}
		cerr := c.call(ctx, s, func() { s.Clear() })
		switch {
		case cerr == nil:
		case errors.Is(cerr, ErrSurfaceGone):
			bm.Release()
		default:
			c.reportError(cerr)
		}
	}()

	if c.output == "" {
		return ErrNoOutput
	}
	w, err := c.cfg.resolver.Create(c.output)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	if err := encode(w, bm.Upright(), c.cfg.format, c.cfg.quality); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func isFatal(err error) bool {
	var regionErr *RegionError
	return errors.As(err, &regionErr) ||
		errors.Is(err, ErrSurfaceGone) ||
		errors.Is(err, ErrNoOutput)
}

// call runs fn on the surface's owner loop and waits for it. fn is skipped
// once the session is released. A dead surface or stopped loop yields
// ErrSurfaceGone; a timeout or cancelled ctx is returned as is.
func (c *Controller) call(ctx context.Context, s *Surface, fn func()) error {
	gone := false
	err := s.Looper().Call(ctx, c.cfg.handshakeTimeout, func(context.Context) {
		if !s.Alive() {
			gone = true
			return
		}
		if c.released.Load() {
			return
		}
		fn()
	})
	switch {
	case errors.Is(err, ErrLooperStopped):
		return fmt.Errorf("%w: %w", ErrSurfaceGone, err)
	case err != nil:
		return err
	case gone:
		return ErrSurfaceGone
	}
	return nil
}

// Release ends the session. It detaches the listeners, removes the crop
// rectangle and drops the preview. A Save in flight keeps running but no
// longer touches the surface. Release is idempotent and safe from any
// goroutine.
func (c *Controller) Release() {
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	c.finished, c.errs = nil, nil
	c.mu.Unlock()

	c.cropView.Store(nil)
	preview := c.preview
	s := c.surface.Value()
	if s.Alive() && s.Looper().Post(func(context.Context) {
		if !s.Alive() {
			preview.Release()
			return
		}
		s.ClearHighlights()
		// An in-flight Save owns the displayed bitmap and clears it itself.
		if !c.saving.Load() {
			s.Clear()
		}
		preview.Release()
	}) {
		return
	}
	preview.Release()
}

func (c *Controller) resolveSurface() *Surface {
	if c.released.Load() {
		return nil
	}
	s := c.surface.Value()
	if !s.Alive() {
		return nil
	}
	return s
}

// HasError reports whether a fatal error ended the session.
func (c *Controller) HasError() bool { return c.errored.Load() }

// IsSaving reports whether a Save is in progress.
func (c *Controller) IsSaving() bool { return c.saving.Load() }

// Released reports whether Release was called.
func (c *Controller) Released() bool { return c.released.Load() }

// SampleSize is the preview downsampling factor.
func (c *Controller) SampleSize() int { return c.sampleSize }

// ExifRotation is the rotation read from the input, in degrees.
func (c *Controller) ExifRotation() int { return c.exifRotation }

// Preview is the decoded preview bitmap; nil when setup failed.
func (c *Controller) Preview() *RotatedBitmap { return c.preview }

// CropView is the active crop rectangle, or nil before Start and after a
// save was confirmed. It is confined to the owner loop.
func (c *Controller) CropView() *Highlight { return c.cropView.Load() }

// CropRect reads the active rectangle, in preview coordinates, from the
// owner loop.
func (c *Controller) CropRect(ctx context.Context) (Rect, error) {
	hv := c.cropView.Load()
	s := c.resolveSurface()
	if hv == nil || s == nil {
		return Rect{}, ErrSurfaceGone
	}
	var r Rect
	if err := c.call(ctx, s, func() { r = hv.CropRect() }); err != nil {
		return Rect{}, err
	}
	return r, nil
}

// SetCropRect places the active rectangle, in preview coordinates, from any
// goroutine. It reports whether the rectangle was accepted.
func (c *Controller) SetCropRect(ctx context.Context, r Rect) (bool, error) {
	hv := c.cropView.Load()
	s := c.resolveSurface()
	if hv == nil || s == nil {
		return false, ErrSurfaceGone
	}
	ok := false
	if err := c.call(ctx, s, func() { ok = hv.SetCropRect(r) }); err != nil {
		return false, err
	}
	return ok, nil
}

func (c *Controller) fail(err error) {
	c.errored.Store(true)
	c.log.Error().Err(err).Str("input", c.input).Msg("crop session failed")
	if _, errs := c.listeners(); errs != nil {
		c.dispatch(func() { errs.OnFatalError(err) })
	}
}

func (c *Controller) reportError(err error) {
	c.log.Warn().Err(err).Msg("crop session error")
	if _, errs := c.listeners(); errs != nil {
		c.dispatch(func() { errs.OnError(err) })
	}
}

func (c *Controller) dispatchFinished(output string) {
	if finished, _ := c.listeners(); finished != nil {
		c.dispatch(func() { finished.OnCropFinished(output) })
	}
}

func (c *Controller) dispatchFailed() {
	if finished, _ := c.listeners(); finished != nil {
		c.dispatch(func() { finished.OnCropFailed() })
	}
}

func (c *Controller) listeners() (FinishedListener, ErrorListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished, c.errs
}

// dispatch delivers a listener callback on the owner loop, or directly when
// the loop no longer runs.
func (c *Controller) dispatch(fn func()) {
	if c.loop != nil && c.loop.Post(func(context.Context) { fn() }) {
		return
	}
	fn()
}
