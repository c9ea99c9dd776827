package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"cropkit/crop"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	errSaveInProgress = errors.New("a save is already in progress")
	errNoCrop         = errors.New("no crop rectangle")
	errNothingShown   = errors.New("nothing is displayed")
)

const (
	defaultViewWidth  = 1024
	defaultViewHeight = 768
)

type SessionConfig struct {
	BaseDir    string
	File       string
	Output     string
	ViewWidth  int
	ViewHeight int
	// Timeout bounds every round trip to the session's owner loop.
	Timeout time.Duration
	Options []crop.Option
}

type Box struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

func boxOf(r crop.Rect) *Box {
	return &Box{Left: r.Left, Top: r.Top, Right: r.Right, Bottom: r.Bottom}
}

type SessionState struct {
	ID         string    `json:"id"`
	File       string    `json:"file"`
	Output     string    `json:"output"`
	SampleSize int       `json:"sample_size"`
	Rotation   int       `json:"rotation"`
	Image      ImageInfo `json:"image"`
	View       ImageInfo `json:"view"`
	Scale      float64   `json:"scale"`
	MaxZoom    float64   `json:"max_zoom"`
	// ImageBox is where the upright preview lands in view coordinates.
	ImageBox *Box   `json:"image_box,omitempty"`
	Crop     *Box   `json:"crop,omitempty"`
	Draw     *Box   `json:"draw,omitempty"`
	Mode     string `json:"mode,omitempty"`
	Saving   bool   `json:"saving"`
	Error    bool   `json:"error"`
}

type SaveResult struct {
	ID     string `json:"id"`
	File   string `json:"file"`
	Output string `json:"output,omitempty"`
	Saved  bool   `json:"saved"`
	Error  string `json:"error,omitempty"`
	Fatal  bool   `json:"fatal,omitempty"`
}

type sessionEvent struct {
	output string
	failed bool
	err    error
	fatal  bool
}

// Session is one crop session on its own owner loop.
type Session struct {
	ID     string
	File   string
	Output string

	loop    *crop.Looper
	surface *crop.Surface
	ctrl    *crop.Controller
	cancel  context.CancelFunc
	timeout time.Duration
	events  chan sessionEvent
	saveMu  sync.Mutex

	closeOnce sync.Once
}

// NewSession opens cfg.File and shows it on a fresh surface. Setup failures
// are returned after the session has been torn down.
func NewSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.ViewWidth <= 0 || cfg.ViewHeight <= 0 {
		cfg.ViewWidth, cfg.ViewHeight = defaultViewWidth, defaultViewHeight
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = crop.DefaultHandshakeTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:      uuid.NewString(),
		File:    cfg.File,
		Output:  cfg.Output,
		cancel:  cancel,
		timeout: cfg.Timeout,
		events:  make(chan sessionEvent, 16),
	}
	ctx = log.Ctx(ctx).With().Str("session", s.ID).Logger().WithContext(ctx)

	s.loop = crop.NewLooper(64).Start(ctx)
	s.surface = crop.NewSurface(s.loop, cfg.ViewWidth, cfg.ViewHeight)

	opts := append([]crop.Option{
		crop.WithResolver(crop.FileResolver{BaseDir: cfg.BaseDir}),
		crop.WithHandshakeTimeout(cfg.Timeout),
	}, cfg.Options...)
	opts = append(opts,
		crop.WithFinishedListener(crop.FinishedFuncs{
			Finished: func(output string) { s.push(sessionEvent{output: output}) },
			Failed:   func() { s.push(sessionEvent{failed: true}) },
		}),
		crop.WithErrorListener(crop.ErrorFuncs{
			Error: func(err error) { s.push(sessionEvent{err: err}) },
			Fatal: func(err error) { s.push(sessionEvent{err: err, fatal: true}) },
		}),
	)

	ctrl, err := crop.New(ctx, s.surface, cfg.File, cfg.Output, opts...)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.ctrl = ctrl

	if ctrl.HasError() || !ctrl.Start() {
		err := s.fatalError(ctx)
		s.Close()
		return nil, err
	}
	// Start queued the rectangle; a round trip makes it visible.
	if err := s.loop.Call(ctx, s.timeout, func(context.Context) {}); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	return s, nil
}

func (s *Session) push(ev sessionEvent) {
	select {
	case s.events <- ev:
	default:
		log.Warn().Str("session", s.ID).Msg("dropped session event")
	}
}

// flush waits until callbacks posted so far have been delivered.
func (s *Session) flush(ctx context.Context) {
	err := s.loop.Call(ctx, s.timeout, func(context.Context) {})
	if err != nil && !errors.Is(err, crop.ErrLooperStopped) {
		log.Ctx(ctx).Warn().Err(err).Str("session", s.ID).Msg("failed to flush session events")
	}
}

func (s *Session) fatalError(ctx context.Context) error {
	s.flush(ctx)
	for {
		select {
		case ev := <-s.events:
			if ev.fatal {
				return ev.err
			}
		default:
			return fmt.Errorf("failed to open %s", s.File)
		}
	}
}

func (s *Session) call(ctx context.Context, fn func()) error {
	if !s.surface.Alive() {
		return crop.ErrSurfaceGone
	}
	return s.loop.Call(ctx, s.timeout, func(context.Context) { fn() })
}

// state reads the session. Runs on the owner loop.
func (s *Session) state() SessionState {
	st := SessionState{
		ID:         s.ID,
		File:       s.File,
		Output:     s.Output,
		SampleSize: s.ctrl.SampleSize(),
		Rotation:   s.ctrl.ExifRotation(),
		Saving:     s.surface.Saving(),
		Error:      s.ctrl.HasError(),
	}
	v := s.surface.Viewport()
	st.View = ImageInfo{Width: int(v.Width()), Height: int(v.Height())}
	st.Scale = v.Scale()
	st.MaxZoom = v.MaxZoom()
	if bm := s.surface.Bitmap(); bm != nil {
		st.Image = ImageInfo{Width: bm.Width(), Height: bm.Height()}
		st.ImageBox = boxOf(v.UnrotatedMatrix().MapRect(crop.Rect{
			Right:  float64(bm.Width()),
			Bottom: float64(bm.Height()),
		}))
	}
	if hv := s.ctrl.CropView(); hv != nil {
		st.Crop = boxOf(hv.CropRect())
		st.Draw = boxOf(hv.DrawRect())
		st.Mode = hv.Mode().String()
	}
	return st
}

func (s *Session) State(ctx context.Context) (SessionState, error) {
	var st SessionState
	err := s.call(ctx, func() { st = s.state() })
	return st, err
}

// Pointer feeds a pointer sample, in view coordinates, to the surface.
func (s *Session) Pointer(ctx context.Context, ev crop.PointerEvent) (SessionState, error) {
	var st SessionState
	err := s.call(ctx, func() {
		s.surface.HandlePointer(ev)
		st = s.state()
	})
	return st, err
}

func (s *Session) Zoom(ctx context.Context, in bool) (SessionState, error) {
	var st SessionState
	err := s.call(ctx, func() {
		if in {
			s.surface.Viewport().ZoomIn()
		} else {
			s.surface.Viewport().ZoomOut()
		}
		st = s.state()
	})
	return st, err
}

func (s *Session) Layout(ctx context.Context, width, height int) (SessionState, error) {
	if width <= 0 || height <= 0 {
		return SessionState{}, fmt.Errorf("invalid view size %dx%d", width, height)
	}
	var st SessionState
	err := s.call(ctx, func() {
		s.surface.Layout(width, height)
		st = s.state()
	})
	return st, err
}

// SetCrop places the rectangle from a crop relative to the preview.
func (s *Session) SetCrop(ctx context.Context, c Crop) error {
	if err := c.Validate(); err != nil {
		return err
	}
	var width, height int
	if err := s.call(ctx, func() {
		if preview := s.ctrl.Preview(); !preview.Released() {
			width, height = preview.Width(), preview.Height()
		}
	}); err != nil {
		return err
	}
	if width == 0 || height == 0 {
		return errNothingShown
	}
	r := c.Rect(width, height)
	ok, err := s.ctrl.SetCropRect(ctx, r)
	if err != nil {
		return fmt.Errorf("failed to place crop: %w", err)
	}
	if !ok {
		return fmt.Errorf("%s does not fit the image", c)
	}
	return nil
}

// WritePreview encodes the displayed bitmap, upright, as PNG.
func (s *Session) WritePreview(ctx context.Context, w io.Writer) error {
	var encErr error
	err := s.call(ctx, func() {
		bm := s.surface.Bitmap()
		if bm == nil || bm.Released() {
			encErr = errNothingShown
			return
		}
		encErr = imaging.Encode(w, bm.Upright(), imaging.PNG)
	})
	if err != nil {
		return err
	}
	return encErr
}

// Save runs the crop and collects what the listeners reported about it.
func (s *Session) Save(ctx context.Context) (SaveResult, error) {
	res := SaveResult{ID: s.ID, File: s.File}
	if !s.saveMu.TryLock() {
		return res, errSaveInProgress
	}
	defer s.saveMu.Unlock()
	s.drain()

	if s.ctrl.CropView() == nil && !s.ctrl.HasError() {
		return res, errNoCrop
	}

	res.Saved = s.ctrl.Save(ctx)
	s.flush(ctx)
	for _, ev := range s.drain() {
		switch {
		case ev.output != "":
			res.Output = ev.output
		case ev.err != nil:
			res.Error = ev.err.Error()
			res.Fatal = res.Fatal || ev.fatal
		case ev.failed && res.Error == "":
			res.Error = "crop failed"
		}
	}
	if !res.Saved && res.Error == "" {
		res.Error = "crop was not saved"
	}
	return res, nil
}

func (s *Session) drain() []sessionEvent {
	var evs []sessionEvent
	for {
		select {
		case ev := <-s.events:
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

// Close releases the session and stops its owner loop. Safe to call more
// than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.ctrl != nil {
			s.ctrl.Release()
			// Let the release task run before the loop goes away.
			s.flush(context.Background())
		}
		s.surface.Close()
		s.loop.Stop()
		s.cancel()
	})
}

func (s *Session) Done() <-chan struct{} {
	return s.loop.Done()
}
