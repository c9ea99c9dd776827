package main

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cropkit/crop"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/filesystem"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

//go:embed static
var staticFS embed.FS
var isDebug = os.Getenv("DEBUG") == "1"

type Config struct {
	RootDir   string
	OutputDir string
	// Defaults fill the crop settings a session request leaves out.
	Defaults         CropOperation
	ViewWidth        int
	ViewHeight       int
	OnBeforeShutdown func()
	OnReady          func(addr string)
	OnSaved          func(res SaveResult)
	OnSave           func(ops Operations)
}

type WebApp struct {
	config       Config
	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	mu      sync.Mutex
	session *Session
}

func NewWebApp(config Config) *WebApp {
	if config.OutputDir == "" {
		config.OutputDir = filepath.Join(config.RootDir, "output")
	}
	return &WebApp{
		config:     config,
		shutdownCh: make(chan struct{}),
	}
}

func (a *WebApp) Shutdown() {
	a.shutdownOnce.Do(func() {
		close(a.shutdownCh)
	})
}

type SessionRequest struct {
	File       string `json:"file"`
	AspectX    int    `json:"aspect_x"`
	AspectY    int    `json:"aspect_y"`
	MaxWidth   int    `json:"max_width"`
	MaxHeight  int    `json:"max_height"`
	Format     string `json:"format"`
	Quality    int    `json:"quality"`
	ViewWidth  int    `json:"view_width"`
	ViewHeight int    `json:"view_height"`
}

func (r SessionRequest) operation(defaults CropOperation) CropOperation {
	op := CropOperation{
		Filename:  r.File,
		AspectX:   r.AspectX,
		AspectY:   r.AspectY,
		MaxWidth:  r.MaxWidth,
		MaxHeight: r.MaxHeight,
		Format:    r.Format,
		Quality:   r.Quality,
	}
	if op.AspectX == 0 && op.AspectY == 0 {
		op.AspectX, op.AspectY = defaults.AspectX, defaults.AspectY
	}
	if op.MaxWidth == 0 && op.MaxHeight == 0 {
		op.MaxWidth, op.MaxHeight = defaults.MaxWidth, defaults.MaxHeight
	}
	if op.Format == "" {
		op.Format = defaults.Format
	}
	if op.Quality == 0 {
		op.Quality = defaults.Quality
	}
	return op
}

type pointerRequest struct {
	Action string  `json:"action"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

func parsePointerAction(s string) (crop.PointerAction, error) {
	for _, a := range []crop.PointerAction{crop.PointerDown, crop.PointerMove, crop.PointerUp} {
		if a.String() == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown pointer action %q", s)
}

func (a *WebApp) openSession(ctx context.Context, req SessionRequest) (*Session, error) {
	if req.File == "" {
		return nil, fiber.NewError(http.StatusBadRequest, "file is required")
	}
	op := req.operation(a.config.Defaults)
	opts, err := op.Options()
	if err != nil {
		return nil, fiber.NewError(http.StatusBadRequest, err.Error())
	}

	width, height := req.ViewWidth, req.ViewHeight
	if width <= 0 || height <= 0 {
		width, height = a.config.ViewWidth, a.config.ViewHeight
	}

	a.closeSession()
	id := uuid.NewString()[:8]
	s, err := NewSession(ctx, SessionConfig{
		BaseDir:    a.config.RootDir,
		File:       req.File,
		Output:     filepath.Join(a.config.OutputDir, outputName(req.File, op.ext(), id)),
		ViewWidth:  width,
		ViewHeight: height,
		Options:    opts,
	})
	if err != nil {
		if errors.Is(err, crop.ErrConfig) {
			return nil, fiber.NewError(http.StatusBadRequest, err.Error())
		}
		return nil, fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		a.session.Close()
	}
	a.session = s
	return s, nil
}

func (a *WebApp) currentSession() (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil, fiber.NewError(http.StatusNotFound, "no active session")
	}
	return a.session, nil
}

func (a *WebApp) closeSession() {
	a.mu.Lock()
	s := a.session
	a.session = nil
	a.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

func sessionError(err error) error {
	switch {
	case errors.Is(err, errSaveInProgress):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, crop.ErrSurfaceGone), errors.Is(err, crop.ErrLooperStopped):
		return fiber.NewError(http.StatusGone, err.Error())
	case errors.Is(err, crop.ErrHandshakeTimeout):
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	}
	return err
}

// withSession runs fn against the active session and answers with its state.
func (a *WebApp) withSession(fn func(c *fiber.Ctx, s *Session) (SessionState, error)) fiber.Handler {
	return func(c *fiber.Ctx) error {
		s, err := a.currentSession()
		if err != nil {
			return err
		}
		st, err := fn(c, s)
		if err != nil {
			return sessionError(err)
		}
		return c.JSON(st)
	}
}

func (a *WebApp) newServer(ctx context.Context) *fiber.App {
	webapp := fiber.New(fiber.Config{
		Immutable:             true,
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			log.Ctx(c.Context()).Error().
				Err(err).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Msg("Request failed")
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				if fiberErr.Code == http.StatusNotFound && c.Path() == "/favicon.ico" {
					return nil
				}
				return c.Status(fiberErr.Code).JSON(fiber.Map{"error": fiberErr.Message})
			}
			return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		},
	})

	webapp.Hooks().OnListen(func(listen fiber.ListenData) error {
		if fn := a.config.OnReady; fn != nil {
			fn(fmt.Sprintf("http://%s:%s", listen.Host, listen.Port))
		}
		return nil
	})

	filesRoot := http.Dir(a.config.RootDir)
	webapp.Get("/api/view", func(c *fiber.Ctx) error {
		filePath := c.Query("file")
		return filesystem.SendFile(c, filesRoot, filePath)
	})

	webapp.Get("/api/ls", func(c *fiber.Ctx) error {
		dir, err := walkImages(ctx, a.config.RootDir, filepath.Clean(a.config.OutputDir))
		if err != nil {
			return fmt.Errorf("failed to walk dir: %w", err)
		}

		for i := range dir.Files {
			dir.Files[i].URL = "/api/view?file=" + url.QueryEscape(dir.Files[i].Name)
		}

		var response struct {
			Name  string     `json:"name"`
			Files []FileInfo `json:"files"`
		}
		response.Name = dir.Name
		response.Files = dir.Files

		return c.JSON(response)
	})

	webapp.Post("/api/session", func(c *fiber.Ctx) error {
		var request SessionRequest
		if err := c.BodyParser(&request); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		s, err := a.openSession(ctx, request)
		if err != nil {
			return err
		}
		st, err := s.State(c.UserContext())
		if err != nil {
			return sessionError(err)
		}
		return c.Status(http.StatusCreated).JSON(st)
	})

	webapp.Get("/api/session", a.withSession(func(c *fiber.Ctx, s *Session) (SessionState, error) {
		return s.State(c.UserContext())
	}))

	webapp.Delete("/api/session", func(c *fiber.Ctx) error {
		a.closeSession()
		return c.SendStatus(http.StatusNoContent)
	})

	webapp.Post("/api/pointer", a.withSession(func(c *fiber.Ctx, s *Session) (SessionState, error) {
		var request pointerRequest
		if err := c.BodyParser(&request); err != nil {
			return SessionState{}, fiber.NewError(http.StatusBadRequest, err.Error())
		}
		action, err := parsePointerAction(request.Action)
		if err != nil {
			return SessionState{}, fiber.NewError(http.StatusBadRequest, err.Error())
		}
		return s.Pointer(c.UserContext(), crop.PointerEvent{Action: action, X: request.X, Y: request.Y})
	}))

	webapp.Post("/api/zoom", a.withSession(func(c *fiber.Ctx, s *Session) (SessionState, error) {
		var request struct {
			Direction string `json:"direction"`
		}
		if err := c.BodyParser(&request); err != nil {
			return SessionState{}, fiber.NewError(http.StatusBadRequest, err.Error())
		}
		switch request.Direction {
		case "in":
			return s.Zoom(c.UserContext(), true)
		case "out":
			return s.Zoom(c.UserContext(), false)
		}
		return SessionState{}, fiber.NewError(http.StatusBadRequest, fmt.Sprintf("unknown zoom direction %q", request.Direction))
	}))

	webapp.Post("/api/layout", a.withSession(func(c *fiber.Ctx, s *Session) (SessionState, error) {
		var request ImageInfo
		if err := c.BodyParser(&request); err != nil {
			return SessionState{}, fiber.NewError(http.StatusBadRequest, err.Error())
		}
		if request.Width <= 0 || request.Height <= 0 {
			return SessionState{}, fiber.NewError(http.StatusBadRequest, "view size must be positive")
		}
		return s.Layout(c.UserContext(), request.Width, request.Height)
	}))

	webapp.Get("/api/preview", func(c *fiber.Ctx) error {
		s, err := a.currentSession()
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := s.WritePreview(c.UserContext(), &buf); err != nil {
			if errors.Is(err, errNothingShown) {
				return fiber.NewError(http.StatusNotFound, err.Error())
			}
			return sessionError(err)
		}
		c.Set(fiber.HeaderContentType, "image/png")
		c.Set(fiber.HeaderCacheControl, "no-store")
		return c.Send(buf.Bytes())
	})

	webapp.Post("/api/save", func(c *fiber.Ctx) error {
		s, err := a.currentSession()
		if err != nil {
			return err
		}
		res, err := s.Save(c.UserContext())
		if err != nil {
			if errors.Is(err, errNoCrop) {
				return fiber.NewError(http.StatusConflict, err.Error())
			}
			return sessionError(err)
		}
		if fn := a.config.OnSaved; fn != nil {
			fn(res)
		}
		status := http.StatusOK
		if !res.Saved {
			status = http.StatusUnprocessableEntity
		}
		return c.Status(status).JSON(res)
	})

	webapp.Post("/api/operations", func(c *fiber.Ctx) error {
		var request struct {
			Operations []Operation `json:"operations"`
		}

		if err := c.BodyParser(&request); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}

		if fn := a.config.OnSave; fn != nil {
			fn(request.Operations)
		}

		return c.SendStatus(http.StatusNoContent)
	})

	webapp.Post("/api/shutdown", func(c *fiber.Ctx) error {
		a.Shutdown()
		return nil
	})

	if isDebug {
		log.Debug().Msg("Debug mode enabled, serving static files from './static' directory")
		webapp.Static("/", "static")
	} else {
		log.Debug().Msg("Serving static files from embedded filesystem")
		webapp.Use("/", filesystem.New(filesystem.Config{
			Root:       http.FS(staticFS),
			PathPrefix: "/static",
		}))
	}

	return webapp
}

func (a *WebApp) Run(ctx context.Context) error {
	webapp := a.newServer(ctx)

	go func() {
		select {
		case <-ctx.Done():
		case <-a.shutdownCh:
		}
		if fn := a.config.OnBeforeShutdown; fn != nil {
			fn()
		}
		a.closeSession()
		if err := webapp.ShutdownWithTimeout(5 * time.Second); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("Failed to shutdown web application")
		}
	}()

	// Let the OS assign a random available port
	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", 0))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	// Use the listener that was already created
	if err := webapp.Listener(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
