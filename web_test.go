package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	app    *WebApp
	server *fiber.App
	root   string
	saved  []SaveResult
	ops    []Operations
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	root := t.TempDir()
	writeImage(t, root, "a.png", patternImage(200, 100))

	ts := &testServer{root: root}
	ts.app = NewWebApp(Config{
		RootDir:    root,
		ViewWidth:  400,
		ViewHeight: 300,
		Defaults:   CropOperation{Format: "png"},
		OnSaved:    func(res SaveResult) { ts.saved = append(ts.saved, res) },
		OnSave:     func(ops Operations) { ts.ops = append(ts.ops, ops) },
	})
	ctx, cancel := context.WithCancel(context.Background())
	ts.server = ts.app.newServer(ctx)
	t.Cleanup(func() {
		ts.app.closeSession()
		cancel()
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := ts.server.Test(req, -1)
	require.NoError(t, err)
	defer res.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(res.Body).Decode(out))
	}
	return res.StatusCode
}

func TestWebSessionFlow(t *testing.T) {
	ts := newTestServer(t)

	var st SessionState
	status := ts.do(t, http.MethodPost, "/api/session", SessionRequest{File: "a.png"}, &st)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, st.ID)
	require.Equal(t, 1, st.SampleSize)
	require.Equal(t, ImageInfo{Width: 200, Height: 100}, st.Image)
	require.Equal(t, ImageInfo{Width: 400, Height: 300}, st.View)
	require.Equal(t, &Box{Left: 0, Top: 50, Right: 400, Bottom: 250}, st.ImageBox)
	require.Equal(t, &Box{Left: 60, Top: 10, Right: 140, Bottom: 90}, st.Crop)
	require.Equal(t, &Box{Left: 120, Top: 70, Right: 280, Bottom: 230}, st.Draw)

	// Drag the rectangle 20 view pixels to the right: 10 image pixels.
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/pointer", pointerRequest{Action: "down", X: 200, Y: 150}, &st))
	require.Equal(t, "move", st.Mode)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/pointer", pointerRequest{Action: "move", X: 220, Y: 150}, &st))
	require.Equal(t, &Box{Left: 70, Top: 10, Right: 150, Bottom: 90}, st.Crop)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/pointer", pointerRequest{Action: "up", X: 220, Y: 150}, &st))
	require.Equal(t, "none", st.Mode)

	req := httptest.NewRequest(http.MethodGet, "/api/preview", nil)
	res, err := ts.server.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "image/png", res.Header.Get("Content-Type"))
	preview, err := imaging.Decode(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	require.Equal(t, image.Pt(200, 100), preview.Bounds().Size())

	var saved SaveResult
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/save", nil, &saved))
	require.True(t, saved.Saved, saved.Error)
	require.Equal(t, st.ID, saved.ID)
	require.Equal(t, filepath.Join(ts.root, "output"), filepath.Dir(saved.Output))
	require.Len(t, ts.saved, 1)

	out, err := imaging.Open(saved.Output)
	require.NoError(t, err)
	requireSamePixels(t, imaging.Crop(patternImage(200, 100), image.Rect(70, 10, 150, 90)), out)

	// The crop replaced the rectangle; there is nothing left to save.
	st = SessionState{}
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/session", nil, &st))
	require.Nil(t, st.Crop)
	require.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/save", nil, nil))

	require.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/api/session", nil, nil))
	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/session", nil, nil))
}

func TestWebZoomAndLayout(t *testing.T) {
	ts := newTestServer(t)
	var st SessionState
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/session", SessionRequest{File: "a.png", AspectX: 1, AspectY: 1}, &st))

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/zoom", fiber.Map{"direction": "in"}, &st))
	require.InDelta(t, 1.25, st.Scale, 1e-9)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/zoom", fiber.Map{"direction": "out"}, &st))
	require.InDelta(t, 1, st.Scale, 1e-9)
	require.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/zoom", fiber.Map{"direction": "sideways"}, nil))

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/layout", ImageInfo{Width: 200, Height: 100}, &st))
	require.Equal(t, ImageInfo{Width: 200, Height: 100}, st.View)
	require.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/layout", ImageInfo{}, nil))
}

func TestWebRequestErrors(t *testing.T) {
	ts := newTestServer(t)

	var body map[string]string
	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/session", nil, &body))
	require.Equal(t, "no active session", body["error"])
	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/save", nil, nil))
	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/pointer", pointerRequest{Action: "down"}, nil))

	require.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/session", SessionRequest{}, nil))
	require.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/session", SessionRequest{File: "a.png", Format: "xcf"}, nil))
	require.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/session", SessionRequest{File: "a.png", Quality: 500}, nil))
	require.Equal(t, http.StatusUnprocessableEntity, ts.do(t, http.MethodPost, "/api/session", SessionRequest{File: "missing.png"}, nil))

	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/session", SessionRequest{File: "a.png"}, nil))
	require.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/pointer", pointerRequest{Action: "hover"}, nil))
}

func TestWebSessionReplacesPrevious(t *testing.T) {
	ts := newTestServer(t)
	var first, second SessionState
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/session", SessionRequest{File: "a.png"}, &first))
	s, err := ts.app.currentSession()
	require.NoError(t, err)

	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/session", SessionRequest{File: "a.png"}, &second))
	require.NotEqual(t, first.ID, second.ID)
	<-s.Done()
}

func TestWebListAndOperations(t *testing.T) {
	ts := newTestServer(t)

	var listing struct {
		Files []FileInfo `json:"files"`
	}
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/ls", nil, &listing))
	require.Len(t, listing.Files, 1)
	require.Equal(t, "a.png", listing.Files[0].Name)
	require.Equal(t, "/api/view?file=a.png", listing.Files[0].URL)
	require.Equal(t, ImageInfo{Width: 200, Height: 100}, listing.Files[0].Image)

	req := httptest.NewRequest(http.MethodGet, listing.Files[0].URL, nil)
	res, err := ts.server.Test(req, -1)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	body := fiber.Map{"operations": []fiber.Map{{
		"type":     "crop",
		"filename": "a.png",
		"crop":     fiber.Map{"x": 0, "y": 0, "w": 0.5, "h": 0.5},
	}}}
	require.Equal(t, http.StatusNoContent, ts.do(t, http.MethodPost, "/api/operations", body, nil))
	require.Len(t, ts.ops, 1)
	require.Equal(t, "a.png", ts.ops[0][0].Crop.Filename)
}
