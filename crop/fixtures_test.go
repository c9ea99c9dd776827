package crop

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
)

// patternImage is an opaque image whose pixels encode their own position.
func patternImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{uint8(x), uint8(y), uint8(x*7 + y*3), 0xff})
		}
	}
	return img
}

func encodeBMP(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, bmp.Encode(&buf, img))
	return buf.Bytes()
}

func encodeImage(t *testing.T, img image.Image, format imaging.Format) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, format))
	return buf.Bytes()
}

func requireSamePixels(t *testing.T, want, got image.Image) {
	t.Helper()
	w, g := imaging.Clone(want), imaging.Clone(got)
	require.Equal(t, w.Bounds().Size(), g.Bounds().Size())
	require.Equal(t, w.Pix, g.Pix)
}

// memResolver serves inputs from memory and records outputs.
type memResolver struct {
	mu      sync.Mutex
	inputs  map[string][]byte
	outputs map[string]*bytes.Buffer
	opened  int
	failOut error
	onOpen  func(ref string)
}

func newMemResolver() *memResolver {
	return &memResolver{
		inputs:  map[string][]byte{},
		outputs: map[string]*bytes.Buffer{},
	}
}

func (m *memResolver) Open(ref string) (io.ReadCloser, error) {
	m.mu.Lock()
	data, ok := m.inputs[ref]
	if ok {
		m.opened++
	}
	hook := m.onOpen
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("open %s: %w", ref, os.ErrNotExist)
	}
	if hook != nil {
		hook(ref)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memResolver) setOnOpen(fn func(ref string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOpen = fn
}

func (m *memResolver) Create(ref string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOut != nil {
		return nil, m.failOut
	}
	buf := &bytes.Buffer{}
	m.outputs[ref] = buf
	return nopWriteCloser{buf}, nil
}

func (m *memResolver) output(ref string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if buf, ok := m.outputs[ref]; ok {
		return buf.Bytes()
	}
	return nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
