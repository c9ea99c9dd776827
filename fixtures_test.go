package main

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

func patternImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{uint8(x), uint8(y), uint8(x ^ y), 0xff})
		}
	}
	return img
}

func writeImage(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, imaging.Save(img, path))
	return path
}

func writeZstdImage(t *testing.T, dir, name string, img image.Image, format imaging.Format) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	zw, err := zstd.NewWriter(f)
	require.NoError(t, err)
	require.NoError(t, imaging.Encode(zw, img, format))
	require.NoError(t, zw.Close())
	return path
}

func requireSamePixels(t *testing.T, want, got image.Image) {
	t.Helper()
	w, g := imaging.Clone(want), imaging.Clone(got)
	require.Equal(t, w.Bounds().Size(), g.Bounds().Size())
	require.Equal(t, w.Pix, g.Pix)
}
