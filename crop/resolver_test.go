package crop

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

func TestFileResolver(t *testing.T) {
	dir := t.TempDir()
	fr := FileResolver{BaseDir: dir}

	w, err := fr.Create("nested/dir/out.bin")
	require.NoError(t, err)
	_, err = w.Write([]byte("pixels"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	for _, ref := range []string{
		"nested/dir/out.bin",
		filepath.Join(dir, "nested/dir/out.bin"),
		"file://" + filepath.Join(dir, "nested/dir/out.bin"),
	} {
		r, err := fr.Open(ref)
		require.NoError(t, err, ref)
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		require.NoError(t, r.Close())
		require.Equal(t, "pixels", string(data))
	}

	_, err = fr.Open("missing.png")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestFileResolverZstd(t *testing.T) {
	dir := t.TempDir()
	payload := encodeBMP(t, patternImage(16, 16))

	f, err := os.Create(filepath.Join(dir, "in.bmp.zst"))
	require.NoError(t, err)
	zw, err := zstd.NewWriter(f)
	require.NoError(t, err)
	_, err = zw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	r, err := FileResolver{BaseDir: dir}.Open("in.bmp.zst")
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, payload, data)
}
