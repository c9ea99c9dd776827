package crop

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Resolver opens the streams behind input and output references. Open may be
// called several times for the same reference; each call returns an
// independent stream.
type Resolver interface {
	Open(ref string) (io.ReadCloser, error)
	Create(ref string) (io.WriteCloser, error)
}

// FileResolver resolves references as file paths or file:// URIs. Relative
// paths are taken from BaseDir. Inputs ending in .zst are decompressed.
type FileResolver struct {
	BaseDir string
}

func (fr FileResolver) path(ref string) string {
	p := strings.TrimPrefix(ref, "file://")
	if !filepath.IsAbs(p) && fr.BaseDir != "" {
		p = filepath.Join(fr.BaseDir, p)
	}
	return p
}

func (fr FileResolver) Open(ref string) (io.ReadCloser, error) {
	p := fr.path(ref)
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", p, err)
	}
	if !strings.EqualFold(filepath.Ext(p), ".zst") {
		return f, nil
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open zstd stream %s: %w", p, err)
	}
	return &zstdFile{Decoder: zr, f: f}, nil
}

func (fr FileResolver) Create(ref string) (io.WriteCloser, error) {
	p := fr.path(ref)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", p, err)
	}
	f, err := os.Create(p)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", p, err)
	}
	return f, nil
}

type zstdFile struct {
	*zstd.Decoder
	f *os.File
}

func (z *zstdFile) Close() error {
	z.Decoder.Close()
	return z.f.Close()
}
