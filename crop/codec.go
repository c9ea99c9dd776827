package crop

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	"io"
	"math"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// decodeBounds reads only the header of an encoded image.
func decodeBounds(r io.Reader) (image.Rectangle, error) {
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return image.Rectangle{}, fmt.Errorf("failed to decode image bounds: %w", err)
	}
	return image.Rect(0, 0, cfg.Width, cfg.Height), nil
}

// decodePreview decodes r and scales it down by sampleSize. The result is
// never rotated; the caller pairs it with the EXIF rotation.
//
// BMP streams are sampled row by row and never held at full resolution.
// Other formats are decoded whole and then box-filtered.
func decodePreview(r io.Reader, sampleSize int) (image.Image, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && string(magic) == "BM" {
		if d, err := newBMPRegionDecoder(br); err == nil {
			if d.Bounds().Empty() {
				return nil, ErrNoPixels
			}
			return d.DecodeSampled(sampleSize)
		}
	}

	img, err := imaging.Decode(br)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, ErrNoPixels
	}
	if sampleSize <= 1 {
		return imaging.Clone(img), nil
	}
	w, h := max(b.Dx()/sampleSize, 1), max(b.Dy()/sampleSize, 1)
	return imaging.Resize(img, w, h, imaging.Box), nil
}

// RegionDecoder decodes a rectangle of an encoded image at full resolution.
type RegionDecoder interface {
	Bounds() image.Rectangle
	DecodeRegion(rect image.Rectangle) (image.Image, error)
}

// NewRegionDecoder picks a region decoder for the stream. BMP streams are
// decoded row by row; other formats are decoded whole and then cropped.
func NewRegionDecoder(r io.Reader) (RegionDecoder, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil {
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}
	if string(magic) == "BM" {
		if d, err := newBMPRegionDecoder(br); err == nil {
			return d, nil
		}
	}

	data, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	bounds, err := decodeBounds(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return &imageRegionDecoder{data: data, bounds: bounds}, nil
}

type imageRegionDecoder struct {
	data   []byte
	bounds image.Rectangle
}

func (d *imageRegionDecoder) Bounds() image.Rectangle {
	return d.bounds
}

func (d *imageRegionDecoder) DecodeRegion(rect image.Rectangle) (image.Image, error) {
	if rect.Empty() || !rect.In(d.bounds) {
		return nil, fmt.Errorf("region %v outside of %v", rect, d.bounds)
	}
	img, err := imaging.Decode(bytes.NewReader(d.data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return imaging.Crop(img, rect.Add(img.Bounds().Min)), nil
}

// encode writes img in format. quality only affects JPEG.
func encode(w io.Writer, img image.Image, format imaging.Format, quality int) error {
	if err := imaging.Encode(w, img, format, imaging.JPEGQuality(quality)); err != nil {
		return fmt.Errorf("failed to encode %s: %w", format, err)
	}
	return nil
}

// unrotateRect maps a rectangle in display orientation back to the
// unrotated pixels of a srcW x srcH image shown with rotation.
func unrotateRect(rect image.Rectangle, rotation, srcW, srcH int) image.Rectangle {
	rotation = normalizeRotation(rotation)
	if rotation == 0 {
		return rect
	}
	r := Rotate(float64(-rotation)).MapRect(RectOf(rect))
	if r.Left < 0 {
		r = r.Offset(float64(srcW), 0)
	}
	if r.Top < 0 {
		r = r.Offset(0, float64(srcH))
	}
	return r.Round()
}

// outputSize fits width x height into maxW x maxH, keeping the aspect ratio.
// A zero bound leaves the size alone.
func outputSize(width, height, maxW, maxH int) (int, int) {
	if maxW <= 0 || maxH <= 0 || height <= 0 || (width <= maxW && height <= maxH) {
		return width, height
	}
	ratio := float64(width) / float64(height)
	if float64(maxW)/float64(maxH) > ratio {
		return int(math.Floor(float64(maxH)*ratio + .5)), maxH
	}
	return maxW, int(math.Floor(float64(maxW)/ratio + .5))
}
