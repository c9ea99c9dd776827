package crop

import (
	"image"
	"sync/atomic"

	"github.com/disintegration/imaging"
)

// RotatedBitmap pairs decoded pixels with the rotation needed to display
// them. The pixels themselves are never rotated.
//
// Image, the size accessors and Released may be called from any goroutine,
// also while Release runs. Pixel reads still belong to the bitmap's holder.
type RotatedBitmap struct {
	pixels   atomic.Pointer[pixelBuffer]
	rotation int
}

type pixelBuffer struct {
	img image.Image
}

// NewRotatedBitmap wraps img. rotation is normalised to 0, 90, 180 or 270.
func NewRotatedBitmap(img image.Image, rotation int) *RotatedBitmap {
	b := &RotatedBitmap{rotation: normalizeRotation(rotation)}
	if img != nil {
		b.pixels.Store(&pixelBuffer{img: img})
	}
	return b
}

func normalizeRotation(deg int) int {
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return deg / 90 * 90
}

// Image returns the unrotated pixels, or nil once released.
func (b *RotatedBitmap) Image() image.Image {
	if b == nil {
		return nil
	}
	if p := b.pixels.Load(); p != nil {
		return p.img
	}
	return nil
}

func (b *RotatedBitmap) Rotation() int {
	if b == nil {
		return 0
	}
	return b.rotation
}

// IsOrientationChanged reports whether width and height swap for display.
func (b *RotatedBitmap) IsOrientationChanged() bool {
	return b.Rotation()/90%2 != 0
}

// Width is the display width.
func (b *RotatedBitmap) Width() int {
	img := b.Image()
	if img == nil {
		return 0
	}
	if b.IsOrientationChanged() {
		return img.Bounds().Dy()
	}
	return img.Bounds().Dx()
}

// Height is the display height.
func (b *RotatedBitmap) Height() int {
	img := b.Image()
	if img == nil {
		return 0
	}
	if b.IsOrientationChanged() {
		return img.Bounds().Dx()
	}
	return img.Bounds().Dy()
}

// Matrix maps unrotated pixel coordinates to display coordinates.
func (b *RotatedBitmap) Matrix() Matrix {
	img := b.Image()
	if img == nil || b.rotation == 0 {
		return Identity()
	}
	bw := float64(img.Bounds().Dx())
	bh := float64(img.Bounds().Dy())
	dw, dh := bw, bh
	if b.IsOrientationChanged() {
		dw, dh = bh, bw
	}
	return Translate(-bw/2, -bh/2).
		Concat(Rotate(float64(b.rotation))).
		Concat(Translate(dw/2, dh/2))
}

// Upright returns the pixels in display orientation.
func (b *RotatedBitmap) Upright() image.Image {
	img := b.Image()
	if img == nil {
		return nil
	}
	// imaging rotates counter-clockwise.
	switch b.rotation {
	case 90:
		return imaging.Rotate270(img)
	case 180:
		return imaging.Rotate180(img)
	case 270:
		return imaging.Rotate90(img)
	}
	return img
}

// Release drops the pixel memory. It is safe to call more than once.
func (b *RotatedBitmap) Release() {
	if b == nil {
		return
	}
	p := b.pixels.Swap(nil)
	if p == nil {
		return
	}
	switch img := p.img.(type) {
	case *image.NRGBA:
		img.Pix = nil
	case *image.RGBA:
		img.Pix = nil
	}
}

// Released reports whether Release was called.
func (b *RotatedBitmap) Released() bool {
	return b.Image() == nil
}
