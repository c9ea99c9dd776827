package crop

import (
	"io"

	"github.com/rwcarlsen/goexif/exif"
)

// ExifReader extracts the display rotation from an encoded image.
type ExifReader interface {
	// Rotation returns 0, 90, 180 or 270; 0 when unknown.
	Rotation(r io.Reader) int
}

// ExifReaderFunc adapts a function to ExifReader.
type ExifReaderFunc func(r io.Reader) int

func (f ExifReaderFunc) Rotation(r io.Reader) int { return f(r) }

// DefaultExifReader reads the orientation tag with goexif.
func DefaultExifReader() ExifReader {
	return ExifReaderFunc(readExifRotation)
}

func readExifRotation(r io.Reader) int {
	x, err := exif.Decode(r)
	if err != nil {
		return 0
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 0
	}
	orientation, err := tag.Int(0)
	if err != nil {
		return 0
	}
	return OrientationRotation(orientation)
}

// OrientationRotation maps an EXIF orientation value to a clockwise
// rotation. Mirrored orientations are treated as unrotated.
func OrientationRotation(orientation int) int {
	switch orientation {
	case 3:
		return 180
	case 6:
		return 90
	case 8:
		return 270
	}
	return 0
}
