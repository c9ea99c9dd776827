package crop

import (
	"errors"
	"fmt"
	"image"
)

var (
	// ErrConfig is returned by New for invalid options or missing references.
	ErrConfig = errors.New("invalid crop configuration")
	// ErrSurfaceGone is reported when the surface was torn down or has no
	// running owner loop.
	ErrSurfaceGone = errors.New("crop surface is gone or not attached to a running loop")
	// ErrSaveOnOwner is the panic value of Save when it is invoked from a
	// task running on the owner loop.
	ErrSaveOnOwner = errors.New("Save must not be called on the owner goroutine")
	// ErrNoOutput is reported when the output reference is missing at encode time.
	ErrNoOutput = errors.New("no output destination")
	// ErrNoPixels is reported when a decode produced no usable image.
	ErrNoPixels = errors.New("decode produced no pixels")
	// ErrLooperStopped is returned by Looper.Call when the owner loop exits
	// before running the task.
	ErrLooperStopped = errors.New("owner loop stopped")
	// ErrHandshakeTimeout is returned by Looper.Call when the owner loop does
	// not run the task in time.
	ErrHandshakeTimeout = errors.New("owner loop handshake timed out")
)

// RegionError reports a crop rectangle that does not fit the source image.
type RegionError struct {
	Rect     image.Rectangle
	Bounds   image.Rectangle
	Rotation int
}

func (e *RegionError) Error() string {
	return fmt.Sprintf("rectangle %v is outside of the image (%dx%d, rotation %d)",
		e.Rect, e.Bounds.Dx(), e.Bounds.Dy(), e.Rotation)
}
