package crop

import (
	"fmt"
	"time"

	"github.com/disintegration/imaging"
)

const (
	// FullQuality is the default JPEG quality.
	FullQuality = 100
	// DefaultHandshakeTimeout bounds every wait on the owner loop.
	DefaultHandshakeTimeout = 5 * time.Second
)

type config struct {
	format           imaging.Format
	formatSet        bool
	quality          int
	aspectX, aspectY int
	maxWidth         int
	maxHeight        int
	finished         FinishedListener
	errs             ErrorListener
	resolver         Resolver
	exif             ExifReader
	textureLimit     func() int
	handshakeTimeout time.Duration
}

func defaultConfig() config {
	return config{
		format:           imaging.JPEG,
		quality:          FullQuality,
		resolver:         FileResolver{},
		exif:             DefaultExifReader(),
		handshakeTimeout: DefaultHandshakeTimeout,
	}
}

// Option configures a Controller. Invalid values are rejected by New.
type Option func(*config) error

// WithCompression sets the output format and the JPEG quality (1..100).
func WithCompression(format imaging.Format, quality int) Option {
	return func(c *config) error {
		if quality < 1 || quality > 100 {
			return fmt.Errorf("%w: quality %d not in 1..100", ErrConfig, quality)
		}
		c.format, c.formatSet = format, true
		c.quality = quality
		return nil
	}
}

// WithFormat sets the output format, keeping the quality.
func WithFormat(format imaging.Format) Option {
	return func(c *config) error {
		c.format, c.formatSet = format, true
		return nil
	}
}

// WithAspectRatio fixes the crop rectangle to x:y.
func WithAspectRatio(x, y int) Option {
	return func(c *config) error {
		if x <= 0 || y <= 0 {
			return fmt.Errorf("%w: aspect ratio %d:%d must be positive", ErrConfig, x, y)
		}
		c.aspectX, c.aspectY = x, y
		return nil
	}
}

// AsSquare is WithAspectRatio(1, 1).
func AsSquare() Option {
	return WithAspectRatio(1, 1)
}

// WithMaxSize bounds the encoded output, keeping the crop's aspect ratio.
func WithMaxSize(width, height int) Option {
	return func(c *config) error {
		if width <= 0 || height <= 0 {
			return fmt.Errorf("%w: max size %dx%d must be positive", ErrConfig, width, height)
		}
		c.maxWidth, c.maxHeight = width, height
		return nil
	}
}

func WithFinishedListener(l FinishedListener) Option {
	return func(c *config) error {
		c.finished = l
		return nil
	}
}

func WithErrorListener(l ErrorListener) Option {
	return func(c *config) error {
		c.errs = l
		return nil
	}
}

// WithResolver replaces the default FileResolver.
func WithResolver(r Resolver) Option {
	return func(c *config) error {
		if r == nil {
			return fmt.Errorf("%w: nil resolver", ErrConfig)
		}
		c.resolver = r
		return nil
	}
}

// WithExifReader replaces the goexif based reader.
func WithExifReader(r ExifReader) Option {
	return func(c *config) error {
		if r == nil {
			return fmt.Errorf("%w: nil exif reader", ErrConfig)
		}
		c.exif = r
		return nil
	}
}

// WithTextureLimit reports the largest bitmap the display can draw. The
// function is called once, during New.
func WithTextureLimit(f func() int) Option {
	return func(c *config) error {
		c.textureLimit = f
		return nil
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return fmt.Errorf("%w: handshake timeout %v must be positive", ErrConfig, d)
		}
		c.handshakeTimeout = d
		return nil
	}
}
