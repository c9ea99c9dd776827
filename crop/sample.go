package crop

const (
	// DefaultMaxImageSize is used when the texture limit is unknown.
	DefaultMaxImageSize = 2048
	// MaxImageSizeLimit caps whatever texture limit the platform reports.
	MaxImageSizeLimit = 4096
)

// MaxImageSize derives the largest preview dimension from a texture limit.
// A limit of zero or less means the limit could not be read.
func MaxImageSize(textureLimit int) int {
	if textureLimit <= 0 {
		return DefaultMaxImageSize
	}
	return min(textureLimit, MaxImageSizeLimit)
}

// SampleSize returns the smallest power of two s such that width/s and
// height/s both fit in maxSize.
func SampleSize(width, height, maxSize int) int {
	if maxSize <= 0 {
		maxSize = DefaultMaxImageSize
	}
	s := 1
	for height/s > maxSize || width/s > maxSize {
		s <<= 1
	}
	return s
}
