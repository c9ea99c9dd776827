package crop

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaxImageSize(t *testing.T) {
	for _, tc := range []struct {
		limit int
		want  int
	}{
		{0, DefaultMaxImageSize},
		{-1, DefaultMaxImageSize},
		{1024, 1024},
		{2048, 2048},
		{8192, MaxImageSizeLimit},
	} {
		require.Equal(t, tc.want, MaxImageSize(tc.limit), "limit %d", tc.limit)
	}
}

func TestSampleSize(t *testing.T) {
	for _, tc := range []struct {
		w, h, max int
		want      int
	}{
		{4000, 3000, 2048, 2},
		{2048, 2048, 2048, 1},
		{2049, 100, 2048, 2},
		{100, 100, 2048, 1},
		{10000, 500, 2048, 8},
		{500, 17000, 4096, 8},
	} {
		require.Equal(t, tc.want, SampleSize(tc.w, tc.h, tc.max), "%dx%d max %d", tc.w, tc.h, tc.max)
	}
}

func TestSampleSizeIsSmallestPowerOfTwo(t *testing.T) {
	for w := 1; w < 20000; w += 997 {
		for h := 1; h < 20000; h += 1231 {
			s := SampleSize(w, h, 2048)
			require.Zero(t, s&(s-1), "power of two")
			require.LessOrEqual(t, w/s, 2048)
			require.LessOrEqual(t, h/s, 2048)
			if s > 1 {
				half := s / 2
				require.True(t, w/half > 2048 || h/half > 2048, "%dx%d: %d is not the smallest", w, h, s)
			}
		}
	}
}
