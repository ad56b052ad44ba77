package ffmpeg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipscrub/clipscrub/internal/domain"
)

func TestCropFilter(t *testing.T) {
	info := domain.VideoInfo{Width: 1080, Height: 1920}

	cases := []struct {
		name string
		px   int
		pos  domain.CropPosition
		want string
	}{
		{"bottom", 120, domain.CropBottom, "crop=iw:1800:0:0"},
		{"top", 100, domain.CropTop, "crop=iw:1820:0:100"},
		{"left", 80, domain.CropLeft, "crop=1000:ih:80:0"},
		{"right", 80, domain.CropRight, "crop=1000:ih:0:0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := cropFilter(info, tc.px, tc.pos)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCropFilter_BandExceedsFrame(t *testing.T) {
	info := domain.VideoInfo{Width: 640, Height: 360}

	for _, pos := range []domain.CropPosition{domain.CropBottom, domain.CropTop} {
		_, err := cropFilter(info, 360, pos)
		require.Error(t, err, pos)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	}
	for _, pos := range []domain.CropPosition{domain.CropLeft, domain.CropRight} {
		_, err := cropFilter(info, 640, pos)
		require.Error(t, err, pos)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	}
}

func TestCropFilter_UnknownPosition(t *testing.T) {
	_, err := cropFilter(domain.VideoInfo{Width: 100, Height: 100}, 10, domain.CropPosition("middle"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "short", tail([]byte("short"), 400))
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, tail(long, 400), 400)
}
