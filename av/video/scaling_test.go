package video

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allocFrame(t *testing.T, format PixelFormat, width, height int) *VideoFrame {
	t.Helper()
	frame := NewVideoFrame()
	require.NoError(t, frame.Alloc(format, width, height))
	return frame
}

func TestScaler_Scale_Geometry(t *testing.T) {
	tests := []struct {
		name   string
		format PixelFormat
		width  int
		height int
	}{
		{"downscale i420", FormatI420, 160, 120},
		{"upscale i420", FormatI420, 640, 480},
		{"to bgra", FormatBGRA, 320, 240},
		{"to rgba", FormatRGBA, 100, 50},
		{"to nv12", FormatNV12, 64, 64},
		{"to rgb24", FormatRGB24, 32, 16},
	}
	src := createTestFrame(320, 240)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := allocFrame(t, tt.format, tt.width, tt.height)
			require.NoError(t, NewScaler().Scale(src, dst))
			assert.Equal(t, tt.width, dst.Width)
			assert.Equal(t, tt.height, dst.Height)
			assert.Equal(t, FrameSize(tt.format, tt.width, tt.height), len(dst.Bytes()))
		})
	}
}

func TestScaler_Deterministic(t *testing.T) {
	src := createTestFrame(320, 240)
	a := allocFrame(t, FormatI420, 200, 150)
	b := allocFrame(t, FormatI420, 200, 150)

	require.NoError(t, NewScaler().Scale(src, a))
	require.NoError(t, NewScaler().Scale(src, b))
	assert.Equal(t, a.Bytes(), b.Bytes())

	s := NewScaler()
	c := allocFrame(t, FormatBGRA, 200, 150)
	d := allocFrame(t, FormatBGRA, 200, 150)
	require.NoError(t, s.Scale(src, c))
	require.NoError(t, s.Scale(src, d))
	assert.Equal(t, c.Bytes(), d.Bytes())
}

func TestScaler_ContextCachedUntilGeometryChanges(t *testing.T) {
	s := NewScaler()
	src := createTestFrame(64, 48)
	dst := allocFrame(t, FormatI420, 32, 24)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Scale(src, dst))
	}
	assert.Equal(t, 1, s.Rebuilds())

	bigger := allocFrame(t, FormatI420, 128, 96)
	require.NoError(t, s.Scale(src, bigger))
	assert.Equal(t, 2, s.Rebuilds())

	require.NoError(t, s.Scale(src, bigger))
	assert.Equal(t, 2, s.Rebuilds())
}

func TestScaler_SameGeometryCopies(t *testing.T) {
	src := createTestFrame(32, 32)
	dst := allocFrame(t, FormatI420, 32, 32)
	require.NoError(t, NewScaler().Scale(src, dst))
	assert.Equal(t, src.Bytes(), dst.Bytes())
}

func TestScaler_ScaleAndPad_LeavesBackground(t *testing.T) {
	src := createTestFrame(32, 32)
	dst := allocFrame(t, FormatI420, 64, 64)
	dst.FillBlack()

	require.NoError(t, NewScaler().ScaleAndPad(src, dst, 32, 32, 32, 32, false))
	assert.Equal(t, byte(16), dst.Planes[0][0], "top-left quadrant untouched")
	assert.Equal(t, byte(0), dst.Planes[0][32*64+32], "copied origin pixel")
	assert.Equal(t, byte(100), dst.Planes[1][16*32+16])
}

func TestScaler_ScaleAndPad_KeepRatio(t *testing.T) {
	src := createTestFrame(64, 32)
	dst := allocFrame(t, FormatI420, 64, 64)
	dst.FillBlack()

	require.NoError(t, NewScaler().ScaleAndPad(src, dst, 0, 0, 64, 64, true))
	assert.Equal(t, byte(16), dst.Planes[0][0], "letterbox band stays black")
	assert.Equal(t, byte(16), dst.Planes[0][63*64], "bottom band stays black")
}

func TestScaler_Errors(t *testing.T) {
	src := createTestFrame(32, 32)
	dst := allocFrame(t, FormatI420, 32, 32)
	tests := []struct {
		name    string
		src     *VideoFrame
		dst     *VideoFrame
		x, y    int
		w, h    int
		wantErr error
	}{
		{"nil source", nil, dst, 0, 0, 32, 32, ErrInvalidFrame},
		{"empty destination", src, NewVideoFrame(), 0, 0, 32, 32, ErrInvalidFrame},
		{"zero rectangle", src, dst, 0, 0, 0, 32, ErrInvalidDimensions},
		{"rectangle outside", src, dst, 16, 16, 32, 32, ErrInvalidDimensions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewScaler().ScaleAndPad(tt.src, tt.dst, tt.x, tt.y, tt.w, tt.h, false)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
