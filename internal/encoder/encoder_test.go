package encoder

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func makeNV12(width, height int, fill byte) []byte {
	ySize := width * height
	uvSize := (width / 2) * (height / 2) * 2
	data := make([]byte, ySize+uvSize)
	for i := range data {
		data[i] = fill
	}
	return data
}

func TestEncode_PTSMonotonic(t *testing.T) {
	enc := NewVideoEncoder(nil, false)
	defer enc.Close()

	const w, h = 640, 480
	var lastPTS int64 = -1
	for i := 0; i < 5; i++ {
		view, err := WrapImage(w, h, PixelFormatNV12, makeNV12(w, h, byte(i)))
		require.NoError(t, err)
		frames, err := enc.Encode(view, 1000, false)
		require.NoError(t, err)
		for _, f := range frames {
			require.GreaterOrEqual(t, f.PTS, lastPTS)
			lastPTS = f.PTS
		}
	}
}

func TestEncode_ForceKeyframeClearOnRead(t *testing.T) {
	pl := &PictureLossFlag{}
	enc := NewVideoEncoder(pl, false)
	defer enc.Close()

	const w, h = 320, 240
	view, err := WrapImage(w, h, PixelFormatNV12, makeNV12(w, h, 1))
	require.NoError(t, err)

	pl.Set()
	frames, err := enc.Encode(view, 1000, false)
	require.NoError(t, err)
	require.NotEmpty(t, frames)
	require.True(t, frames[0].Keyframe, "first encode after Set() must force a keyframe")

	frames, err = enc.Encode(view, 1000, false)
	require.NoError(t, err)
	require.NotEmpty(t, frames)
	require.False(t, frames[0].Keyframe, "flag must be cleared after being read once")
}

func TestConfig_ReflectsCurrentGeometry(t *testing.T) {
	enc := NewVideoEncoder(nil, false)
	defer enc.Close()

	require.Equal(t, Config{}, enc.Config(), "no Config before the first Encode call")

	const w, h = 640, 480
	view, err := WrapImage(w, h, PixelFormatNV12, makeNV12(w, h, 1))
	require.NoError(t, err)
	_, err = enc.Encode(view, 1500, false)
	require.NoError(t, err)

	require.Equal(t, w, enc.Config().Width)
	require.Equal(t, h, enc.Config().Height)
	require.Equal(t, 1500, enc.Config().BitrateKbps)
}

func TestEncode_ReconfiguresOnlyOnGeometryChange(t *testing.T) {
	enc := NewVideoEncoder(nil, false)
	defer enc.Close()

	const w, h = 640, 480
	view, err := WrapImage(w, h, PixelFormatNV12, makeNV12(w, h, 1))
	require.NoError(t, err)
	_, err = enc.Encode(view, 1000, false)
	require.NoError(t, err)
	firstBackend := enc.backend

	// Same geometry: backend must not be replaced.
	_, err = enc.Encode(view, 2000, false)
	require.NoError(t, err)
	require.Same(t, firstBackend, enc.backend)

	// New geometry: backend must be replaced and PTS reset.
	const w2, h2 = 320, 240
	view2, err := WrapImage(w2, h2, PixelFormatNV12, makeNV12(w2, h2, 1))
	require.NoError(t, err)
	_, err = enc.Encode(view2, 1000, false)
	require.NoError(t, err)
	require.NotSame(t, firstBackend, enc.backend)
	require.Equal(t, int64(frameDurationTicks), enc.nextPTS)
}

func TestEncode_OddDimensionsRejected(t *testing.T) {
	enc := NewVideoEncoder(nil, false)
	defer enc.Close()

	view := ImageView{Width: 641, Height: 480, Format: PixelFormatNV12, Data: make([]byte, 641*480*2)}
	_, err := enc.Encode(view, 1000, false)
	require.ErrorIs(t, err, ErrInvalidParam)
}

func TestWrapImage_RejectsUndersizedBuffer(t *testing.T) {
	_, err := WrapImage(640, 480, PixelFormatNV12, make([]byte, 10))
	require.ErrorIs(t, err, ErrInvalidParam)
}

func TestPictureLossFlag_ReadAndClear(t *testing.T) {
	var pl PictureLossFlag
	require.False(t, pl.ReadAndClear())
	pl.Set()
	require.True(t, pl.ReadAndClear())
	require.False(t, pl.ReadAndClear())
}
