package input

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mediacore/av/observer"
	"github.com/opd-ai/mediacore/av/video"
)

func TestMain(m *testing.M) {
	video.Init()
	Init()
	os.Exit(m.Run())
}

// fakeDemuxer emits a constant rawvideo frame every few milliseconds.
type fakeDemuxer struct {
	unit []byte
	io   *video.IOContext
	info video.StreamInfo
	n    int64
}

func newFakeDemuxer(luma []byte, w, h int, io *video.IOContext) *fakeDemuxer {
	frame := video.NewVideoFrame()
	if err := frame.Alloc(video.FormatI420, w, h); err != nil {
		panic(err)
	}
	frame.FillBlack()
	for y := 0; y < h; y++ {
		copy(frame.Planes[0][y*frame.Strides[0]:], luma)
	}
	unit, err := video.PackRawFrame(frame)
	if err != nil {
		panic(err)
	}
	return &fakeDemuxer{
		unit: unit,
		io:   io,
		info: video.StreamInfo{CodecName: "rawvideo", Params: video.CodecParams{Width: w, Height: h, Format: video.FormatI420}},
	}
}

func (d *fakeDemuxer) ReadPacket(pkt *video.VideoPacket) error {
	if err := sleepUntil(video.DefaultTimeProvider{}, time.Now().Add(2*time.Millisecond), d.io); err != nil {
		return err
	}
	pkt.Data = append(pkt.Data[:0], d.unit...)
	pkt.PTS = d.n
	pkt.KeyFrame = true
	d.n++
	return nil
}

func (d *fakeDemuxer) Stream() video.StreamInfo { return d.info }
func (d *fakeDemuxer) Close() error             { return nil }

// registerFakeFormat installs a capture format whose frames carry luma in
// every row.
func registerFakeFormat(t *testing.T, name string, luma []byte, gate chan struct{}) {
	t.Helper()
	video.RegisterInputFormat(&video.InputFormat{
		Name: name,
		Open: func(_ string, _ map[string]string, io *video.IOContext) (video.Demuxer, error) {
			if gate != nil {
				<-gate
			}
			return newFakeDemuxer(luma, len(luma), 2, io), nil
		},
	})
}

// frameCollector records the first luma row of each frame it sees.
type frameCollector struct {
	mu   sync.Mutex
	rows [][]byte
}

func (c *frameCollector) Update(_ *observer.Observable[*video.VideoFrame], f *video.VideoFrame) {
	row := append([]byte(nil), f.Planes[0][:f.Width]...)
	c.mu.Lock()
	c.rows = append(c.rows, row)
	c.mu.Unlock()
}
func (c *frameCollector) Attached(*observer.Observable[*video.VideoFrame]) {}
func (c *frameCollector) Detached(*observer.Observable[*video.VideoFrame]) {}

func (c *frameCollector) last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.rows) == 0 {
		return nil
	}
	return c.rows[len(c.rows)-1]
}

func writePNG(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 8), B: 64, A: 0xff})
		}
	}
	path := filepath.Join(t.TempDir(), "still.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func TestParseMRL(t *testing.T) {
	tests := []struct {
		in      string
		want    MRL
		format  string
		wantErr bool
	}{
		{in: "v4l2://video0", want: MRL{Kind: KindCamera, Resource: "/dev/video0"}, format: FormatV4L2},
		{in: "v4l2:///dev/video2", want: MRL{Kind: KindCamera, Resource: "/dev/video2"}, format: FormatV4L2},
		{in: "display://:0", want: MRL{Kind: KindDisplay, Resource: ":0"}, format: FormatX11Grab},
		{in: "display://:0 1920x1080", want: MRL{Kind: KindDisplay, Resource: ":0", Geometry: "1920x1080"}, format: FormatX11Grab},
		{in: "display://:0.0+10,20 800x600", want: MRL{Kind: KindDisplay, Resource: ":0.0", Offset: "+10,20", Geometry: "800x600"}, format: FormatX11Grab},
		{in: "file:///tmp/./a.png", want: MRL{Kind: KindFile, Resource: "/tmp/a.png"}, format: FormatImage2},
		{in: "display://:0 big", wantErr: true},
		{in: "display:// 640x480", wantErr: true},
		{in: "rtsp://camera", wantErr: true},
		{in: "/dev/video0", wantErr: true},
		{in: "file://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMRL(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMRL)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.format, got.FormatName())
		})
	}
}

func TestMRLOptions(t *testing.T) {
	m, err := ParseMRL("display://:1+5,5 320x240")
	require.NoError(t, err)
	opts := m.Options(map[string]string{"framerate": "15"})
	assert.Equal(t, map[string]string{"framerate": "15", "video_size": "320x240", "offset": "+5,5"}, opts)
	assert.Equal(t, "display://:1+5,5 320x240", m.String())
}

func TestImageInput(t *testing.T) {
	path := writePNG(t, 33, 17)
	dec := video.NewVideoDecoder()
	dec.SetOptions(map[string]string{"framerate": "200"})
	require.NoError(t, dec.OpenInput(path, FormatImage2))
	defer dec.Close()

	assert.Equal(t, 32, dec.Width())
	assert.Equal(t, 16, dec.Height())

	frame := video.NewVideoFrame()
	var pkt video.VideoPacket
	for i := 0; i < 3; i++ {
		require.Equal(t, video.DecodeFrameFinished, dec.Decode(frame, &pkt))
		assert.EqualValues(t, i, frame.PTS)
	}
	assert.True(t, dec.KeyFrameSeen())
}

func TestImageInputOptions(t *testing.T) {
	path := writePNG(t, 32, 32)

	dec := video.NewVideoDecoder()
	dec.SetOptions(map[string]string{"video_size": "16x8"})
	require.NoError(t, dec.OpenInput(path, FormatImage2))
	assert.Equal(t, 16, dec.Width())
	assert.Equal(t, 8, dec.Height())
	dec.Close()

	dec = video.NewVideoDecoder()
	dec.SetOptions(map[string]string{"framerate": "-1"})
	assert.Error(t, dec.OpenInput(path, FormatImage2))

	bogus := filepath.Join(t.TempDir(), "bogus.png")
	require.NoError(t, os.WriteFile(bogus, []byte("not an image"), 0o600))
	assert.Error(t, video.NewVideoDecoder().OpenInput(bogus, FormatImage2))
}

func TestImageInputInterrupt(t *testing.T) {
	path := writePNG(t, 8, 8)
	var stop atomic.Bool
	dec := video.NewVideoDecoder()
	dec.SetOptions(map[string]string{"framerate": "1"})
	dec.SetInterruptCallback(stop.Load)
	require.NoError(t, dec.OpenInput(path, FormatImage2))
	defer dec.Close()

	frame := video.NewVideoFrame()
	var pkt video.VideoPacket
	require.Equal(t, video.DecodeFrameFinished, dec.Decode(frame, &pkt))

	time.AfterFunc(30*time.Millisecond, func() { stop.Store(true) })
	start := time.Now()
	assert.Equal(t, video.DecodeReadError, dec.Decode(frame, &pkt))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.ErrorIs(t, dec.Err(), video.ErrInterrupted)
}

func TestVideoInput_FileSource(t *testing.T) {
	path := writePNG(t, 16, 16)
	in, err := NewVideoInput(Options{Framerate: 200})
	require.NoError(t, err)
	defer in.Stop()

	c := &frameCollector{}
	in.Attach(c)
	require.True(t, in.SwitchInput("file://"+path))

	require.Eventually(t, func() bool { return c.last() != nil }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "file://"+path, in.Resource())
	assert.Equal(t, 16, in.Width())
	assert.NoError(t, in.Err())
}

func TestVideoInput_CameraIsMirrored(t *testing.T) {
	registerFakeFormat(t, FormatV4L2, []byte{10, 20, 30, 40}, nil)
	in, err := NewVideoInput(Options{})
	require.NoError(t, err)
	defer in.Stop()

	c := &frameCollector{}
	in.Attach(c)
	require.True(t, in.SwitchInput("v4l2://video0"))
	require.Eventually(t, func() bool { return c.last() != nil }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte{40, 30, 20, 10}, c.last())
}

func TestVideoInput_SwitchWhilePending(t *testing.T) {
	gate := make(chan struct{})
	registerFakeFormat(t, FormatV4L2, []byte{1, 2}, gate)
	in, err := NewVideoInput(Options{})
	require.NoError(t, err)
	defer in.Stop()

	require.True(t, in.SwitchInput("v4l2://video0"))
	assert.False(t, in.SwitchInput("v4l2://video1"), "second switch while the first is pending")
	assert.True(t, in.SwitchPending())

	close(gate)
	require.Eventually(t, func() bool { return !in.SwitchPending() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "v4l2://video0", in.Resource())
	assert.True(t, in.SwitchInput(""))
	require.Eventually(t, func() bool { return in.Resource() == "" && !in.SwitchPending() }, 2*time.Second, 5*time.Millisecond)
}

func TestVideoInput_BadResource(t *testing.T) {
	in, err := NewVideoInput(Options{})
	require.NoError(t, err)
	defer in.Stop()

	require.True(t, in.SwitchInput("file:///does/not/exist.png"))
	require.Eventually(t, func() bool { return !in.SwitchPending() }, 2*time.Second, 5*time.Millisecond)
	assert.Error(t, in.Err())
	assert.Empty(t, in.Resource())
}

func TestSelector_SwitchKeepsObservers(t *testing.T) {
	registerFakeFormat(t, FormatV4L2, []byte{1, 1}, nil)
	registerFakeFormat(t, FormatX11Grab, []byte{200, 200}, nil)

	base := liveInputs.Load()
	sel := NewSelector(Options{})
	c := &frameCollector{}
	sel.Attach(c)

	require.NoError(t, sel.SwitchInput("v4l2://video0"))
	assert.Equal(t, base+1, liveInputs.Load())
	require.NoError(t, sel.SwitchInput("display://:0 1920x1080"))
	assert.Equal(t, base+1, liveInputs.Load(), "exactly one input alive")

	require.Eventually(t, func() bool {
		row := c.last()
		return row != nil && row[0] == 200
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, sel.IsAttached(c))
	assert.NotNil(t, sel.ObtainLastFrame())
	assert.Equal(t, "display://:0 1920x1080", sel.ActiveInput().Resource())

	sel.StopInput()
	assert.Nil(t, sel.ActiveInput())
	assert.Equal(t, base, liveInputs.Load())

	assert.ErrorIs(t, sel.SwitchInput("bogus"), ErrInvalidMRL)
}
