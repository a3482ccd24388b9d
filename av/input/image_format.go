package input

import (
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoding
	_ "image/jpeg" // register JPEG decoding
	_ "image/png"  // register PNG decoding
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "golang.org/x/image/bmp"  // register BMP decoding
	_ "golang.org/x/image/tiff" // register TIFF decoding
	_ "golang.org/x/image/webp" // register WebP decoding

	"github.com/opd-ai/mediacore/av/video"
)

// Input format short names.
const (
	FormatImage2  = "image2"
	FormatV4L2    = "v4l2"
	FormatX11Grab = "x11grab"
)

const (
	defaultFileFramerate = 30.0
	interruptPollStep    = 10 * time.Millisecond
)

// imageDemuxer loops one still image as a rawvideo stream, emulating the
// configured frame rate.
type imageDemuxer struct {
	unit     []byte
	stream   video.StreamInfo
	interval time.Duration
	io       *video.IOContext
	clock    video.TimeProvider
	start    time.Time
	count    int64
}

// openImage decodes the image at path and prepares the looping stream.
// Recognized options: framerate, video_size.
func openImage(path string, opts map[string]string, io *video.IOContext) (video.Demuxer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, kind, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Dx() < 2 || img.Bounds().Dy() < 2 {
		return nil, ErrEmptyImage
	}
	frame, err := video.FrameFromImage(img)
	if err != nil {
		return nil, err
	}
	if size := opts["video_size"]; size != "" {
		if frame, err = resizeStill(frame, size); err != nil {
			return nil, err
		}
	}
	unit, err := video.PackRawFrame(frame)
	if err != nil {
		return nil, err
	}

	fps := defaultFileFramerate
	if v, ok := opts["framerate"]; ok {
		if fps, err = strconv.ParseFloat(v, 64); err != nil || fps <= 0 {
			return nil, fmt.Errorf("invalid framerate %q", v)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "openImage",
		"path":      path,
		"codec":     kind,
		"size":      fmt.Sprintf("%dx%d", frame.Width, frame.Height),
		"framerate": fps,
	}).Info("Opened still image input")

	return &imageDemuxer{
		unit: unit,
		stream: video.StreamInfo{
			CodecName: "rawvideo",
			Params: video.CodecParams{
				Width:     frame.Width,
				Height:    frame.Height,
				Format:    frame.Format,
				Framerate: fps,
			},
		},
		interval: time.Duration(float64(time.Second) / fps),
		io:       io,
		clock:    video.DefaultTimeProvider{},
	}, nil
}

func resizeStill(frame *video.VideoFrame, size string) (*video.VideoFrame, error) {
	ws, hs, ok := strings.Cut(size, "x")
	w, werr := strconv.Atoi(ws)
	h, herr := strconv.Atoi(hs)
	if !ok || werr != nil || herr != nil {
		return nil, fmt.Errorf("invalid video_size %q", size)
	}
	out := video.NewVideoFrame()
	if err := out.Alloc(video.FormatI420, w&^1, h&^1); err != nil {
		return nil, err
	}
	if err := video.NewScaler().Scale(frame, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *imageDemuxer) ReadPacket(pkt *video.VideoPacket) error {
	if d.start.IsZero() {
		d.start = d.clock.Now()
	}
	due := time.Duration(d.count) * d.interval
	if err := sleepUntil(d.clock, d.start.Add(due), d.io); err != nil {
		return err
	}
	pkt.Data = append(pkt.Data[:0], d.unit...)
	pkt.PTS = d.count
	pkt.KeyFrame = true
	d.count++
	return nil
}

func (d *imageDemuxer) Stream() video.StreamInfo { return d.stream }

func (d *imageDemuxer) Close() error { return nil }

// sleepUntil waits for deadline in short steps so an interruption is
// noticed promptly.
func sleepUntil(clock video.TimeProvider, deadline time.Time, io *video.IOContext) error {
	for {
		if io != nil && io.Interrupted != nil && io.Interrupted() {
			return video.ErrInterrupted
		}
		remain := deadline.Sub(clock.Now())
		if remain <= 0 {
			return nil
		}
		time.Sleep(min(remain, interruptPollStep))
	}
}

func registerImageFormat() {
	video.RegisterInputFormat(&video.InputFormat{Name: FormatImage2, Open: openImage})
}
