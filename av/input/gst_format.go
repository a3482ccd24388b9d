//go:build gst

package input

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/opd-ai/mediacore/av/video"
)

const (
	defaultCaptureWidth     = 640
	defaultCaptureHeight    = 480
	defaultCaptureFramerate = 30
)

var errPipelineStopped = errors.New("capture pipeline stopped")

// captureConfig describes one GStreamer capture pipeline.
type captureConfig struct {
	Source    string // v4l2src or ximagesrc
	Resource  string // device node or display name
	OffsetX   int
	OffsetY   int
	Width     int
	Height    int
	Framerate int
}

// gstDemuxer pulls I420 frames from an appsink and emits them as rawvideo
// access units.
type gstDemuxer struct {
	pipeline *gst.Pipeline
	sink     *app.Sink
	samples  chan []byte
	stream   video.StreamInfo
	io       *video.IOContext
	count    int64
}

func captureConfigFrom(source, resource string, opts map[string]string) (captureConfig, error) {
	cfg := captureConfig{
		Source:    source,
		Resource:  resource,
		Width:     defaultCaptureWidth,
		Height:    defaultCaptureHeight,
		Framerate: defaultCaptureFramerate,
	}
	if size := opts["video_size"]; size != "" {
		w, h, ok := strings.Cut(size, "x")
		var werr, herr error
		cfg.Width, werr = strconv.Atoi(w)
		cfg.Height, herr = strconv.Atoi(h)
		if !ok || werr != nil || herr != nil {
			return cfg, fmt.Errorf("invalid video_size %q", size)
		}
	}
	if v := opts["framerate"]; v != "" {
		fps, err := strconv.ParseFloat(v, 64)
		if err != nil || fps < 1 {
			return cfg, fmt.Errorf("invalid framerate %q", v)
		}
		cfg.Framerate = int(fps)
	}
	if off := opts["offset"]; off != "" {
		if _, err := fmt.Sscanf(off, "+%d,%d", &cfg.OffsetX, &cfg.OffsetY); err != nil {
			return cfg, fmt.Errorf("invalid offset %q: %w", off, err)
		}
	}
	return cfg, nil
}

// openCapture builds and starts the pipeline
//
//	source → videoconvert → videoscale → videorate → capsfilter(I420) → appsink
func openCapture(cfg captureConfig, io *video.IOContext) (video.Demuxer, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", cfg.Source, err)
	}
	switch cfg.Source {
	case "v4l2src":
		src.SetProperty("device", cfg.Resource)
	case "ximagesrc":
		src.SetProperty("display-name", cfg.Resource)
		src.SetProperty("use-damage", false)
		src.SetProperty("startx", uint(cfg.OffsetX))
		src.SetProperty("starty", uint(cfg.OffsetY))
		src.SetProperty("endx", uint(cfg.OffsetX+cfg.Width-1))
		src.SetProperty("endy", uint(cfg.OffsetY+cfg.Height-1))
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoscale: %w", err)
	}
	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsStr := fmt.Sprintf("video/x-raw,format=I420,width=%d,height=%d,framerate=%d/1",
		cfg.Width, cfg.Height, cfg.Framerate)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	pipeline.AddMany(src, converter, scaler, videorate, capsfilter, appsink.Element)
	if err := gst.ElementLinkMany(src, converter, scaler, videorate, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to link capture pipeline: %w", err)
	}

	d := &gstDemuxer{
		pipeline: pipeline,
		sink:     appsink,
		samples:  make(chan []byte, 1),
		io:       io,
		stream: video.StreamInfo{
			CodecName: "rawvideo",
			Params: video.CodecParams{
				Width:     cfg.Width,
				Height:    cfg.Height,
				Format:    video.FormatI420,
				Framerate: float64(cfg.Framerate),
			},
		},
	}
	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: d.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("failed to start capture pipeline: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "openCapture",
		"source":   cfg.Source,
		"resource": cfg.Resource,
		"caps":     capsStr,
	}).Info("Capture pipeline started")
	return d, nil
}

// onNewSample copies the frame out of GStreamer and keeps only the latest
// one for ReadPacket.
func (d *gstDemuxer) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	select {
	case d.samples <- frameData:
	default:
		// Replace the unread frame with the newer one.
		select {
		case <-d.samples:
		default:
		}
		select {
		case d.samples <- frameData:
		default:
		}
	}
	return gst.FlowOK
}

func (d *gstDemuxer) ReadPacket(pkt *video.VideoPacket) error {
	p := d.stream.Params
	want := video.FrameSize(p.Format, p.Width, p.Height)
	timer := time.NewTicker(interruptPollStep)
	defer timer.Stop()
	for {
		if d.io != nil && d.io.Interrupted != nil && d.io.Interrupted() {
			return video.ErrInterrupted
		}
		select {
		case data, ok := <-d.samples:
			if !ok {
				return errPipelineStopped
			}
			if len(data) != want {
				logrus.WithFields(logrus.Fields{
					"function": "gstDemuxer.ReadPacket",
					"size":     len(data),
					"expected": want,
				}).Debug("Dropping capture sample with unexpected size")
				continue
			}
			frame := video.NewVideoFrame()
			if err := frame.SetFromMemory(data, p.Format, p.Width, p.Height); err != nil {
				return err
			}
			unit, err := video.PackRawFrame(frame)
			if err != nil {
				return err
			}
			pkt.Data = unit
			pkt.PTS = d.count
			pkt.KeyFrame = true
			d.count++
			return nil
		case <-timer.C:
		}
	}
}

func (d *gstDemuxer) Stream() video.StreamInfo { return d.stream }

func (d *gstDemuxer) Close() error {
	if err := d.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to stop capture pipeline: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "gstDemuxer.Close",
	}).Info("Capture pipeline stopped")
	return nil
}

func registerPlatformFormats() {
	video.RegisterInputFormat(&video.InputFormat{
		Name: FormatV4L2,
		Open: func(resource string, opts map[string]string, io *video.IOContext) (video.Demuxer, error) {
			cfg, err := captureConfigFrom("v4l2src", resource, opts)
			if err != nil {
				return nil, err
			}
			return openCapture(cfg, io)
		},
	})
	video.RegisterInputFormat(&video.InputFormat{
		Name: FormatX11Grab,
		Open: func(resource string, opts map[string]string, io *video.IOContext) (video.Demuxer, error) {
			cfg, err := captureConfigFrom("ximagesrc", resource, opts)
			if err != nil {
				return nil, err
			}
			return openCapture(cfg, io)
		},
	})
}
