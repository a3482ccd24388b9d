package input

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mediacore/av/loop"
	"github.com/opd-ai/mediacore/av/metrics"
	"github.com/opd-ai/mediacore/av/observer"
	"github.com/opd-ai/mediacore/av/video"
)

// idleWait bounds how long an input without a source sleeps before
// re-checking for a switch or a stop.
const idleWait = 50 * time.Millisecond

// liveInputs counts inputs between NewVideoInput and Stop.
var liveInputs atomic.Int32

// Options configures capture inputs.
type Options struct {
	// Framerate is the capture and file loop rate; 0 keeps the format default.
	Framerate float64
	// VideoSize requests a capture size "WxH" when the MRL has none.
	VideoSize string
	Metrics   *metrics.Metrics
}

func (o Options) demuxerOptions() map[string]string {
	opts := map[string]string{}
	if o.Framerate > 0 {
		opts["framerate"] = formatFloat(o.Framerate)
	}
	if o.VideoSize != "" {
		opts["video_size"] = o.VideoSize
	}
	return opts
}

// VideoInput captures frames from one MRL source on its own loop and
// publishes them as a frame generator.
//
// The decoder is created, replaced and destroyed only on the loop
// goroutine; SwitchInput merely queues the new resource.
type VideoInput struct {
	*observer.Generator

	loop *loop.ThreadLoop
	opts Options

	switching atomic.Bool
	wake      chan struct{}

	mu       sync.Mutex
	pending  string
	resource string
	lastErr  error

	// loop goroutine only
	decoder *video.VideoDecoder
	mrl     MRL
	packet  video.VideoPacket

	stopOnce sync.Once
}

// NewVideoInput starts an input loop with no source. Use SwitchInput to
// select one.
func NewVideoInput(opts Options) (*VideoInput, error) {
	in := &VideoInput{
		Generator: observer.NewGenerator(),
		opts:      opts,
		wake:      make(chan struct{}, 1),
	}
	in.loop = loop.New("video-input", nil, in.process, in.cleanup)
	if err := in.loop.Start(); err != nil {
		return nil, err
	}
	liveInputs.Add(1)
	return in, nil
}

// SwitchInput queues a switch to resource, an MRL or "" for no source.
// It returns false when a previous switch has not been applied yet.
func (in *VideoInput) SwitchInput(resource string) bool {
	if !in.switching.CompareAndSwap(false, true) {
		logrus.WithFields(logrus.Fields{
			"function": "VideoInput.SwitchInput",
			"resource": resource,
		}).Debug("Input switch already pending")
		return false
	}
	in.mu.Lock()
	in.pending = resource
	in.mu.Unlock()
	in.signal()
	return true
}

func (in *VideoInput) signal() {
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

// SwitchPending reports whether a queued switch has not been applied yet.
func (in *VideoInput) SwitchPending() bool { return in.switching.Load() }

// Resource returns the MRL currently captured, "" when idle.
func (in *VideoInput) Resource() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.resource
}

// Err returns the error of the last failed switch or read.
func (in *VideoInput) Err() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastErr
}

// Stop ends capture and waits for the loop to release the source.
func (in *VideoInput) Stop() {
	in.stopOnce.Do(func() {
		in.loop.Stop()
		in.signal()
		in.loop.Join()
		liveInputs.Add(-1)
	})
}

func (in *VideoInput) interrupted() bool {
	return in.switching.Load() || !in.loop.IsRunning()
}

func (in *VideoInput) process() {
	if in.switching.Load() {
		in.applySwitch()
		return
	}
	if in.decoder == nil {
		select {
		case <-in.wake:
		case <-time.After(idleWait):
		}
		return
	}

	frame := in.GetNewFrame()
	switch in.decoder.Decode(frame, &in.packet) {
	case video.DecodeFrameFinished:
		if in.mrl.Kind == KindCamera {
			if err := video.Mirror(frame); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "VideoInput.process",
					"error":    err.Error(),
				}).Debug("Failed to mirror camera frame")
			}
		}
		in.PublishFrame()
		in.opts.Metrics.FramePublished("input")
	case video.DecodeReadError:
		if in.interrupted() {
			return
		}
		err := in.decoder.Err()
		logrus.WithFields(logrus.Fields{
			"function": "VideoInput.process",
			"resource": in.mrl.String(),
			"error":    errString(err),
		}).Warn("Input read failed, closing source")
		in.closeDecoder()
		in.mu.Lock()
		in.lastErr = err
		in.resource = ""
		in.mu.Unlock()
	case video.DecodeError:
		logrus.WithFields(logrus.Fields{
			"function": "VideoInput.process",
			"resource": in.mrl.String(),
			"error":    errString(in.decoder.Err()),
		}).Warn("Failed to decode input frame")
	}
}

// applySwitch replaces the decoder with one for the pending resource.
func (in *VideoInput) applySwitch() {
	in.mu.Lock()
	resource := in.pending
	in.mu.Unlock()

	in.closeDecoder()
	var err error
	if resource != "" {
		err = in.openDecoder(resource)
	}

	in.mu.Lock()
	in.lastErr = err
	if err == nil {
		in.resource = resource
	} else {
		in.resource = ""
	}
	in.mu.Unlock()
	in.switching.Store(false)

	fields := logrus.Fields{
		"function": "VideoInput.applySwitch",
		"resource": resource,
	}
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Error("Failed to switch input")
		return
	}
	logrus.WithFields(fields).Info("Input switched")
}

func (in *VideoInput) openDecoder(resource string) error {
	mrl, err := ParseMRL(resource)
	if err != nil {
		return err
	}
	dec := video.NewVideoDecoder()
	dec.SetOptions(mrl.Options(in.opts.demuxerOptions()))
	dec.SetInterruptCallback(in.interrupted)
	if err := dec.OpenInput(mrl.Resource, mrl.FormatName()); err != nil {
		return err
	}
	in.decoder = dec
	in.mrl = mrl
	return nil
}

func (in *VideoInput) closeDecoder() {
	if in.decoder == nil {
		return
	}
	if err := in.decoder.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "VideoInput.closeDecoder",
			"resource": in.mrl.String(),
			"error":    err.Error(),
		}).Warn("Failed to close input")
	}
	in.decoder = nil
	in.mrl = MRL{}
}

func (in *VideoInput) cleanup() {
	in.closeDecoder()
	in.mu.Lock()
	in.resource = ""
	in.mu.Unlock()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
