package session

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mediacore/av/loop"
	"github.com/opd-ai/mediacore/av/metrics"
	"github.com/opd-ai/mediacore/av/observer"
	"github.com/opd-ai/mediacore/av/shm"
	"github.com/opd-ai/mediacore/av/video"
)

const (
	// DefaultRestartBudget bounds consecutive decoder rebuilds.
	DefaultRestartBudget = 5

	// DefaultKeyFrameRequestInterval spaces key frame requests sent while
	// no key frame has been decoded.
	DefaultKeyFrameRequestInterval = 500 * time.Millisecond
)

// streamDecoder is the part of video.VideoDecoder the receive loop uses.
type streamDecoder interface {
	Decode(frame *video.VideoFrame, packet *video.VideoPacket) video.DecodeStatus
	KeyFrameSeen() bool
	Err() error
	Close() error
}

// frameSink is where decoded frames are rendered outside of conferences.
type frameSink interface {
	observer.FrameObserver
	Start() error
	Stop() error
	OpenedName() string
}

// ReceiveOptions configures a VideoReceiveThread.
type ReceiveOptions struct {
	// ID names the stream in events, usually the call ID.
	ID string
	// SDP describes the incoming stream.
	SDP string
	// RestartBudget is the number of consecutive decode failures recovered
	// by rebuilding the decoder before the loop stops.
	RestartBudget int
	// KeyFrameRequestInterval spaces key frame requests until the first
	// key frame is decoded.
	KeyFrameRequestInterval time.Duration
	Shm                     shm.Options
	Metrics                 *metrics.Metrics
	Events                  Events
	Clock                   video.TimeProvider
}

// VideoReceiveThread decodes an incoming RTP stream on its own loop and
// publishes the pictures as a frame generator.
//
// Outside of a conference the pictures are rendered to a shared memory
// sink. In a conference the sink is detached and the owner attaches the
// conference mixer instead; decoding continues across the switch.
type VideoReceiveThread struct {
	*observer.Generator

	opts ReceiveOptions
	io   *video.IOContext
	loop *loop.ThreadLoop

	openDecoder func() (streamDecoder, error)
	newSink     func() frameSink

	mu             sync.Mutex
	requestKey     func()
	sink           frameSink
	sinkAttached   bool
	inConference   bool
	restarts       int
	decoderBuilds  int
	keyRequests    int
	decodedFrames  int
	decodingActive bool
	announcedW     int
	announcedH     int
	err            error

	// loop goroutine only
	decoder     streamDecoder
	packet      *video.VideoPacket
	lastRequest time.Time
}

// NewVideoReceiveThread creates a receiver reading datagrams through io.
// Nothing runs until Start.
func NewVideoReceiveThread(opts ReceiveOptions, io *video.IOContext) *VideoReceiveThread {
	if opts.RestartBudget <= 0 {
		opts.RestartBudget = DefaultRestartBudget
	}
	if opts.KeyFrameRequestInterval <= 0 {
		opts.KeyFrameRequestInterval = DefaultKeyFrameRequestInterval
	}
	if opts.Events == nil {
		opts.Events = LogEvents{}
	}
	if opts.Clock == nil {
		opts.Clock = video.DefaultTimeProvider{}
	}
	if opts.Shm.Metrics == nil {
		opts.Shm.Metrics = opts.Metrics
	}
	r := &VideoReceiveThread{
		Generator: observer.NewGenerator(),
		opts:      opts,
		io:        io,
		packet:    &video.VideoPacket{},
	}
	r.openDecoder = r.openNetworkDecoder
	r.newSink = func() frameSink { return shm.NewSink(r.opts.Shm) }
	r.loop = loop.New("video-receive-"+opts.ID, r.setup, r.process, r.cleanup)
	return r
}

// SetRequestKeyFrameCallback installs the function asking the peer for a
// key frame.
func (r *VideoReceiveThread) SetRequestKeyFrameCallback(cb func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestKey = cb
}

// Start opens the stream and the sink and begins decoding. It returns once
// setup has completed.
func (r *VideoReceiveThread) Start() error {
	if err := r.loop.Start(); err != nil {
		if setupErr := r.Err(); setupErr != nil {
			return errors.Join(err, setupErr)
		}
		return err
	}
	return nil
}

// Stop ends decoding and waits for the loop to exit.
func (r *VideoReceiveThread) Stop() {
	r.loop.Exit()
}

// IsRunning reports whether the decoding loop is alive.
func (r *VideoReceiveThread) IsRunning() bool {
	return r.loop.IsRunning()
}

// Done is closed when the decoding loop has exited.
func (r *VideoReceiveThread) Done() <-chan struct{} {
	return r.loop.Done()
}

func (r *VideoReceiveThread) openNetworkDecoder() (streamDecoder, error) {
	d := video.NewVideoDecoder()
	d.SetIOContext(r.io)
	d.SetInterruptCallback(func() bool { return !r.loop.IsRunning() })
	if err := d.SetupFromVideoData(r.opts.SDP); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (r *VideoReceiveThread) buildDecoder() error {
	d, err := r.openDecoder()
	if err != nil {
		r.setErr(err)
		return err
	}
	r.decoder = d
	r.mu.Lock()
	r.decoderBuilds++
	r.mu.Unlock()
	return nil
}

func (r *VideoReceiveThread) setup() bool {
	if err := r.buildDecoder(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "VideoReceiveThread.setup",
			"id":       r.opts.ID,
			"error":    err.Error(),
		}).Error("Failed to open incoming video stream")
		return false
	}

	sink := r.newSink()
	if err := sink.Start(); err != nil {
		r.setErr(err)
		r.decoder.Close()
		r.decoder = nil
		return false
	}

	r.mu.Lock()
	r.sink = sink
	attach := !r.inConference
	r.sinkAttached = attach
	r.mu.Unlock()
	if attach {
		r.Attach(sink)
	}

	r.requestKeyFrame()

	logrus.WithFields(logrus.Fields{
		"function": "VideoReceiveThread.setup",
		"id":       r.opts.ID,
		"shm_name": sink.OpenedName(),
	}).Info("Video receiver started")
	return true
}

func (r *VideoReceiveThread) requestKeyFrame() {
	r.lastRequest = r.opts.Clock.Now()
	r.mu.Lock()
	cb := r.requestKey
	r.keyRequests++
	r.mu.Unlock()
	if cb != nil {
		cb()
	}
	r.opts.Metrics.KeyFrameRequested()
}

func (r *VideoReceiveThread) process() {
	if !r.decoder.KeyFrameSeen() && r.opts.Clock.Since(r.lastRequest) >= r.opts.KeyFrameRequestInterval {
		r.requestKeyFrame()
	}

	frame := r.GetNewFrame()
	switch r.decoder.Decode(frame, r.packet) {
	case video.DecodeFrameFinished:
		r.restarts = 0
		r.PublishFrame()
		r.opts.Metrics.FrameDecoded()
		r.opts.Metrics.FramePublished("receiver")
		r.noteFrame(frame)

	case video.DecodeError:
		r.restarts++
		rebuild := r.restarts <= r.opts.RestartBudget
		r.opts.Metrics.DecodeFailed(rebuild)
		if !rebuild {
			r.setErr(ErrRestartBudgetExceeded)
			logrus.WithFields(logrus.Fields{
				"function": "VideoReceiveThread.process",
				"id":       r.opts.ID,
				"restarts": r.restarts - 1,
			}).Error("Decoder keeps failing, stopping receiver")
			r.loop.Stop()
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "VideoReceiveThread.process",
			"id":       r.opts.ID,
			"attempt":  r.restarts,
			"error":    errString(r.decoder.Err()),
		}).Warn("Decode error, rebuilding decoder")
		r.decoder.Close()
		r.decoder = nil
		if err := r.buildDecoder(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "VideoReceiveThread.process",
				"id":       r.opts.ID,
				"error":    err.Error(),
			}).Error("Failed to rebuild decoder")
			r.loop.Stop()
			return
		}
		r.requestKeyFrame()

	case video.DecodeReadError:
		err := r.decoder.Err()
		if r.loop.IsRunning() && !errors.Is(err, video.ErrInterrupted) {
			r.setErr(err)
			logrus.WithFields(logrus.Fields{
				"function": "VideoReceiveThread.process",
				"id":       r.opts.ID,
				"error":    errString(err),
			}).Error("Failed to read incoming video")
		}
		r.loop.Stop()
	}
}

// noteFrame announces the sink once the first picture gives its geometry,
// and announces it again, stopped then started, whenever the geometry
// changes so consumers remap the segment with the new size.
func (r *VideoReceiveThread) noteFrame(frame *video.VideoFrame) {
	r.mu.Lock()
	r.decodedFrames++
	if r.sink == nil {
		r.mu.Unlock()
		return
	}
	first := !r.decodingActive
	resized := !first && (frame.Width != r.announcedW || frame.Height != r.announcedH)
	r.decodingActive = true
	r.announcedW, r.announcedH = frame.Width, frame.Height
	name := r.sink.OpenedName()
	r.mu.Unlock()

	if resized {
		logrus.WithFields(logrus.Fields{
			"function": "VideoReceiveThread.noteFrame",
			"id":       r.opts.ID,
			"width":    frame.Width,
			"height":   frame.Height,
		}).Info("Incoming video geometry changed")
		r.opts.Events.DecodingStopped(r.opts.ID, name, false)
	}
	if first || resized {
		r.opts.Events.DecodingStarted(r.opts.ID, name, frame.Width, frame.Height, false)
	}
}

func (r *VideoReceiveThread) cleanup() {
	if r.decoder != nil {
		r.decoder.Close()
		r.decoder = nil
	}
	r.mu.Lock()
	sink := r.sink
	attached := r.sinkAttached
	announced := r.decodingActive
	r.sink = nil
	r.sinkAttached = false
	r.decodingActive = false
	r.announcedW, r.announcedH = 0, 0
	r.mu.Unlock()
	if sink == nil {
		return
	}
	if attached {
		r.Detach(sink)
	}
	name := sink.OpenedName()
	if err := sink.Stop(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "VideoReceiveThread.cleanup",
			"id":       r.opts.ID,
			"error":    err.Error(),
		}).Warn("Failed to stop sink")
	}
	if announced {
		r.opts.Events.DecodingStopped(r.opts.ID, name, false)
	}
	logrus.WithFields(logrus.Fields{
		"function": "VideoReceiveThread.cleanup",
		"id":       r.opts.ID,
	}).Info("Video receiver stopped")
}

// EnterConference detaches the sink; the caller attaches the mixer.
func (r *VideoReceiveThread) EnterConference() {
	r.mu.Lock()
	r.inConference = true
	sink := r.sink
	detach := r.sinkAttached
	r.sinkAttached = false
	r.mu.Unlock()
	if detach && sink != nil {
		r.Detach(sink)
	}
}

// ExitConference attaches the sink again.
func (r *VideoReceiveThread) ExitConference() {
	r.mu.Lock()
	r.inConference = false
	sink := r.sink
	attach := sink != nil && !r.sinkAttached
	r.sinkAttached = r.sinkAttached || attach
	r.mu.Unlock()
	if attach {
		r.Attach(sink)
	}
}

// InConference reports whether the sink is bypassed for a mixer.
func (r *VideoReceiveThread) InConference() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inConference
}

// SinkName returns the shared memory segment name, empty before Start.
func (r *VideoReceiveThread) SinkName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sink == nil {
		return ""
	}
	return r.sink.OpenedName()
}

// Stats reports decoder builds, key frame requests and decoded frames.
func (r *VideoReceiveThread) Stats() (builds, keyRequests, frames int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decoderBuilds, r.keyRequests, r.decodedFrames
}

// Err returns the error that stopped the receiver, if any.
func (r *VideoReceiveThread) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *VideoReceiveThread) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
