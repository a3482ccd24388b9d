package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mediacore/av/metrics"
	"github.com/opd-ai/mediacore/av/observer"
	"github.com/opd-ai/mediacore/av/rtp"
	"github.com/opd-ai/mediacore/av/video"
)

// rtpClockRate is the RTP clock of every video payload format in use.
const rtpClockRate = 90000

// SenderOptions configures a VideoSender.
type SenderOptions struct {
	// Destination is the rtp://host:port the stream is sent to.
	Destination string
	Codec       string
	Container   string
	// Args is the encoder configuration map, see config.Config.EncoderArgs.
	Args map[string]string
	// ReportInterval is the RTCP sender report period; zero disables
	// reports.
	ReportInterval time.Duration
	Metrics        *metrics.Metrics
	Clock          video.TimeProvider
}

// VideoSender encodes every frame delivered by the source it is attached
// to and sends it through a socket pair.
type VideoSender struct {
	encoder *video.VideoEncoder
	socket  *rtp.SocketPair
	opts    SenderOptions

	frameNumber   atomic.Int64
	forceKeyFrame atomic.Int32

	reportMu   sync.Mutex
	start      time.Time
	lastReport time.Time

	closeOnce sync.Once
}

// NewVideoSender opens the encoder and writes the container header.
//
// Parameters:
//   - opts: Destination, codec and encoder configuration
//   - sp: Socket pair the encoded stream is written to
//
// Returns:
//   - *VideoSender: The sender, ready to be attached to a frame source
//   - error: a *video.EncoderError when the encoder cannot be opened
func NewVideoSender(opts SenderOptions, sp *rtp.SocketPair) (*VideoSender, error) {
	if opts.Container == "" {
		opts.Container = "rtp"
	}
	if opts.Clock == nil {
		opts.Clock = video.DefaultTimeProvider{}
	}

	enc := video.NewVideoEncoder()
	enc.SetOptions(opts.Args)
	enc.SetIOContext(sp.CreateIOContext())
	enc.SetInterruptCallback(sp.Interrupted)
	if err := enc.OpenOutput(opts.Codec, opts.Container, opts.Destination, "video/"+opts.Codec); err != nil {
		return nil, err
	}
	if err := enc.StartIO(); err != nil {
		enc.Close()
		return nil, err
	}

	now := opts.Clock.Now()
	s := &VideoSender{
		encoder:    enc,
		socket:     sp,
		opts:       opts,
		start:      now,
		lastReport: now,
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewVideoSender",
		"destination": opts.Destination,
		"codec":       opts.Codec,
		"ssrc":        enc.SSRC(),
	}).Info("Video sender created")
	return s, nil
}

// Update encodes frame with the next frame number, as a key frame when one
// was requested since the previous frame.
func (s *VideoSender) Update(_ *observer.Observable[*video.VideoFrame], frame *video.VideoFrame) {
	key := s.takeKeyFrameRequest()
	n := s.frameNumber.Add(1) - 1
	size, err := s.encoder.Encode(frame, key, n)
	if err != nil {
		if !errors.Is(err, video.ErrInterrupted) {
			s.opts.Metrics.EncodeFailed()
			logrus.WithFields(logrus.Fields{
				"function":     "VideoSender.Update",
				"frame_number": n,
				"error":        err.Error(),
			}).Warn("Failed to encode video frame")
		}
		return
	}
	if size == 0 {
		return
	}
	s.opts.Metrics.FrameEncoded(size)
	s.maybeSendReport()
}

// takeKeyFrameRequest consumes one pending key frame request.
func (s *VideoSender) takeKeyFrameRequest() bool {
	for {
		pending := s.forceKeyFrame.Load()
		if pending <= 0 {
			return false
		}
		if s.forceKeyFrame.CompareAndSwap(pending, pending-1) {
			return true
		}
	}
}

func (s *VideoSender) maybeSendReport() {
	if s.opts.ReportInterval <= 0 {
		return
	}
	now := s.opts.Clock.Now()
	s.reportMu.Lock()
	if now.Sub(s.lastReport) < s.opts.ReportInterval {
		s.reportMu.Unlock()
		return
	}
	s.lastReport = now
	rtpTime := uint32(now.Sub(s.start).Seconds() * rtpClockRate)
	s.reportMu.Unlock()

	stats := s.socket.Stats()
	buf, err := rtp.NewSenderReport(s.encoder.SSRC(), rtpTime, uint32(stats.RTPPacketsSent), uint32(stats.RTPBytesSent), now)
	if err == nil {
		_, err = s.socket.WriteCallback(buf)
	}
	if err != nil && !errors.Is(err, rtp.ErrInterrupted) {
		logrus.WithFields(logrus.Fields{
			"function": "VideoSender.maybeSendReport",
			"error":    err.Error(),
		}).Debug("Failed to send RTCP sender report")
	}
}

// Attached logs the binding to a frame source.
func (s *VideoSender) Attached(*observer.Observable[*video.VideoFrame]) {
	logrus.WithFields(logrus.Fields{
		"function":    "VideoSender.Attached",
		"destination": s.opts.Destination,
	}).Debug("Video sender attached to source")
}

// Detached logs the unbinding from a frame source.
func (s *VideoSender) Detached(*observer.Observable[*video.VideoFrame]) {
	logrus.WithFields(logrus.Fields{
		"function":    "VideoSender.Detached",
		"destination": s.opts.Destination,
	}).Debug("Video sender detached from source")
}

// ForceKeyFrame makes the next encoded frame a key frame.
func (s *VideoSender) ForceKeyFrame() {
	s.forceKeyFrame.Add(1)
}

// PendingKeyFrames returns the number of key frame requests not yet served.
func (s *VideoSender) PendingKeyFrames() int {
	return int(s.forceKeyFrame.Load())
}

// FrameNumber returns the number of the next frame to encode.
func (s *VideoSender) FrameNumber() int64 {
	return s.frameNumber.Load()
}

// SDP returns the description of the outgoing stream.
func (s *VideoSender) SDP() string {
	return s.encoder.SDP()
}

// SSRC returns the synchronization source of the outgoing stream.
func (s *VideoSender) SSRC() uint32 {
	return s.encoder.SSRC()
}

// Close flushes and releases the encoder. It does not close the socket
// pair.
func (s *VideoSender) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if ferr := s.encoder.Flush(); ferr != nil && !errors.Is(ferr, video.ErrInterrupted) {
			logrus.WithFields(logrus.Fields{
				"function": "VideoSender.Close",
				"error":    ferr.Error(),
			}).Debug("Failed to flush encoder")
		}
		err = s.encoder.Close()
		logrus.WithFields(logrus.Fields{
			"function":    "VideoSender.Close",
			"destination": s.opts.Destination,
			"frames":      s.frameNumber.Load(),
		}).Info("Video sender closed")
	})
	return err
}
