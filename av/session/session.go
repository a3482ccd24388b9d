// Package session wires the video pipeline of one call: a socket pair, a
// sender fed by the local source or a conference mixer, and a receive
// thread rendering to shared memory or into the mixer.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mediacore/av/loop"
	"github.com/opd-ai/mediacore/av/metrics"
	"github.com/opd-ai/mediacore/av/observer"
	"github.com/opd-ai/mediacore/av/rtp"
	"github.com/opd-ai/mediacore/av/shm"
	"github.com/opd-ai/mediacore/av/video"
	"github.com/opd-ai/mediacore/config"
)

// State is the lifecycle state of a VideoRtpSession.
type State int

const (
	// StateIdle means neither destination nor stream description is known.
	StateIdle State = iota
	// StateConfigured means the session can be started.
	StateConfigured
	// StateActive means the socket pair is open and the sender and/or the
	// receiver run.
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConfigured:
		return "Configured"
	case StateActive:
		return "Active"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// SRTPParams holds the SDES crypto parameters of both directions.
type SRTPParams struct {
	OutSuite string
	OutKey   string
	InSuite  string
	InKey    string
}

// Options configures a VideoRtpSession.
type Options struct {
	// ID identifies the call in logs and events.
	ID     string
	Config *config.Config
	// Local is the frame source sent outside of conferences, usually the
	// camera selector. Nil sends nothing until the session joins a
	// conference.
	Local   observer.FrameSource
	SRTP    *SRTPParams
	Events  Events
	Metrics *metrics.Metrics
}

// VideoRtpSession is the video side of one call.
//
// Every public method takes the session mutex; unexported methods with a
// Locked suffix expect it to be held.
type VideoRtpSession struct {
	mu   sync.Mutex
	opts Options
	cfg  *config.Config

	state       State
	destination string
	rxSDP       string
	direction   Direction
	muted       bool

	socket       *rtp.SocketPair
	sender       *VideoSender
	senderSource observer.FrameSource
	receiver     *VideoReceiveThread
	feedback     *loop.ThreadLoop
	conf         *Conference

	newSink func() frameSink
}

// New creates an idle session.
func New(opts Options) *VideoRtpSession {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Events == nil {
		opts.Events = LogEvents{}
	}
	return &VideoRtpSession{opts: opts, cfg: opts.Config}
}

// ID returns the call identifier.
func (s *VideoRtpSession) ID() string { return s.opts.ID }

// UpdateSDP sets the description of the incoming stream and derives the
// sending and receiving flags from its media direction. It takes effect at
// the next Start.
func (s *VideoRtpSession) UpdateSDP(sdp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.direction = DirectionFromSDP(sdp)
	s.rxSDP = sdp
	if s.state == StateIdle {
		s.state = StateConfigured
	}

	logrus.WithFields(logrus.Fields{
		"function":  "VideoRtpSession.UpdateSDP",
		"id":        s.opts.ID,
		"sending":   s.direction.Sending,
		"receiving": s.direction.Receiving,
	}).Info("Video session description updated")
}

// UpdateDestination sets the rtp://host:port the stream is sent to. It
// takes effect at the next Start.
func (s *VideoRtpSession) UpdateDestination(uri string) error {
	if _, _, err := rtp.ParseURI(uri); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destination = uri
	if s.state == StateIdle {
		s.state = StateConfigured
	}
	return nil
}

// Start opens the socket pair on localPort and starts the enabled
// directions. A running session is restarted. With neither direction
// enabled the session is stopped instead.
//
// A direction that fails to start is logged and left disabled while the
// other keeps running; the returned error then describes the failure and
// the session is still active.
//
// Parameters:
//   - localPort: Local RTP port, RTCP uses localPort+1; 0 picks a free pair
//
// Returns:
//   - error: socket creation failure, or the failures of the directions
func (s *VideoRtpSession) Start(localPort int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.direction.Sending && !s.direction.Receiving {
		s.stopLocked()
		return nil
	}
	if s.destination == "" {
		return ErrNoDestination
	}
	s.stopLocked()

	sp, err := rtp.NewSocketPair(s.destination, localPort)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "VideoRtpSession.Start",
			"id":       s.opts.ID,
			"error":    err.Error(),
		}).Error("Failed to open video socket pair")
		return err
	}
	sp.SetPollTimeout(s.cfg.Network.PollTimeout)
	if p := s.opts.SRTP; p != nil {
		if err := sp.CreateSRTP(p.OutSuite, p.OutKey, p.InSuite, p.InKey); err != nil {
			sp.Close()
			return err
		}
	}
	s.socket = sp

	var errs []error
	if s.direction.Sending {
		if err := s.startSenderLocked(); err != nil {
			errs = append(errs, fmt.Errorf("start sender: %w", err))
		}
	}
	if s.direction.Receiving {
		if err := s.startReceiverLocked(); err != nil {
			errs = append(errs, fmt.Errorf("start receiver: %w", err))
		}
	}
	if s.sender == nil && s.receiver == nil {
		sp.Close()
		s.socket = nil
		return errors.Join(errs...)
	}
	for _, err := range errs {
		logrus.WithFields(logrus.Fields{
			"function": "VideoRtpSession.Start",
			"id":       s.opts.ID,
			"error":    err.Error(),
		}).Error("Video direction disabled")
	}

	s.startFeedbackLocked()
	s.state = StateActive
	s.opts.Metrics.SessionStarted()

	rtpPort, rtcpPort := sp.LocalPorts()
	logrus.WithFields(logrus.Fields{
		"function":    "VideoRtpSession.Start",
		"id":          s.opts.ID,
		"destination": s.destination,
		"rtp_port":    rtpPort,
		"rtcp_port":   rtcpPort,
		"sending":     s.sender != nil,
		"receiving":   s.receiver != nil,
	}).Info("Video session started")
	return errors.Join(errs...)
}

func (s *VideoRtpSession) startSenderLocked() error {
	sender, err := NewVideoSender(SenderOptions{
		Destination:    s.destination,
		Codec:          s.cfg.Encoder.Codec,
		Container:      s.cfg.Encoder.Container,
		Args:           s.cfg.EncoderArgs(),
		ReportInterval: s.cfg.Network.RTCPInterval,
		Metrics:        s.opts.Metrics,
	}, s.socket)
	if err != nil {
		return err
	}
	s.sender = sender
	s.bindSenderLocked()
	return nil
}

func (s *VideoRtpSession) startReceiverLocked() error {
	if s.rxSDP == "" {
		return ErrNoReceiveSDP
	}
	format, err := video.ParsePixelFormat(s.cfg.Shm.PixelFormat)
	if err != nil {
		format = video.FormatBGRA
	}
	r := NewVideoReceiveThread(ReceiveOptions{
		ID:                      s.opts.ID,
		SDP:                     s.rxSDP,
		RestartBudget:           s.cfg.Receiver.RestartBudget,
		KeyFrameRequestInterval: s.cfg.Receiver.KeyFrameRequestInterval,
		Shm:                     shm.Options{Prefix: s.cfg.Shm.Prefix, Format: format},
		Metrics:                 s.opts.Metrics,
		Events:                  s.opts.Events,
	}, s.socket.CreateIOContext())
	if s.newSink != nil {
		r.newSink = s.newSink
	}
	sp := s.socket
	id := s.opts.ID
	r.SetRequestKeyFrameCallback(func() {
		if err := sp.RequestKeyFrame(0); err != nil && !errors.Is(err, rtp.ErrInterrupted) {
			logrus.WithFields(logrus.Fields{
				"function": "VideoRtpSession.requestKeyFrame",
				"id":       id,
				"error":    err.Error(),
			}).Debug("Failed to send key frame request")
		}
	})
	if s.conf != nil {
		r.EnterConference()
	}
	if err := r.Start(); err != nil {
		return err
	}
	if s.conf != nil {
		r.Attach(s.conf.Mixer())
	}
	s.receiver = r
	return nil
}

// startFeedbackLocked reads RTCP from the peer and turns key frame
// requests into forced key frames on the sender.
func (s *VideoRtpSession) startFeedbackLocked() {
	sp, sender, m, id := s.socket, s.sender, s.opts.Metrics, s.opts.ID
	buf := make([]byte, rtp.RTPMaxPacketLength)
	var fb *loop.ThreadLoop
	fb = loop.New("video-rtcp-"+id, nil, func() {
		n, err := sp.ReadRTCP(buf)
		if err != nil {
			if !errors.Is(err, rtp.ErrInterrupted) {
				logrus.WithFields(logrus.Fields{
					"function": "VideoRtpSession.feedback",
					"id":       id,
					"error":    err.Error(),
				}).Warn("RTCP read failed")
			}
			fb.Stop()
			return
		}
		if sender != nil && rtp.IsKeyFrameRequest(buf[:n]) {
			m.KeyFrameRequestReceived()
			sender.ForceKeyFrame()
			logrus.WithFields(logrus.Fields{
				"function": "VideoRtpSession.feedback",
				"id":       id,
			}).Debug("Peer requested a key frame")
		}
	}, nil)
	if err := fb.Start(); err != nil {
		return
	}
	s.feedback = fb
}

// sourceLocked returns the source the sender should observe.
func (s *VideoRtpSession) sourceLocked() observer.FrameSource {
	if s.conf != nil {
		return s.conf.Mixer()
	}
	return s.opts.Local
}

func (s *VideoRtpSession) bindSenderLocked() {
	if s.sender == nil || s.muted || s.senderSource != nil {
		return
	}
	src := s.sourceLocked()
	if src == nil {
		return
	}
	src.Attach(s.sender)
	s.senderSource = src
}

func (s *VideoRtpSession) unbindSenderLocked() {
	if s.sender == nil || s.senderSource == nil {
		return
	}
	s.senderSource.Detach(s.sender)
	s.senderSource = nil
}

// Stop detaches every observer link, interrupts the socket pair, then
// releases the sender, the receiver and the socket pair in that order.
func (s *VideoRtpSession) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *VideoRtpSession) stopLocked() {
	if s.state != StateActive {
		return
	}
	if s.feedback != nil {
		s.feedback.Stop()
	}
	s.unbindSenderLocked()
	if s.receiver != nil && s.conf != nil {
		s.receiver.Detach(s.conf.Mixer())
	}
	s.socket.Interrupt()

	if s.feedback != nil {
		s.feedback.Join()
		s.feedback = nil
	}
	if s.sender != nil {
		s.sender.Close()
		s.sender = nil
	}
	if s.receiver != nil {
		s.receiver.Stop()
		s.receiver = nil
	}
	stats := s.socket.Stats()
	s.opts.Metrics.TransportDelta(stats.RTPBytesSent, stats.RTPBytesReceived, stats.RTCPPacketsSent)
	s.socket.Close()
	s.socket = nil

	s.state = StateConfigured
	s.opts.Metrics.SessionStopped()

	logrus.WithFields(logrus.Fields{
		"function":    "VideoRtpSession.Stop",
		"id":          s.opts.ID,
		"rtp_sent":    stats.RTPBytesSent,
		"rtp_recv":    stats.RTPBytesReceived,
		"rtcp_sent":   stats.RTCPPacketsSent,
		"rtcp_recv":   stats.RTCPPacketsRecv,
		"rtp_packets": stats.RTPPacketsSent,
	}).Info("Video session stopped")
}

// ForceKeyFrame makes the sender's next frame a key frame.
func (s *VideoRtpSession) ForceKeyFrame() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sender != nil {
		s.sender.ForceKeyFrame()
	}
}

// EnterConference sends the conference canvas instead of the local source
// and feeds the received stream into the conference mixer. It can be
// called before or after Start.
func (s *VideoRtpSession) EnterConference(conf *Conference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conf == nil || s.conf == conf {
		return
	}
	s.exitConferenceLocked()
	s.conf = conf
	if s.sender != nil {
		s.unbindSenderLocked()
		s.bindSenderLocked()
	}
	if s.receiver != nil {
		s.receiver.EnterConference()
		s.receiver.Attach(conf.Mixer())
	}

	logrus.WithFields(logrus.Fields{
		"function": "VideoRtpSession.EnterConference",
		"id":       s.opts.ID,
		"conf_id":  conf.ID(),
	}).Info("Video session joined conference")
}

// ExitConference restores point-to-point wiring.
func (s *VideoRtpSession) ExitConference() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitConferenceLocked()
}

func (s *VideoRtpSession) exitConferenceLocked() {
	conf := s.conf
	if conf == nil {
		return
	}
	if s.receiver != nil {
		s.receiver.Detach(conf.Mixer())
		s.receiver.ExitConference()
	}
	s.unbindSenderLocked()
	s.conf = nil
	s.bindSenderLocked()

	logrus.WithFields(logrus.Fields{
		"function": "VideoRtpSession.ExitConference",
		"id":       s.opts.ID,
		"conf_id":  conf.ID(),
	}).Info("Video session left conference")
}

// MuteLocalMedia stops or resumes feeding frames to the sender without
// closing the stream.
func (s *VideoRtpSession) MuteLocalMedia(mute bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.muted == mute {
		return
	}
	s.muted = mute
	if mute {
		s.unbindSenderLocked()
	} else {
		s.bindSenderLocked()
	}
}

// State returns the lifecycle state.
func (s *VideoRtpSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Sending reports whether the negotiated direction includes sending.
func (s *VideoRtpSession) Sending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direction.Sending
}

// Receiving reports whether the negotiated direction includes receiving.
func (s *VideoRtpSession) Receiving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direction.Receiving
}

// Sender returns the running sender, or nil.
func (s *VideoRtpSession) Sender() *VideoSender {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sender
}

// Receiver returns the running receive thread, or nil.
func (s *VideoRtpSession) Receiver() *VideoReceiveThread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiver
}

// SocketPair returns the open socket pair, or nil.
func (s *VideoRtpSession) SocketPair() *rtp.SocketPair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socket
}

// Conference returns the conference the session is in, or nil.
func (s *VideoRtpSession) Conference() *Conference {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conf
}
