// Package metrics exposes Prometheus instrumentation for the video
// pipeline. Every method is safe on a nil *Metrics so components run
// uninstrumented when no registry is configured.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline collectors.
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsStarted prometheus.Counter

	// Codec metrics
	FramesEncoded   prometheus.Counter
	EncodeErrors    prometheus.Counter
	EncodedBytes    prometheus.Histogram
	FramesDecoded   prometheus.Counter
	DecodeErrors    prometheus.Counter
	DecoderRebuilds prometheus.Counter

	// Frame routing metrics
	FramesPublished   *prometheus.CounterVec
	FramesMixed       prometheus.Counter
	ShmFramesRendered prometheus.Counter

	// Feedback metrics
	KeyFrameRequestsSent     prometheus.Counter
	KeyFrameRequestsReceived prometheus.Counter

	// Transport metrics
	RTPBytesSent     prometheus.Counter
	RTPBytesReceived prometheus.Counter
	RTCPPacketsSent  prometheus.Counter
}

// New creates the collectors and registers them on reg. A nil reg uses
// the default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "mediacore_active_sessions",
			Help: "Number of video RTP sessions currently active",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "mediacore_sessions_started_total",
			Help: "Total number of video RTP sessions started",
		}),

		FramesEncoded: f.NewCounter(prometheus.CounterOpts{
			Name: "mediacore_frames_encoded_total",
			Help: "Total number of frames encoded and sent",
		}),
		EncodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "mediacore_encode_errors_total",
			Help: "Total number of frames the encoder failed to send",
		}),
		EncodedBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mediacore_encoded_frame_bytes",
			Help:    "Size of encoded access units in bytes",
			Buckets: prometheus.ExponentialBuckets(512, 2, 10), // 512B to ~256KB
		}),
		FramesDecoded: f.NewCounter(prometheus.CounterOpts{
			Name: "mediacore_frames_decoded_total",
			Help: "Total number of frames decoded",
		}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "mediacore_decode_errors_total",
			Help: "Total number of packets the decoder rejected",
		}),
		DecoderRebuilds: f.NewCounter(prometheus.CounterOpts{
			Name: "mediacore_decoder_rebuilds_total",
			Help: "Total number of decoder re-creations after decode errors",
		}),

		FramesPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediacore_frames_published_total",
				Help: "Total number of frames published by generators",
			},
			[]string{"source"}, // source: input, receiver, mixer
		),
		FramesMixed: f.NewCounter(prometheus.CounterOpts{
			Name: "mediacore_frames_mixed_total",
			Help: "Total number of composited mixer frames",
		}),
		ShmFramesRendered: f.NewCounter(prometheus.CounterOpts{
			Name: "mediacore_shm_frames_rendered_total",
			Help: "Total number of frames written to shared memory sinks",
		}),

		KeyFrameRequestsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "mediacore_keyframe_requests_sent_total",
			Help: "Total number of key frame requests sent to peers",
		}),
		KeyFrameRequestsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "mediacore_keyframe_requests_received_total",
			Help: "Total number of key frame requests received from peers",
		}),

		RTPBytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "mediacore_rtp_bytes_sent_total",
			Help: "Total number of RTP payload bytes sent",
		}),
		RTPBytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "mediacore_rtp_bytes_received_total",
			Help: "Total number of RTP bytes received",
		}),
		RTCPPacketsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "mediacore_rtcp_packets_sent_total",
			Help: "Total number of RTCP packets sent",
		}),
	}
}

// SessionStarted records a session entering the active state.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

// SessionStopped records a session leaving the active state.
func (m *Metrics) SessionStopped() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// FrameEncoded records one sent access unit of size bytes.
func (m *Metrics) FrameEncoded(size int) {
	if m == nil {
		return
	}
	m.FramesEncoded.Inc()
	m.EncodedBytes.Observe(float64(size))
}

// EncodeFailed records a frame the sender could not encode or write.
func (m *Metrics) EncodeFailed() {
	if m == nil {
		return
	}
	m.EncodeErrors.Inc()
}

// FrameDecoded records one decoded picture.
func (m *Metrics) FrameDecoded() {
	if m == nil {
		return
	}
	m.FramesDecoded.Inc()
}

// DecodeFailed records a decode error and the rebuild that follows it.
func (m *Metrics) DecodeFailed(rebuilt bool) {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
	if rebuilt {
		m.DecoderRebuilds.Inc()
	}
}

// FramePublished records a frame published by a generator of kind source.
func (m *Metrics) FramePublished(source string) {
	if m == nil {
		return
	}
	m.FramesPublished.WithLabelValues(source).Inc()
}

// FrameMixed records one composited mixer frame.
func (m *Metrics) FrameMixed() {
	if m == nil {
		return
	}
	m.FramesMixed.Inc()
}

// ShmFrameRendered records one frame written to shared memory.
func (m *Metrics) ShmFrameRendered() {
	if m == nil {
		return
	}
	m.ShmFramesRendered.Inc()
}

// KeyFrameRequested records a key frame request sent to the peer.
func (m *Metrics) KeyFrameRequested() {
	if m == nil {
		return
	}
	m.KeyFrameRequestsSent.Inc()
}

// KeyFrameRequestReceived records a key frame request from the peer.
func (m *Metrics) KeyFrameRequestReceived() {
	if m == nil {
		return
	}
	m.KeyFrameRequestsReceived.Inc()
}

// TransportDelta adds traffic counted since the previous call.
func (m *Metrics) TransportDelta(rtpSent, rtpReceived, rtcpSent uint64) {
	if m == nil {
		return
	}
	m.RTPBytesSent.Add(float64(rtpSent))
	m.RTPBytesReceived.Add(float64(rtpReceived))
	m.RTCPPacketsSent.Add(float64(rtcpSent))
}
