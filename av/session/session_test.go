package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mediacore/av/metrics"
	"github.com/opd-ai/mediacore/av/observer"
	"github.com/opd-ai/mediacore/av/video"
	"github.com/opd-ai/mediacore/config"
)

func TestDirectionFromSDP(t *testing.T) {
	full := func(port int, attr string) string {
		s := "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=call\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\n"
		s += fmt.Sprintf("m=video %d RTP/AVP 96\r\na=rtpmap:96 JPEG/90000\r\n", port)
		if attr != "" {
			s += "a=" + attr + "\r\n"
		}
		return s
	}
	tests := []struct {
		name string
		sdp  string
		want Direction
	}{
		{"sendrecv", full(5004, "sendrecv"), Direction{Sending: true, Receiving: true}},
		{"default is sendrecv", full(5004, ""), Direction{Sending: true, Receiving: true}},
		{"sendonly", full(5004, "sendonly"), Direction{Sending: true}},
		{"recvonly", full(5004, "recvonly"), Direction{Receiving: true}},
		{"inactive", full(5004, "inactive"), Direction{}},
		{"zero port with sendrecv", full(0, "sendrecv"), Direction{Sending: true}},
		{"zero port with recvonly", full(0, "recvonly"), Direction{}},
		{"fragment with zero port", "m=video 0 RTP/AVP 96\na=sendrecv", Direction{Sending: true}},
		{"fragment recvonly", "m=video 5004 RTP/AVP 96\na=recvonly", Direction{Receiving: true}},
		{"bare sendonly", "sendonly", Direction{Sending: true}},
		{"bare recvonly", "recvonly", Direction{Receiving: true}},
		{"bare inactive", "inactive", Direction{}},
		{"bare sendrecv", "sendrecv", Direction{Sending: true, Receiving: true}},
		{"fragment without attribute prefix", "m=video 5004 RTP/AVP 96\nsendonly", Direction{Sending: true}},
		{"sendrecv wins in text", "recvonly sendrecv", Direction{Sending: true, Receiving: true}},
		{"inactive wins over sendonly in text", "sendonly inactive", Direction{}},
		{"zero port bare keyword", "m=video 0 RTP/AVP 96\nsendrecv", Direction{Sending: true}},
		{"no video section", "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=call\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\n", Direction{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DirectionFromSDP(tt.sdp))
		})
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Encoder.Width = 64
	cfg.Encoder.Height = 48
	cfg.Network.PollTimeout = 20 * time.Millisecond
	cfg.Receiver.KeyFrameRequestInterval = 50 * time.Millisecond
	return cfg
}

func TestOfferSDP(t *testing.T) {
	cfg := testConfig()
	text, err := OfferSDP(cfg, "127.0.0.1", 5004, "sendonly")
	require.NoError(t, err)
	assert.Equal(t, Direction{Sending: true}, DirectionFromSDP(text))

	stream, err := video.ParseSDPStream(text)
	require.NoError(t, err)
	assert.Equal(t, "mjpeg", stream.CodecName)
	assert.Equal(t, 64, stream.Params.Width)
	assert.Equal(t, 48, stream.Params.Height)

	_, err = OfferSDP(cfg, "127.0.0.1", 5004, "sideways")
	assert.ErrorIs(t, err, ErrInvalidDirection)
}

func TestSessionStateTransitions(t *testing.T) {
	s := New(Options{ID: "call"})
	assert.Equal(t, StateIdle, s.State())

	assert.Error(t, s.UpdateDestination("udp://127.0.0.1:5004"))
	assert.Equal(t, StateIdle, s.State())

	require.NoError(t, s.UpdateDestination("rtp://127.0.0.1:5004"))
	assert.Equal(t, StateConfigured, s.State())

	s.UpdateSDP("m=video 5004 RTP/AVP 96\na=inactive")
	require.NoError(t, s.Start(0))
	assert.Equal(t, StateConfigured, s.State(), "nothing to start when inactive")
	assert.Nil(t, s.SocketPair())
}

func TestSessionStartWithoutDestination(t *testing.T) {
	s := New(Options{ID: "call"})
	s.UpdateSDP("m=video 5004 RTP/AVP 96\na=sendonly")
	assert.ErrorIs(t, s.Start(0), ErrNoDestination)
}

func TestSessionSendingOnly(t *testing.T) {
	local := observer.NewGenerator()
	s := New(Options{ID: "call", Config: testConfig(), Local: local})
	require.NoError(t, s.UpdateDestination("rtp://127.0.0.1:5004"))
	s.UpdateSDP("m=video 5004 RTP/AVP 96\na=sendonly")
	assert.True(t, s.Sending())
	assert.False(t, s.Receiving())

	require.NoError(t, s.Start(0))
	defer s.Stop()

	assert.Equal(t, StateActive, s.State())
	assert.NotNil(t, s.SocketPair())
	require.NotNil(t, s.Sender())
	assert.Nil(t, s.Receiver())
	assert.True(t, local.IsAttached(s.Sender()))

	s.ForceKeyFrame()
	assert.Equal(t, 1, s.Sender().PendingKeyFrames())

	s.MuteLocalMedia(true)
	assert.False(t, local.IsAttached(s.Sender()))
	s.MuteLocalMedia(false)
	assert.True(t, local.IsAttached(s.Sender()))

	sender := s.Sender()
	s.Stop()
	assert.Equal(t, StateConfigured, s.State())
	assert.Nil(t, s.Sender())
	assert.Nil(t, s.SocketPair())
	assert.False(t, local.IsAttached(sender))
}

func TestSessionReceiveWithoutDescription(t *testing.T) {
	s := New(Options{ID: "call", Config: testConfig()})
	require.NoError(t, s.UpdateDestination("rtp://127.0.0.1:5004"))
	s.UpdateSDP("m=video 5004 RTP/AVP 96\na=recvonly")
	// A fragment without codec information cannot open the stream.
	err := s.Start(0)
	assert.Error(t, err)
	assert.Equal(t, StateConfigured, s.State())
	assert.Nil(t, s.SocketPair())
}

func TestSessionLoopback(t *testing.T) {
	cfg := testConfig()
	portA, portB := freePortPair(t), freePortPair(t)
	metricsA := metrics.New(prometheus.NewRegistry())

	camera := observer.NewGenerator()
	a := New(Options{ID: "a", Config: cfg, Local: camera, Metrics: metricsA})
	require.NoError(t, a.UpdateDestination(fmt.Sprintf("rtp://127.0.0.1:%d", portB)))
	offerA, err := OfferSDP(cfg, "127.0.0.1", portA, "sendonly")
	require.NoError(t, err)
	a.UpdateSDP(offerA)

	events := &recordingEvents{}
	b := New(Options{ID: "b", Config: cfg, Events: events})
	sink := &fakeSink{name: "b_shm"}
	b.newSink = func() frameSink { return sink }
	require.NoError(t, b.UpdateDestination(fmt.Sprintf("rtp://127.0.0.1:%d", portA)))
	offerB, err := OfferSDP(cfg, "127.0.0.1", portB, "recvonly")
	require.NoError(t, err)
	b.UpdateSDP(offerB)

	require.NoError(t, a.Start(portA))
	defer a.Stop()
	require.NoError(t, b.Start(portB))
	defer b.Stop()
	assert.Nil(t, a.Receiver())
	assert.Nil(t, b.Sender())

	stop := make(chan struct{})
	defer close(stop)
	go publishLoop(camera, 64, 48, stop)

	require.Eventually(t, func() bool {
		frames, _, _ := sink.snapshot()
		return frames >= 3
	}, 5*time.Second, 10*time.Millisecond)
	_, last, _ := sink.snapshot()
	assert.Equal(t, 64, last.Width)
	assert.Equal(t, 48, last.Height)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metricsA.KeyFrameRequestsReceived) >= 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Greater(t, testutil.ToFloat64(metricsA.FramesEncoded), 0.0)

	b.Stop()
	_, _, stopped := sink.snapshot()
	assert.True(t, stopped)
	started, stoppedEvents := events.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, stoppedEvents)
}

func TestSessionConferenceRewiring(t *testing.T) {
	cfg := testConfig()
	port := freePortPair(t)

	confSink := &fakeSink{name: "conf_shm"}
	conf, err := newConference(ConferenceOptions{Width: 64, Height: 48, Framerate: 100}, func() frameSink { return confSink })
	require.NoError(t, err)
	defer conf.Close()
	assert.NotEmpty(t, conf.ID())
	assert.Equal(t, "conf_shm", conf.SinkName())

	// The session sends to itself so sender and receiver share one pair.
	camera := observer.NewGenerator()
	s := New(Options{ID: "call", Config: cfg, Local: camera})
	sink := &fakeSink{name: "call_shm"}
	s.newSink = func() frameSink { return sink }
	require.NoError(t, s.UpdateDestination(fmt.Sprintf("rtp://127.0.0.1:%d", port)))
	offer, err := OfferSDP(cfg, "127.0.0.1", port, "sendrecv")
	require.NoError(t, err)
	s.UpdateSDP(offer)
	require.NoError(t, s.Start(port))
	defer s.Stop()

	sender, receiver := s.Sender(), s.Receiver()
	require.NotNil(t, sender)
	require.NotNil(t, receiver)
	assert.True(t, camera.IsAttached(sender))
	assert.True(t, receiver.IsAttached(sink))

	s.EnterConference(conf)
	assert.Same(t, conf, s.Conference())
	assert.False(t, camera.IsAttached(sender))
	assert.True(t, conf.Mixer().IsAttached(sender))
	assert.True(t, receiver.IsAttached(conf.Mixer()))
	assert.False(t, receiver.IsAttached(sink))
	assert.Len(t, conf.Mixer().Sources(), 1)

	s.ExitConference()
	assert.Nil(t, s.Conference())
	assert.True(t, camera.IsAttached(sender))
	assert.False(t, conf.Mixer().IsAttached(sender))
	assert.True(t, receiver.IsAttached(sink))
	assert.Empty(t, conf.Mixer().Sources())
}

func TestSessionStartInsideConference(t *testing.T) {
	cfg := testConfig()
	port := freePortPair(t)
	conf, err := newConference(ConferenceOptions{Width: 64, Height: 48}, func() frameSink { return &fakeSink{} })
	require.NoError(t, err)
	defer conf.Close()

	s := New(Options{ID: "call", Config: cfg})
	s.newSink = func() frameSink { return &fakeSink{} }
	require.NoError(t, s.UpdateDestination(fmt.Sprintf("rtp://127.0.0.1:%d", port)))
	offer, err := OfferSDP(cfg, "127.0.0.1", port, "sendrecv")
	require.NoError(t, err)
	s.UpdateSDP(offer)
	s.EnterConference(conf)

	require.NoError(t, s.Start(port))
	assert.True(t, conf.Mixer().IsAttached(s.Sender()))
	assert.True(t, s.Receiver().InConference())
	assert.True(t, s.Receiver().IsAttached(conf.Mixer()))

	s.Stop()
	assert.Empty(t, conf.Mixer().Sources())
	assert.Equal(t, 2, conf.Mixer().ObserverCount(), "only the conference sink and its canvas watcher remain")
}

func TestConferenceReannouncesCanvasResize(t *testing.T) {
	events := &recordingEvents{}
	confSink := &fakeSink{name: "conf_shm"}
	conf, err := newConference(ConferenceOptions{Width: 64, Height: 48, Framerate: 100, Events: events}, func() frameSink { return confSink })
	require.NoError(t, err)

	started, stopped := events.lists()
	require.Len(t, started, 1)
	assert.Equal(t, conf.ID()+" conf_shm 64x48 true", started[0])
	assert.Empty(t, stopped)

	conf.Mixer().SetDimensions(32, 24)
	require.Eventually(t, func() bool {
		n, _ := events.counts()
		return n == 2
	}, 2*time.Second, 5*time.Millisecond)

	started, stopped = events.lists()
	assert.Equal(t, conf.ID()+" conf_shm 32x24 true", started[1])
	assert.Equal(t, []string{conf.ID() + " conf_shm true"}, stopped)
	w, h := conf.CanvasSize()
	assert.Equal(t, 32, w)
	assert.Equal(t, 24, h)
	_, last, _ := confSink.snapshot()
	require.NotNil(t, last)
	assert.Equal(t, 32, last.Width)

	require.NoError(t, conf.Close())
	_, stoppedCount := events.counts()
	assert.Equal(t, 2, stoppedCount)
}
