package session

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mediacore/av/metrics"
	"github.com/opd-ai/mediacore/av/rtp"
	"github.com/opd-ai/mediacore/av/video"
)

func newTestSender(t *testing.T, m *metrics.Metrics) (*VideoSender, *net.UDPConn) {
	t.Helper()
	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })

	dest := fmt.Sprintf("rtp://127.0.0.1:%d", peer.LocalAddr().(*net.UDPAddr).Port)
	sp, err := rtp.NewSocketPair(dest, 0)
	require.NoError(t, err)
	t.Cleanup(func() { sp.Close() })

	s, err := NewVideoSender(SenderOptions{
		Destination: dest,
		Codec:       "mjpeg",
		Args:        map[string]string{"width": "32", "height": "24"},
		Metrics:     m,
	}, sp)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, peer
}

func grayFrame(t *testing.T, w, h int) *video.VideoFrame {
	t.Helper()
	f := video.NewVideoFrame()
	require.NoError(t, f.Alloc(video.FormatI420, w, h))
	f.FillBlack()
	return f
}

func TestVideoSenderEncodesAndSends(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	s, peer := newTestSender(t, m)
	assert.NotEmpty(t, s.SDP())
	assert.NotZero(t, s.SSRC())

	s.Update(nil, grayFrame(t, 32, 24))
	s.Update(nil, grayFrame(t, 64, 48))
	assert.Equal(t, int64(2), s.FrameNumber())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesEncoded))

	buf := make([]byte, 2048)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := peer.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Greater(t, n, 12)
	assert.False(t, rtp.IsRTCP(buf[1]))
}

func TestVideoSenderForceKeyFrame(t *testing.T) {
	s, _ := newTestSender(t, nil)

	s.ForceKeyFrame()
	s.ForceKeyFrame()
	assert.Equal(t, 2, s.PendingKeyFrames())

	s.Update(nil, grayFrame(t, 32, 24))
	assert.Equal(t, 1, s.PendingKeyFrames(), "each frame consumes one request")
	s.Update(nil, grayFrame(t, 32, 24))
	s.Update(nil, grayFrame(t, 32, 24))
	assert.Equal(t, 0, s.PendingKeyFrames())
}

func TestVideoSenderRejectsUnknownCodec(t *testing.T) {
	sp, err := rtp.NewSocketPair("rtp://127.0.0.1:5004", 0)
	require.NoError(t, err)
	defer sp.Close()

	_, err = NewVideoSender(SenderOptions{
		Destination: "rtp://127.0.0.1:5004",
		Codec:       "h265",
		Args:        map[string]string{"width": "32", "height": "24"},
	}, sp)
	var encErr *video.EncoderError
	assert.ErrorAs(t, err, &encErr)
}
