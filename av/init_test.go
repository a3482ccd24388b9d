package av

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mediacore/av/video"
	"github.com/opd-ai/mediacore/config"
)

func TestInitRegistersCodecsAndFormats(t *testing.T) {
	defer logrus.SetLevel(logrus.GetLevel())

	cfg := config.Default()
	cfg.LogLevel = "warn"
	require.NoError(t, Init(cfg))
	require.NoError(t, Init(cfg), "Init is idempotent")

	assert.Equal(t, logrus.WarnLevel, logrus.GetLevel())
	assert.Subset(t, video.CodecNames(), []string{"mjpeg", "rawvideo", "vp8"})
	for _, name := range []string{"rtp", "image2"} {
		_, err := video.LookupInputFormat(name)
		assert.NoError(t, err, name)
	}
}

func TestInitRejectsBadLogLevel(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "loud"
	assert.Error(t, Init(cfg))
}

func TestInitNilConfig(t *testing.T) {
	defer logrus.SetLevel(logrus.GetLevel())
	assert.NoError(t, Init(nil))
	assert.Equal(t, logrus.InfoLevel, logrus.GetLevel())
}
