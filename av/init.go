package av

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mediacore/av/input"
	"github.com/opd-ai/mediacore/av/video"
	"github.com/opd-ai/mediacore/config"
)

// Init prepares the process for media work: it sets the logrus level from
// cfg and registers the built-in codecs, the rtp container and the capture
// formats. Registration is idempotent; the log level is applied on every
// call. A nil cfg uses the defaults.
func Init(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Default()
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logrus.SetLevel(level)

	video.Init()
	input.Init()

	logrus.WithFields(logrus.Fields{
		"function":  "av.Init",
		"log_level": level.String(),
		"codecs":    video.CodecNames(),
	}).Info("Media core initialized")
	return nil
}
