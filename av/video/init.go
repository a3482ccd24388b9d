package video

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var initOnce sync.Once

// Init registers the built-in codecs (rawvideo, mjpeg, vp8) and the rtp
// container. It must be called once at process start before any encoder or
// decoder is opened; further calls are no-ops. Registrations made by other
// packages before or after Init are preserved.
func Init() {
	initOnce.Do(func() {
		RegisterCodec(rawCodec())
		RegisterCodec(mjpegCodec())
		RegisterCodec(vp8Codec())
		RegisterOutputFormat(&OutputFormat{Name: "rtp", NewMuxer: newRTPMuxer})
		RegisterInputFormat(&InputFormat{Name: "rtp", Open: openRTPInput})

		logrus.WithFields(logrus.Fields{
			"function": "video.Init",
			"codecs":   CodecNames(),
		}).Info("Video codecs registered")
	})
}
