// Package input captures video from cameras, screens and still images,
// selected by MRL.
package input

import (
	"strconv"
	"sync"
)

var initOnce sync.Once

// Init registers the input formats. It is idempotent and must run after
// video.Init.
func Init() {
	initOnce.Do(func() {
		registerImageFormat()
		registerPlatformFormats()
	})
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
