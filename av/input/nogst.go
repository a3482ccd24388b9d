//go:build !gst

package input

// registerPlatformFormats registers nothing without GStreamer; camera and
// display MRLs fail with video.ErrFormatNotFound unless another package
// registers "v4l2" and "x11grab" input formats.
func registerPlatformFormats() {}
