package observer

import (
	"sync"

	"github.com/opd-ai/mediacore/av/video"
)

// FrameObserver observes a stream of video frames.
type FrameObserver = Observer[*video.VideoFrame]

// FrameSource is a producer of video frames.
type FrameSource = Source[*video.VideoFrame]

// Generator is a video frame producer with a writable frame owned by the
// producer and a last published frame shared with consumers.
//
// The producer fills GetNewFrame and calls PublishFrame, which makes it the
// last frame and notifies observers with it. A published frame is never
// written again: the next GetNewFrame returns a fresh frame.
type Generator struct {
	Observable[*video.VideoFrame]

	frameMu  sync.Mutex
	writable *video.VideoFrame
	last     *video.VideoFrame
}

// NewGenerator creates a generator with no frame published yet.
func NewGenerator() *Generator {
	return &Generator{}
}

// GetNewFrame returns the producer's writable frame.
func (g *Generator) GetNewFrame() *video.VideoFrame {
	g.frameMu.Lock()
	defer g.frameMu.Unlock()
	if g.writable == nil {
		g.writable = video.NewVideoFrame()
	}
	return g.writable
}

// PublishFrame makes the writable frame the last frame and notifies every
// observer with it. Publishing an unallocated frame is a no-op.
func (g *Generator) PublishFrame() {
	g.frameMu.Lock()
	frame := g.writable
	if frame == nil || !frame.Allocated() {
		g.frameMu.Unlock()
		return
	}
	g.last = frame
	g.writable = nil
	g.frameMu.Unlock()

	g.Notify(frame)
}

// ObtainLastFrame returns the last published frame, or nil. Callers must
// treat it as read-only.
func (g *Generator) ObtainLastFrame() *video.VideoFrame {
	g.frameMu.Lock()
	defer g.frameMu.Unlock()
	return g.last
}

// Width returns the width of the last published frame.
func (g *Generator) Width() int {
	if f := g.ObtainLastFrame(); f != nil {
		return f.Width
	}
	return 0
}

// Height returns the height of the last published frame.
func (g *Generator) Height() int {
	if f := g.ObtainLastFrame(); f != nil {
		return f.Height
	}
	return 0
}

// Format returns the pixel format of the last published frame.
func (g *Generator) Format() video.PixelFormat {
	if f := g.ObtainLastFrame(); f != nil {
		return f.Format
	}
	return video.FormatNone
}
