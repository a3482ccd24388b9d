package input

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mediacore/av/observer"
	"github.com/opd-ai/mediacore/av/video"
)

// VideoInputSelector owns at most one VideoInput and relays its frames to
// its own observers, so the source can change under attached consumers.
type VideoInputSelector struct {
	observer.Observable[*video.VideoFrame]

	opts Options

	switchMu sync.Mutex // serializes SwitchInput and StopInput

	mu    sync.Mutex
	input *VideoInput
	last  *video.VideoFrame
}

// NewSelector creates a selector without an active input.
func NewSelector(opts Options) *VideoInputSelector {
	return &VideoInputSelector{opts: opts}
}

// SwitchInput replaces the active input with a new one capturing resource.
// The previous input is stopped before the new one starts.
func (s *VideoInputSelector) SwitchInput(resource string) error {
	if _, err := ParseMRL(resource); err != nil {
		return err
	}
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.stopActive()

	in, err := NewVideoInput(s.opts)
	if err != nil {
		return err
	}
	in.Attach(s)
	in.SwitchInput(resource)

	s.mu.Lock()
	s.input = in
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "VideoInputSelector.SwitchInput",
		"resource": resource,
	}).Info("Selected video input")
	return nil
}

// StopInput stops the active input. Attached observers stay attached.
func (s *VideoInputSelector) StopInput() {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()
	s.stopActive()
}

func (s *VideoInputSelector) stopActive() {
	s.mu.Lock()
	old := s.input
	s.input = nil
	s.mu.Unlock()
	if old == nil {
		return
	}
	old.Detach(s)
	old.Stop()
}

// ActiveInput returns the input currently captured, or nil.
func (s *VideoInputSelector) ActiveInput() *VideoInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input
}

// ObtainLastFrame returns the last relayed frame, or nil.
func (s *VideoInputSelector) ObtainLastFrame() *video.VideoFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Update relays a frame of the active input.
func (s *VideoInputSelector) Update(_ *observer.Observable[*video.VideoFrame], frame *video.VideoFrame) {
	s.mu.Lock()
	s.last = frame
	s.mu.Unlock()
	s.Notify(frame)
}

// Attached implements observer.Observer.
func (s *VideoInputSelector) Attached(*observer.Observable[*video.VideoFrame]) {}

// Detached implements observer.Observer.
func (s *VideoInputSelector) Detached(*observer.Observable[*video.VideoFrame]) {}
