// Package mixer composites the frames of several sources into one canvas
// for conferences.
package mixer

import (
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mediacore/av/input"
	"github.com/opd-ai/mediacore/av/loop"
	"github.com/opd-ai/mediacore/av/metrics"
	"github.com/opd-ai/mediacore/av/observer"
	"github.com/opd-ai/mediacore/av/video"
)

// DefaultFramerate is the composition rate when none is configured.
const DefaultFramerate = 30.0

// Source identifies a frame source attached to the mixer.
type Source = *observer.Observable[*video.VideoFrame]

// SourceInfo is the cell a source was last drawn in. Hidden sources have an
// empty cell.
type SourceInfo struct {
	Source Source
	Rect
}

// Options configures a VideoMixer.
type Options struct {
	Width     int
	Height    int
	Framerate float64
	Layout    Layout
	// Input configures the local capture started by SwitchInput.
	Input   input.Options
	Metrics *metrics.Metrics
	Clock   video.TimeProvider
}

type mixerSource struct {
	src   Source
	frame *video.VideoFrame // last delivered frame, read-only
	rect  Rect
}

// VideoMixer observes any number of sources and publishes one composited
// frame per update, at most at its frame rate.
//
// Sources are attached by calling their Attach with the mixer. Frames
// delivered by sources must not be modified afterwards; generators
// guarantee that for their published frames.
type VideoMixer struct {
	*observer.Generator

	loop          *loop.ThreadLoop
	clock         video.TimeProvider
	frameDuration time.Duration
	metrics       *metrics.Metrics
	inputOpts     input.Options

	mu            sync.Mutex
	cond          *sync.Cond
	updated       bool
	sources       []*mixerSource
	width, height int
	layout        Layout
	active        Source
	layoutChanged bool
	onSources     func([]SourceInfo)

	// loop goroutine only
	scaler      *video.Scaler
	lastProcess time.Time

	inputMu sync.Mutex
	local   *input.VideoInputSelector

	stopOnce sync.Once
}

// New creates a mixer and starts its composition loop.
func New(opts Options) (*VideoMixer, error) {
	if opts.Framerate <= 0 {
		opts.Framerate = DefaultFramerate
	}
	if opts.Clock == nil {
		opts.Clock = video.DefaultTimeProvider{}
	}
	m := &VideoMixer{
		Generator:     observer.NewGenerator(),
		clock:         opts.Clock,
		frameDuration: time.Duration(float64(time.Second) / opts.Framerate),
		metrics:       opts.Metrics,
		inputOpts:     opts.Input,
		width:         opts.Width,
		height:        opts.Height,
		layout:        opts.Layout,
		scaler:        video.NewScaler(),
	}
	m.cond = sync.NewCond(&m.mu)
	m.loop = loop.New("video-mixer", nil, m.process, nil)
	if err := m.loop.Start(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "mixer.New",
		"width":     opts.Width,
		"height":    opts.Height,
		"framerate": opts.Framerate,
		"layout":    opts.Layout.String(),
	}).Info("Video mixer started")
	return m, nil
}

// SetDimensions sets the canvas size shared by every attached consumer.
func (m *VideoMixer) SetDimensions(width, height int) {
	m.mu.Lock()
	m.width, m.height = width, height
	m.layoutChanged = true
	m.signalLocked()
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "VideoMixer.SetDimensions",
		"width":    width,
		"height":   height,
	}).Info("Mixer dimensions changed")
}

// Dimensions returns the canvas size.
func (m *VideoMixer) Dimensions() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.width, m.height
}

// SetLayout changes the arrangement of the sources.
func (m *VideoMixer) SetLayout(layout Layout) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layout = layout
	m.layoutChanged = true
	m.signalLocked()
}

// Layout returns the current arrangement.
func (m *VideoMixer) Layout() Layout {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.layout
}

// SetActiveParticipant selects the source shown large by the one-big
// layouts; nil falls back to the first source.
func (m *VideoMixer) SetActiveParticipant(src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = src
	m.layoutChanged = true
	m.signalLocked()
}

// OnSourcesUpdated registers a callback receiving the source cells each
// time the layout changes. It runs on the mixer goroutine.
func (m *VideoMixer) OnSourcesUpdated(cb func([]SourceInfo)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSources = cb
}

// Sources returns the attached sources with their last cells.
func (m *VideoMixer) Sources() []SourceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sourceInfoLocked()
}

func (m *VideoMixer) sourceInfoLocked() []SourceInfo {
	out := make([]SourceInfo, len(m.sources))
	for i, s := range m.sources {
		out[i] = SourceInfo{Source: s.src, Rect: s.rect}
	}
	return out
}

func (m *VideoMixer) signalLocked() {
	m.updated = true
	m.cond.Signal()
}

// Attached registers src as a mixer input.
func (m *VideoMixer) Attached(src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, &mixerSource{src: src})
	m.layoutChanged = true
	m.signalLocked()

	logrus.WithFields(logrus.Fields{
		"function": "VideoMixer.Attached",
		"sources":  len(m.sources),
	}).Debug("Mixer source attached")
}

// Detached removes src. When it was the active participant the layout
// falls back to the grid.
func (m *VideoMixer) Detached(src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := slices.IndexFunc(m.sources, func(s *mixerSource) bool { return s.src == src })
	if i < 0 {
		return
	}
	m.sources = slices.Delete(m.sources, i, i+1)
	if m.active == src {
		m.active = nil
		m.layout = LayoutGrid
	}
	m.layoutChanged = true
	m.signalLocked()

	logrus.WithFields(logrus.Fields{
		"function": "VideoMixer.Detached",
		"sources":  len(m.sources),
	}).Debug("Mixer source detached")
}

// Update stores the latest frame of src and wakes the composition loop.
func (m *VideoMixer) Update(src Source, frame *video.VideoFrame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sources {
		if s.src == src {
			s.frame = frame
			m.signalLocked()
			return
		}
	}
}

// SwitchInput captures resource locally and mixes it as one of the
// sources.
func (m *VideoMixer) SwitchInput(resource string) error {
	m.inputMu.Lock()
	defer m.inputMu.Unlock()
	if m.local == nil {
		m.local = input.NewSelector(m.inputOpts)
		m.local.Attach(m)
	}
	return m.local.SwitchInput(resource)
}

// StopInput stops the local capture and removes it from the canvas.
func (m *VideoMixer) StopInput() {
	m.inputMu.Lock()
	local := m.local
	m.local = nil
	m.inputMu.Unlock()
	if local == nil {
		return
	}
	local.Detach(m)
	local.StopInput()
}

// LocalInput returns the local capture selector, or nil.
func (m *VideoMixer) LocalInput() *input.VideoInputSelector {
	m.inputMu.Lock()
	defer m.inputMu.Unlock()
	return m.local
}

// Stop ends composition, stops the local input and detaches from every
// source.
func (m *VideoMixer) Stop() {
	m.stopOnce.Do(func() {
		m.loop.Stop()
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
		m.loop.Join()

		m.StopInput()

		m.mu.Lock()
		srcs := make([]Source, len(m.sources))
		for i, s := range m.sources {
			srcs[i] = s.src
		}
		m.mu.Unlock()
		for _, src := range srcs {
			src.Detach(m)
		}
		m.DetachAll()

		logrus.WithFields(logrus.Fields{
			"function": "VideoMixer.Stop",
		}).Info("Video mixer stopped")
	})
}

type renderJob struct {
	src   *mixerSource
	frame *video.VideoFrame
	rect  Rect
}

func (m *VideoMixer) process() {
	m.mu.Lock()
	for !m.updated && m.loop.IsRunning() {
		m.cond.Wait()
	}
	if !m.loop.IsRunning() {
		m.mu.Unlock()
		return
	}
	m.updated = false
	m.mu.Unlock()

	if delay := m.frameDuration - m.clock.Since(m.lastProcess); delay > 0 && !m.lastProcess.IsZero() {
		time.Sleep(delay)
	}
	m.lastProcess = m.clock.Now()

	m.mu.Lock()
	width, height := m.width, m.height
	jobs, changed := m.planLocked()
	cb := m.onSources
	var infos []SourceInfo
	if changed {
		infos = m.sourceInfoLocked()
	}
	m.mu.Unlock()

	if width <= 0 || height <= 0 {
		return
	}
	out := m.GetNewFrame()
	if err := out.Alloc(video.FormatI420, width, height); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "VideoMixer.process",
			"error":    err.Error(),
		}).Error("Failed to allocate mixer frame")
		return
	}
	out.FillBlack()
	for _, j := range jobs {
		if j.frame == nil || j.rect.Empty() {
			continue
		}
		if err := m.scaler.ScaleAndPad(j.frame, out, j.rect.X, j.rect.Y, j.rect.W, j.rect.H, true); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "VideoMixer.process",
				"error":    err.Error(),
			}).Debug("Failed to render mixer source")
		}
	}
	m.PublishFrame()
	m.metrics.FrameMixed()
	m.metrics.FramePublished("mixer")

	if changed && cb != nil {
		cb(infos)
	}
}

// planLocked assigns every visible source its cell for this frame.
func (m *VideoMixer) planLocked() ([]renderJob, bool) {
	changed := m.layoutChanged
	m.layoutChanged = false

	jobs := make([]renderJob, 0, len(m.sources))
	activeFound := false
	for i, s := range m.sources {
		visible := m.layout != LayoutOneBig || m.active == s.src || (m.active == nil && !activeFound)
		if !visible {
			s.rect = Rect{}
			continue
		}
		index := i
		switch m.layout {
		case LayoutOneBig:
			index = 0
			activeFound = true
		case LayoutOneBigWithSmall:
			if m.active == nil && i == 0 {
				activeFound = true
			}
			if m.active == s.src {
				index = 0
				activeFound = true
			} else if !activeFound {
				index++
			}
		}
		s.rect = cellRect(m.layout, len(m.sources), index, m.width, m.height)
		jobs = append(jobs, renderJob{src: s, frame: s.frame, rect: s.rect})
	}
	return jobs, changed
}
