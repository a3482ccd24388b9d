package session

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mediacore/av/input"
	"github.com/opd-ai/mediacore/av/metrics"
	"github.com/opd-ai/mediacore/av/mixer"
	"github.com/opd-ai/mediacore/av/observer"
	"github.com/opd-ai/mediacore/av/shm"
	"github.com/opd-ai/mediacore/av/video"
)

// ConferenceOptions configures a Conference.
type ConferenceOptions struct {
	Width     int
	Height    int
	Framerate float64
	Layout    mixer.Layout
	Input     input.Options
	Shm       shm.Options
	Metrics   *metrics.Metrics
	Events    Events
}

// Conference owns the mixer shared by every session of a multi-party call
// and renders the canvas to its own shared memory sink.
type Conference struct {
	id     string
	mixer  *mixer.VideoMixer
	sink   frameSink
	events Events

	// canvas watches published frames for size changes.
	canvas        *observer.Func[*video.VideoFrame]
	mu            sync.Mutex
	width, height int

	closeOnce sync.Once
}

// NewConference starts a mixer and its sink.
func NewConference(opts ConferenceOptions) (*Conference, error) {
	return newConference(opts, func() frameSink { return shm.NewSink(opts.Shm) })
}

func newConference(opts ConferenceOptions, newSink func() frameSink) (*Conference, error) {
	if opts.Events == nil {
		opts.Events = LogEvents{}
	}
	if opts.Shm.Metrics == nil {
		opts.Shm.Metrics = opts.Metrics
	}
	opts.Input.Metrics = opts.Metrics

	m, err := mixer.New(mixer.Options{
		Width:     opts.Width,
		Height:    opts.Height,
		Framerate: opts.Framerate,
		Layout:    opts.Layout,
		Input:     opts.Input,
		Metrics:   opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	sink := newSink()
	if err := sink.Start(); err != nil {
		m.Stop()
		return nil, err
	}

	c := &Conference{
		id:     uuid.NewString(),
		mixer:  m,
		sink:   sink,
		events: opts.Events,
		width:  opts.Width,
		height: opts.Height,
	}
	c.canvas = &observer.Func[*video.VideoFrame]{
		OnUpdate: func(_ *observer.Observable[*video.VideoFrame], f *video.VideoFrame) {
			c.noteCanvas(f.Width, f.Height)
		},
	}
	m.Attach(sink)
	m.Attach(c.canvas)
	m.OnSourcesUpdated(func(infos []mixer.SourceInfo) {
		c.events.ConferenceChanged(c.id, len(infos))
	})

	c.events.ConferenceCreated(c.id)
	c.events.DecodingStarted(c.id, sink.OpenedName(), opts.Width, opts.Height, true)

	logrus.WithFields(logrus.Fields{
		"function": "NewConference",
		"conf_id":  c.id,
		"shm_name": sink.OpenedName(),
	}).Info("Video conference created")
	return c, nil
}

// noteCanvas re-announces the canvas sink when the mixer output size
// differs from the last announced one.
func (c *Conference) noteCanvas(width, height int) {
	c.mu.Lock()
	if width == c.width && height == c.height {
		c.mu.Unlock()
		return
	}
	c.width, c.height = width, height
	c.mu.Unlock()

	name := c.sink.OpenedName()
	logrus.WithFields(logrus.Fields{
		"function": "Conference.noteCanvas",
		"conf_id":  c.id,
		"width":    width,
		"height":   height,
	}).Info("Conference canvas size changed")
	c.events.DecodingStopped(c.id, name, true)
	c.events.DecodingStarted(c.id, name, width, height, true)
}

// CanvasSize returns the last announced canvas geometry.
func (c *Conference) CanvasSize() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.width, c.height
}

// ID returns the conference identifier.
func (c *Conference) ID() string { return c.id }

// Mixer returns the conference mixer.
func (c *Conference) Mixer() *mixer.VideoMixer { return c.mixer }

// SinkName returns the shared memory segment of the canvas.
func (c *Conference) SinkName() string { return c.sink.OpenedName() }

// Close stops the mixer and removes the sink. Sessions still in the
// conference must exit it first.
func (c *Conference) Close() error {
	var err error
	c.closeOnce.Do(func() {
		name := c.sink.OpenedName()
		c.mixer.Detach(c.sink)
		c.mixer.Detach(c.canvas)
		c.mixer.Stop()
		err = c.sink.Stop()
		c.events.DecodingStopped(c.id, name, true)

		logrus.WithFields(logrus.Fields{
			"function": "Conference.Close",
			"conf_id":  c.id,
		}).Info("Video conference closed")
	})
	return err
}
