//go:build unix

package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/opd-ai/mediacore/av/metrics"
	"github.com/opd-ai/mediacore/av/observer"
	"github.com/opd-ai/mediacore/av/video"
)

// DefaultPrefix prefixes generated segment names.
const DefaultPrefix = "mediacore"

// mmap maps segments; tests replace it to fail remaps.
var mmap = unix.Mmap

// Options configures a Sink.
type Options struct {
	Name    string            // exact segment name; empty generates <prefix>_shm_<pid>_<n>
	Prefix  string            // prefix of generated names
	Format  video.PixelFormat // pixel format written by RenderFrame, BGRA by default
	Metrics *metrics.Metrics
}

// Sink publishes frames into a named shared memory segment for an external
// renderer. It is a frame observer and can be attached to any frame source.
type Sink struct {
	mu      sync.Mutex
	opts    Options
	name    string
	path    string
	fd      int
	mem     []byte
	started bool

	scaler *video.Scaler
	dst    *video.VideoFrame
	width  int
	height int
}

// NewSink creates a sink. No segment exists until Start.
func NewSink(opts Options) *Sink {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Format == video.FormatNone {
		opts.Format = video.FormatBGRA
	}
	return &Sink{
		opts:   opts,
		fd:     -1,
		scaler: video.NewScaler(),
		dst:    video.NewVideoFrame(),
	}
}

// Start creates the segment sized for the header only, maps it and
// initializes both semaphores. Starting a started sink is a no-op.
//
// Returns:
//   - error: creation, truncation or mapping failure; the sink is unusable
//     and nothing is left behind
func (s *Sink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	fd, name, err := s.create()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Sink.Start",
			"name":     s.opts.Name,
			"error":    err.Error(),
		}).Error("Failed to create shared memory")
		return err
	}
	s.fd = fd
	s.name = name
	s.path = filepath.Join(shmDir, name)

	if err := s.remap(HeaderSize); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Sink.Start",
			"name":     name,
			"error":    err.Error(),
		}).Error("Failed to map shared memory")
		unix.Close(fd)
		unix.Unlink(s.path)
		s.fd = -1
		return err
	}
	clear(s.mem[:HeaderSize])
	semAt(s.mem, mutexOffset).init(1)
	semAt(s.mem, notificationOffset).init(0)
	s.started = true

	logrus.WithFields(logrus.Fields{
		"function": "Sink.Start",
		"name":     name,
		"format":   s.opts.Format.String(),
	}).Info("Shared memory sink started")
	return nil
}

// create opens the segment exclusively, generating names until one is free.
func (s *Sink) create() (int, string, error) {
	const flags = unix.O_RDWR | unix.O_CREAT | unix.O_EXCL | unix.O_CLOEXEC
	if s.opts.Name != "" {
		fd, err := unix.Open(filepath.Join(shmDir, s.opts.Name), flags, 0o600)
		if err != nil {
			return -1, "", fmt.Errorf("shm_open %s: %w", s.opts.Name, err)
		}
		return fd, s.opts.Name, nil
	}
	for i := 0; ; i++ {
		name := fmt.Sprintf("%s_shm_%d_%d", s.opts.Prefix, os.Getpid(), i)
		fd, err := unix.Open(filepath.Join(shmDir, name), flags, 0o600)
		if err == nil {
			return fd, name, nil
		}
		if !errors.Is(err, unix.EEXIST) {
			return -1, "", fmt.Errorf("shm_open %s: %w", name, err)
		}
	}
}

// remap replaces the mapping with one of size bytes, growing the file.
func (s *Sink) remap(size int) error {
	if s.mem != nil {
		if err := unix.Munmap(s.mem); err != nil {
			return fmt.Errorf("munmap: %w", err)
		}
		s.mem = nil
	}
	if err := unix.Ftruncate(s.fd, int64(size)); err != nil {
		return fmt.Errorf("ftruncate(%d): %w", size, err)
	}
	mem, err := mmap(s.fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap(%d): %w", size, err)
	}
	s.mem = mem
	return nil
}

// withHeader runs fn on a temporary mapping of the segment header. It
// reaches the semaphores after a failed remap left no mapping behind.
func withHeader(fd int, fn func(mem []byte)) error {
	mem, err := unix.Mmap(fd, 0, HeaderSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap header: %w", err)
	}
	fn(mem)
	return unix.Munmap(mem)
}

// abandonLocked tears the segment down after a remap failure while the
// segment mutex is held. Consumers are released and see the sink stopped.
func (s *Sink) abandonLocked(cause error) {
	err := withHeader(s.fd, func(mem []byte) {
		storeUint32(mem, sizeOffset, 0)
		semAt(mem, mutexOffset).post()
		semAt(mem, notificationOffset).post()
	})
	logrus.WithFields(logrus.Fields{
		"function": "Sink.abandon",
		"name":     s.name,
		"error":    cause.Error(),
	}).Error("Shared memory remap failed, sink stopped")
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Sink.abandon",
			"name":     s.name,
			"error":    err.Error(),
		}).Error("Failed to release consumers; the segment stays locked")
	}
	unix.Close(s.fd)
	unix.Unlink(s.path)
	s.fd = -1
	s.started = false
	s.width, s.height = 0, 0
}

// OpenedName returns the segment name consumers attach to, empty before
// Start.
func (s *Sink) OpenedName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// ResizeArea makes room for dataSize bytes of frame data. The mapping only
// grows: a request that fits the current area leaves it untouched.
func (s *Sink) ResizeArea(dataSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrNotStarted
	}
	semAt(s.mem, mutexOffset).wait(-1)
	err := s.resizeLocked(dataSize)
	if s.mem == nil {
		s.abandonLocked(err)
		return err
	}
	semAt(s.mem, mutexOffset).post()
	return err
}

func (s *Sink) resizeLocked(dataSize int) error {
	want := HeaderSize + dataSize
	if want <= len(s.mem) {
		return nil
	}
	logrus.WithFields(logrus.Fields{
		"function": "Sink.ResizeArea",
		"name":     s.name,
		"old_size": len(s.mem),
		"new_size": want,
	}).Debug("Growing shared memory area")
	return s.remap(want)
}

// AreaLen returns the mapped size including the header.
func (s *Sink) AreaLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mem)
}

// Render publishes a copy of data as the next frame.
func (s *Sink) Render(data []byte) error {
	return s.RenderCallback(len(data), func(buf []byte) error {
		copy(buf, data)
		return nil
	})
}

// RenderCallback publishes the next frame of size bytes, letting fill write
// it straight into the segment while the segment mutex is held.
func (s *Sink) RenderCallback(size int, fill func(buf []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renderLocked(size, fill)
}

func (s *Sink) renderLocked(size int, fill func(buf []byte) error) error {
	if !s.started {
		return ErrNotStarted
	}
	// The semaphores live in the file, so they survive the remap below;
	// re-derive them from the current mapping after it.
	semAt(s.mem, mutexOffset).wait(-1)
	err := s.resizeLocked(size)
	if err == nil {
		err = fill(s.mem[HeaderSize : HeaderSize+size])
	}
	if err == nil {
		storeUint32(s.mem, sizeOffset, uint32(size))
		storeUint32(s.mem, genOffset, loadUint32(s.mem, genOffset)+1)
	}
	if s.mem == nil {
		s.abandonLocked(err)
		return err
	}
	semAt(s.mem, mutexOffset).post()
	if err != nil {
		return err
	}
	semAt(s.mem, notificationOffset).post()
	s.opts.Metrics.ShmFrameRendered()
	return nil
}

// RenderFrame converts frame to the sink pixel format at its own size and
// publishes it.
func (s *Sink) RenderFrame(frame *video.VideoFrame) error {
	if frame == nil || !frame.Allocated() {
		return video.ErrInvalidFrame
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	size := video.FrameSize(s.opts.Format, frame.Width, frame.Height)
	err := s.renderLocked(size, func(buf []byte) error {
		if err := s.dst.SetFromMemory(buf, s.opts.Format, frame.Width, frame.Height); err != nil {
			return err
		}
		return s.scaler.Scale(frame, s.dst)
	})
	s.dst.Reset()
	if err != nil {
		return err
	}
	if s.width != frame.Width || s.height != frame.Height {
		s.width, s.height = frame.Width, frame.Height
		logrus.WithFields(logrus.Fields{
			"function": "Sink.RenderFrame",
			"name":     s.name,
			"width":    frame.Width,
			"height":   frame.Height,
		}).Info("Shared memory frame size changed")
	}
	return nil
}

// FrameSize returns the geometry of the last rendered frame.
func (s *Sink) FrameSize() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// Update renders frames delivered by an attached source.
func (s *Sink) Update(_ *observer.Observable[*video.VideoFrame], frame *video.VideoFrame) {
	if err := s.RenderFrame(frame); err != nil && !errors.Is(err, ErrNotStarted) {
		logrus.WithFields(logrus.Fields{
			"function": "Sink.Update",
			"name":     s.OpenedName(),
			"error":    err.Error(),
		}).Warn("Failed to render frame")
	}
}

// Attached implements observer.Observer.
func (s *Sink) Attached(*observer.Observable[*video.VideoFrame]) {
	logrus.WithFields(logrus.Fields{
		"function": "Sink.Attached",
		"name":     s.OpenedName(),
	}).Debug("Sink attached to source")
}

// Detached implements observer.Observer.
func (s *Sink) Detached(*observer.Observable[*video.VideoFrame]) {
	logrus.WithFields(logrus.Fields{
		"function": "Sink.Detached",
		"name":     s.OpenedName(),
	}).Debug("Sink detached from source")
}

// Stop clears the frame, wakes a waiting consumer, then unmaps and unlinks
// the segment. The sink can be started again afterwards.
func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false

	mutex := semAt(s.mem, mutexOffset)
	mutex.wait(-1)
	storeUint32(s.mem, sizeOffset, 0)
	mutex.post()
	semAt(s.mem, notificationOffset).post()

	err := errors.Join(unix.Munmap(s.mem), unix.Close(s.fd), unix.Unlink(s.path))
	s.mem = nil
	s.fd = -1
	s.width, s.height = 0, 0

	logrus.WithFields(logrus.Fields{
		"function": "Sink.Stop",
		"name":     s.name,
	}).Info("Shared memory sink stopped")
	return err
}
