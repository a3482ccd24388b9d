// Package loop provides ThreadLoop, the active-object substrate every
// media component runs on: one goroutine, locked to its OS thread, running
// setup once, process repeatedly while running, then cleanup.
package loop

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var (
	// ErrSetupFailed indicates setup returned false; cleanup has already run.
	ErrSetupFailed = errors.New("loop setup failed")

	// ErrAlreadyStarted indicates Start was called twice on the same loop.
	ErrAlreadyStarted = errors.New("loop already started")
)

// ThreadLoop runs a component on a dedicated goroutine.
//
// A loop is single use: Start it once, Stop it from any goroutine
// (including process itself) and Join it from any goroutine other than the
// loop's own.
type ThreadLoop struct {
	name    string
	setup   func() bool
	process func()
	cleanup func()

	running atomic.Bool
	started atomic.Bool
	done    chan struct{}
	joined  sync.Once
}

// New creates a loop. Any of the three callbacks may be nil.
func New(name string, setup func() bool, process func(), cleanup func()) *ThreadLoop {
	if setup == nil {
		setup = func() bool { return true }
	}
	if process == nil {
		process = func() {}
	}
	if cleanup == nil {
		cleanup = func() {}
	}
	return &ThreadLoop{
		name:    name,
		setup:   setup,
		process: process,
		cleanup: cleanup,
		done:    make(chan struct{}),
	}
}

// Start spawns the loop goroutine and blocks until setup has completed.
// When setup fails, process is skipped, cleanup runs and ErrSetupFailed is
// returned once the goroutine has exited.
func (l *ThreadLoop) Start() error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ready := make(chan bool, 1)
	go l.run(ready)
	if !<-ready {
		<-l.done
		logrus.WithFields(logrus.Fields{
			"function": "ThreadLoop.Start",
			"loop":     l.name,
		}).Warn("Loop setup failed")
		return ErrSetupFailed
	}
	logrus.WithFields(logrus.Fields{
		"function": "ThreadLoop.Start",
		"loop":     l.name,
	}).Debug("Loop started")
	return nil
}

func (l *ThreadLoop) run(ready chan<- bool) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.done)

	l.running.Store(true)
	if !l.setup() {
		l.running.Store(false)
		l.cleanup()
		ready <- false
		return
	}
	ready <- true
	for l.running.Load() {
		l.process()
	}
	l.cleanup()
}

// IsRunning reports whether the loop is between setup and cleanup and no
// stop was requested.
func (l *ThreadLoop) IsRunning() bool { return l.running.Load() }

// Stop requests the loop to exit after the current process iteration. It
// does not wait.
func (l *ThreadLoop) Stop() { l.running.Store(false) }

// Join waits until cleanup has returned. It is a no-op for a loop that was
// never started.
func (l *ThreadLoop) Join() {
	if !l.started.Load() {
		return
	}
	<-l.done
	l.joined.Do(func() {
		logrus.WithFields(logrus.Fields{
			"function": "ThreadLoop.Join",
			"loop":     l.name,
		}).Debug("Loop joined")
	})
}

// Exit stops the loop and waits for it to finish.
func (l *ThreadLoop) Exit() {
	l.Stop()
	l.Join()
}

// Done is closed when the loop goroutine has exited.
func (l *ThreadLoop) Done() <-chan struct{} { return l.done }

// Name returns the loop name used in logs.
func (l *ThreadLoop) Name() string { return l.name }
