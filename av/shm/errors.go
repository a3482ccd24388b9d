package shm

import "errors"

var (
	// ErrNotStarted indicates a render or resize on a sink without a segment.
	ErrNotStarted = errors.New("shm sink not started")

	// ErrTornRead indicates the producer wrote a new frame during the copy.
	ErrTornRead = errors.New("shm frame changed during read")

	// ErrSinkStopped indicates the producer stopped and cleared the segment.
	ErrSinkStopped = errors.New("shm sink stopped")

	// ErrInvalidSegment indicates a segment too small to hold the header.
	ErrInvalidSegment = errors.New("invalid shm segment")
)
