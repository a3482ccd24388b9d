package video

import (
	"errors"
	"fmt"
)

// Sentinel errors for codec, container and frame operations.
var (
	// ErrCodecNotFound indicates no codec is registered under the requested name.
	ErrCodecNotFound = errors.New("codec not found")

	// ErrFormatNotFound indicates no container format is registered under the requested name.
	ErrFormatNotFound = errors.New("container format not found")

	// ErrEncoderUnavailable indicates the codec has no encoder implementation.
	ErrEncoderUnavailable = errors.New("encoder unavailable")

	// ErrDecoderUnavailable indicates the codec has no decoder implementation.
	ErrDecoderUnavailable = errors.New("decoder unavailable")

	// ErrNotOpened indicates an operation on an encoder or decoder that was never opened.
	ErrNotOpened = errors.New("not opened")

	// ErrNoIOContext indicates a network container was used without custom I/O.
	ErrNoIOContext = errors.New("no I/O context")

	// ErrInterrupted indicates the interrupt callback aborted an I/O operation.
	ErrInterrupted = errors.New("interrupted")

	// ErrInvalidFrame indicates a frame that is empty or too small for its geometry.
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrInvalidDimensions indicates a zero or negative width or height.
	ErrInvalidDimensions = errors.New("invalid dimensions")

	// ErrUnsupportedFormat indicates a pixel format the operation cannot handle.
	ErrUnsupportedFormat = errors.New("unsupported pixel format")

	// ErrCorruptData indicates compressed data that could not be parsed.
	ErrCorruptData = errors.New("corrupt data")

	// ErrInvalidSDP indicates a session description without a usable video stream.
	ErrInvalidSDP = errors.New("invalid session description")
)

// EncoderError reports a failure to set up a VideoEncoder. It leaves the
// encoder unusable.
type EncoderError struct {
	Op  string
	Err error
}

func (e *EncoderError) Error() string {
	return fmt.Sprintf("video encoder: %s: %v", e.Op, e.Err)
}

func (e *EncoderError) Unwrap() error { return e.Err }
