package rtp

import (
	"errors"
	"fmt"

	"github.com/opd-ai/mediacore/av/video"
)

// Sentinel errors for socket pair operations.
var (
	// ErrInterrupted indicates Interrupt was called on the socket pair. It is
	// the same value as video.ErrInterrupted so codec I/O recognizes it.
	ErrInterrupted = video.ErrInterrupted

	// ErrIO indicates a non-transient socket failure.
	ErrIO = errors.New("socket I/O error")

	// ErrInvalidURI indicates a destination that is not rtp://host:port.
	ErrInvalidURI = errors.New("invalid RTP destination")

	// ErrShortPacket indicates a datagram too short to classify.
	ErrShortPacket = errors.New("packet too short")

	// ErrSRTP indicates an SRTP setup or protection failure.
	ErrSRTP = errors.New("srtp failure")
)

// SocketCreationError reports that the RTP/RTCP socket pair could not be
// opened. No socket stays open after it is returned.
type SocketCreationError struct {
	Op  string
	Err error
}

func (e *SocketCreationError) Error() string {
	return fmt.Sprintf("Socket creation failed: %s: %v", e.Op, e.Err)
}

func (e *SocketCreationError) Unwrap() error { return e.Err }
