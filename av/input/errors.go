package input

import "errors"

var (
	// ErrInvalidMRL indicates a resource string that is not a supported MRL.
	ErrInvalidMRL = errors.New("invalid MRL")

	// ErrSwitchPending indicates a switch requested while another is queued.
	ErrSwitchPending = errors.New("input switch already pending")

	// ErrEmptyImage indicates a still image without pixels.
	ErrEmptyImage = errors.New("image has no pixels")
)
