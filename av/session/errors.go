package session

import "errors"

var (
	// ErrNoDestination indicates Start was called before UpdateDestination.
	ErrNoDestination = errors.New("no destination configured")

	// ErrNoReceiveSDP indicates receiving is enabled but no stream
	// description is known.
	ErrNoReceiveSDP = errors.New("no receive stream description")

	// ErrRestartBudgetExceeded indicates the decoder failed more often than
	// the configured restart budget allows.
	ErrRestartBudgetExceeded = errors.New("decoder restart budget exceeded")

	// ErrNotActive indicates an operation that needs a started session.
	ErrNotActive = errors.New("session not active")

	// ErrInvalidDirection indicates an SDP direction could not be parsed.
	ErrInvalidDirection = errors.New("invalid media direction")
)
