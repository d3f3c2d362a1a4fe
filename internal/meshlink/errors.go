package meshlink

import "errors"

// Domain errors for the radio link.
var (
	// ErrNotConnected is returned when a message is sent while no TCP
	// session to the radio is open.
	ErrNotConnected = errors.New("meshlink: not connected to radio")

	// ErrConnectionFailed is returned when dialling the radio fails.
	ErrConnectionFailed = errors.New("meshlink: connection to radio failed")

	// ErrSendFailed is returned when a message cannot be written to the radio.
	ErrSendFailed = errors.New("meshlink: send failed")

	// ErrInvalidConfig is returned by New for unusable settings.
	ErrInvalidConfig = errors.New("meshlink: invalid configuration")
)
