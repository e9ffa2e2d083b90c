package link

import "errors"

var (
	// ErrNotConnected is returned when the link is Dead.
	ErrNotConnected = errors.New("link not connected")

	// ErrNotAllowed is returned when the current phase does not admit the
	// protocol.
	ErrNotAllowed = errors.New("protocol not allowed in current link phase")
)
