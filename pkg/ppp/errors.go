package ppp

import "errors"

var (
	// ErrShortPacket is returned for a packet shorter than its header.
	ErrShortPacket = errors.New("packet too short")

	// ErrLengthExceedsData is returned when the declared length is longer
	// than the bytes received.
	ErrLengthExceedsData = errors.New("packet length exceeds data")

	// ErrBadOptionLength is returned for an option shorter than its own header.
	ErrBadOptionLength = errors.New("invalid option length")

	// ErrOptionOverrun is returned when an option runs past the packet.
	ErrOptionOverrun = errors.New("option length exceeds data")

	// ErrNoResources is returned by Open when no more subscribers are allowed.
	ErrNoResources = errors.New("no resources for subscription")

	// ErrNotOpen is returned when sending data through a protocol that has
	// not reached Opened.
	ErrNotOpen = errors.New("protocol not opened")

	// ErrNoLCP is returned when a network control protocol is created on a
	// link without LCP.
	ErrNoLCP = errors.New("link has no LCP layer")

	// ErrAttachRefused is returned when a host's attach policy rejects a
	// protocol, usually because one is already attached.
	ErrAttachRefused = errors.New("attach refused")
)
