package layer

import "errors"

var (
	// ErrNoBuffers is returned when the allocator cannot satisfy a request.
	ErrNoBuffers = errors.New("no buffers available")

	// ErrBufferTooLarge is returned when a request exceeds the largest size class.
	ErrBufferTooLarge = errors.New("buffer too large")

	// ErrNilBuffer is returned when Send is called without a buffer to send.
	ErrNilBuffer = errors.New("nil buffer")

	// ErrHeaderSpace is returned when a layer asks for more header room than the
	// buffer has left.
	ErrHeaderSpace = errors.New("insufficient header space")

	// ErrBottomLayer is returned when a buffer is descended past the wire window.
	ErrBottomLayer = errors.New("buffer already at bottom layer")
)
