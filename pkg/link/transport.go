package link

// Transport is the byte-oriented physical link below the stack. Inbound
// bytes, LowerUp and LowerDown are delivered by whoever owns the transport;
// the stack only drives it outbound.
type Transport interface {
	Open() error
	Close() error
	IsConnected() bool
	DataOut(b byte) error
}

// Flusher is implemented by transports that buffer DataOut.
type Flusher interface {
	Flush() error
}

// Framer turns a PPP frame (protocol field onward) into wire bytes.
type Framer interface {
	Encode(frame []byte, out func(byte) error) error
}

// ACCMSetter is implemented by framers that honour a negotiated
// Async-Control-Character-Map.
type ACCMSetter interface {
	SetACCM(tx, rx uint32)
}

// ProtocolRejecter is implemented by the LCP layer so the stack can answer
// frames for protocols nobody above it speaks.
type ProtocolRejecter interface {
	RejectProtocol(proto uint16, info []byte)
}
