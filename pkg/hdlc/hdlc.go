// Package hdlc implements the asynchronous HDLC-like framing PPP uses on
// serial lines (RFC 1662): flag delimiting, octet stuffing driven by the
// Async-Control-Character-Map and the 16-bit frame check sequence.
package hdlc

import (
	"encoding/binary"
	"errors"

	"github.com/codelaboratoryltd/pppstack/pkg/metrics"
	"github.com/sigurn/crc16"
	"go.uber.org/zap"
)

const (
	Flag    byte = 0x7E
	Escape  byte = 0x7D
	EscXor  byte = 0x20
	Address byte = 0xFF
	Control byte = 0x03

	// DefaultACCM escapes every control character.
	DefaultACCM uint32 = 0xFFFFFFFF

	// DefaultMaxFrame bounds a reassembled frame: 1500 bytes of information
	// plus protocol, address/control and FCS with room to spare.
	DefaultMaxFrame = 1600

	protocolLCP = 0xC021
	fcsLen      = 2
)

var (
	// ErrFrameTooLarge is returned by Encode for frames beyond MaxFrame.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrEmptyFrame is returned by Encode for a frame without a protocol field.
	ErrEmptyFrame = errors.New("frame has no protocol field")
)

// Config configures a Framer.
type Config struct {
	// MaxFrame is the largest unstuffed frame accepted or sent, FCS included.
	MaxFrame int
	// LinkID labels log lines.
	LinkID  string
	Metrics *metrics.Metrics
}

// DefaultConfig returns default framer configuration
func DefaultConfig() Config {
	return Config{MaxFrame: DefaultMaxFrame}
}

// Framer encodes outbound frames and reassembles inbound ones. It is not
// safe for concurrent use; the link's event loop owns it.
type Framer struct {
	cfg    Config
	txACCM uint32
	rxACCM uint32

	// Receive state.
	buf      []byte
	escaped  bool
	inFrame  bool
	overflow bool

	onFrame func(frame []byte)
	logger  *zap.Logger
}

// New creates a framer delivering every good inbound frame, starting at the
// protocol field, to onFrame. The frame is only valid during the call.
func New(cfg Config, onFrame func(frame []byte), logger *zap.Logger) *Framer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = DefaultMaxFrame
	}
	return &Framer{
		cfg:     cfg,
		txACCM:  DefaultACCM,
		rxACCM:  DefaultACCM,
		buf:     make([]byte, 0, cfg.MaxFrame),
		onFrame: onFrame,
		logger:  logger.With(zap.String("link", cfg.LinkID)),
	}
}

// SetACCM installs negotiated maps: tx lists the control characters we must
// escape, rx the ones the peer escapes for us.
func (f *Framer) SetACCM(tx, rx uint32) {
	f.logger.Debug("ACCM updated", zap.Uint32("tx", tx), zap.Uint32("rx", rx))
	f.txACCM = tx
	f.rxACCM = rx
}

// ACCM returns the transmit and receive maps.
func (f *Framer) ACCM() (tx, rx uint32) { return f.txACCM, f.rxACCM }

// Reset returns the framer to link defaults and discards any partial frame.
func (f *Framer) Reset() {
	f.txACCM = DefaultACCM
	f.rxACCM = DefaultACCM
	f.resetRx()
	f.inFrame = false
}

func (f *Framer) resetRx() {
	f.buf = f.buf[:0]
	f.escaped = false
	f.overflow = false
}

// Encode writes frame to out with address/control, FCS, escaping and
// flags. LCP frames always use the default map.
func (f *Framer) Encode(frame []byte, out func(byte) error) error {
	if len(frame) < 2 {
		return ErrEmptyFrame
	}
	if len(frame)+2+fcsLen > f.cfg.MaxFrame {
		return ErrFrameTooLarge
	}

	accm := f.txACCM
	if binary.BigEndian.Uint16(frame) == protocolLCP {
		accm = DefaultACCM
	}

	put := func(b byte) error {
		if needsEscape(b, accm) {
			if err := out(Escape); err != nil {
				return err
			}
			b ^= EscXor
		}
		return out(b)
	}

	if err := out(Flag); err != nil {
		return err
	}

	sum := crc16.Update(crc16.Init(fcsTable), acHeader[:], fcsTable)
	sum = crc16.Complete(crc16.Update(sum, frame, fcsTable), fcsTable)

	for _, b := range acHeader {
		if err := put(b); err != nil {
			return err
		}
	}
	for _, b := range frame {
		if err := put(b); err != nil {
			return err
		}
	}

	// The FCS goes out least significant octet first.
	if err := put(byte(sum)); err != nil {
		return err
	}
	if err := put(byte(sum >> 8)); err != nil {
		return err
	}
	return out(Flag)
}

func needsEscape(b byte, accm uint32) bool {
	if b == Flag || b == Escape {
		return true
	}
	return b < 0x20 && accm&(1<<b) != 0
}

// Decode feeds received bytes to the reassembler.
func (f *Framer) Decode(data []byte) {
	for _, b := range data {
		f.decodeByte(b)
	}
}

func (f *Framer) decodeByte(b byte) {
	switch {
	case b == Flag:
		if f.inFrame && f.escaped {
			f.framingError("abort")
		} else if f.inFrame && (len(f.buf) > 0 || f.overflow) {
			f.endFrame()
		}
		f.resetRx()
		f.inFrame = true
		return

	case !f.inFrame:
		return

	case b < 0x20 && f.rxACCM&(1<<b) != 0:
		// Inserted by the line; the peer escapes these itself.
		return

	case b == Escape:
		f.escaped = true
		return
	}

	if f.escaped {
		b ^= EscXor
		f.escaped = false
	}
	if f.overflow {
		return
	}
	if len(f.buf) >= f.cfg.MaxFrame {
		f.overflow = true
		return
	}
	f.buf = append(f.buf, b)
}

func (f *Framer) endFrame() {
	if f.overflow {
		f.framingError("too_long")
		return
	}
	if len(f.buf) < fcsLen+1 {
		f.framingError("short")
		return
	}
	if !checkFCS(f.buf) {
		f.framingError("fcs")
		return
	}

	frame := f.buf[:len(f.buf)-fcsLen]
	// Address and control are absent when the peer compresses them.
	if len(frame) >= 2 && frame[0] == Address && frame[1] == Control {
		frame = frame[2:]
	}
	if len(frame) == 0 {
		f.framingError("short")
		return
	}
	// A compressed protocol field is a single odd octet.
	if frame[0]&0x01 != 0 {
		frame = append([]byte{0x00}, frame...)
	}
	if len(frame) < 2 {
		f.framingError("short")
		return
	}
	if f.onFrame != nil {
		f.onFrame(frame)
	}
}

func (f *Framer) framingError(kind string) {
	f.logger.Debug("Discarding frame", zap.String("reason", kind), zap.Int("length", len(f.buf)))
	f.cfg.Metrics.RecordFramingError(kind)
}
