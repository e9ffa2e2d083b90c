package ppp

import (
	"encoding/binary"
	"fmt"
)

// Control packet codes (RFC 1661 section 5). Codes 1-7 are shared by every
// control protocol; 8-11 are LCP only.
const (
	CodeConfigRequest = 1
	CodeConfigAck     = 2
	CodeConfigNak     = 3
	CodeConfigReject  = 4
	CodeTermRequest   = 5
	CodeTermAck       = 6
	CodeCodeReject    = 7
	CodeProtoReject   = 8
	CodeEchoRequest   = 9
	CodeEchoReply     = 10
	CodeDiscardReq    = 11
)

// LCP option types
const (
	LCPOptMRU         = 1 // Maximum Receive Unit
	LCPOptACCM        = 2 // Async-Control-Character-Map
	LCPOptAuthProto   = 3 // Authentication Protocol
	LCPOptQuality     = 4 // Quality Protocol
	LCPOptMagicNumber = 5 // Magic Number
	LCPOptPFC         = 7 // Protocol Field Compression
	LCPOptACFC        = 8 // Address/Control Field Compression
)

// IPCP option types
const (
	IPCPOptIPAddresses   = 1   // Deprecated
	IPCPOptIPCompression = 2   // IP Compression
	IPCPOptIPAddress     = 3   // IP Address
	IPCPOptPrimaryDNS    = 129 // Primary DNS
	IPCPOptSecondaryDNS  = 131 // Secondary DNS
)

const headerLen = 4

// Packet is a control protocol packet (LCP, IPCP)
type Packet struct {
	Code       uint8
	Identifier uint8
	Length     uint16
	Data       []byte
}

// Option is a configuration option TLV
type Option struct {
	Type   uint8
	Length uint8
	Data   []byte
}

// ParsePacket parses a control packet. Bytes beyond the declared length are
// padding and ignored. Data aliases data.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("%d bytes: %w", len(data), ErrShortPacket)
	}

	pkt := &Packet{
		Code:       data[0],
		Identifier: data[1],
		Length:     binary.BigEndian.Uint16(data[2:4]),
	}

	if pkt.Length < headerLen {
		return nil, fmt.Errorf("declared length %d: %w", pkt.Length, ErrShortPacket)
	}
	if int(pkt.Length) > len(data) {
		return nil, fmt.Errorf("declared length %d, have %d: %w", pkt.Length, len(data), ErrLengthExceedsData)
	}

	pkt.Data = data[headerLen:pkt.Length]
	return pkt, nil
}

// Size returns the encoded size of the packet.
func (p *Packet) Size() int {
	return headerLen + len(p.Data)
}

// MarshalTo encodes the packet into b, which must hold Size bytes, and
// returns the number of bytes written.
func (p *Packet) MarshalTo(b []byte) int {
	b[0] = p.Code
	b[1] = p.Identifier
	binary.BigEndian.PutUint16(b[2:4], uint16(p.Size()))
	copy(b[headerLen:], p.Data)
	return p.Size()
}

// Serialize serializes a control packet
func (p *Packet) Serialize() []byte {
	buf := make([]byte, p.Size())
	p.MarshalTo(buf)
	return buf
}

// ParseOptions parses configuration options from data
func ParseOptions(data []byte) ([]Option, error) {
	var opts []Option
	offset := 0

	for offset < len(data) {
		if offset+2 > len(data) {
			return nil, fmt.Errorf("option header at %d: %w", offset, ErrOptionOverrun)
		}
		optType := data[offset]
		optLen := data[offset+1]

		if optLen < 2 {
			return nil, fmt.Errorf("option %d length %d: %w", optType, optLen, ErrBadOptionLength)
		}

		if offset+int(optLen) > len(data) {
			return nil, fmt.Errorf("option %d length %d: %w", optType, optLen, ErrOptionOverrun)
		}

		opt := Option{
			Type:   optType,
			Length: optLen,
		}
		if optLen > 2 {
			opt.Data = data[offset+2 : offset+int(optLen)]
		}
		opts = append(opts, opt)

		offset += int(optLen)
	}

	return opts, nil
}

// SerializeOptions serializes configuration options
func SerializeOptions(opts []Option) []byte {
	var buf []byte
	for _, opt := range opts {
		buf = append(buf, opt.Type, uint8(2+len(opt.Data)))
		buf = append(buf, opt.Data...)
	}
	return buf
}

func uint16Option(t uint8, v uint16) Option {
	data := make([]byte, 2)
	binary.BigEndian.PutUint16(data, v)
	return Option{Type: t, Length: 4, Data: data}
}

func uint32Option(t uint8, v uint32) Option {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, v)
	return Option{Type: t, Length: 6, Data: data}
}

// CodeName returns a short name for a control packet code.
func CodeName(code uint8) string {
	switch code {
	case CodeConfigRequest:
		return "Configure-Request"
	case CodeConfigAck:
		return "Configure-Ack"
	case CodeConfigNak:
		return "Configure-Nak"
	case CodeConfigReject:
		return "Configure-Reject"
	case CodeTermRequest:
		return "Terminate-Request"
	case CodeTermAck:
		return "Terminate-Ack"
	case CodeCodeReject:
		return "Code-Reject"
	case CodeProtoReject:
		return "Protocol-Reject"
	case CodeEchoRequest:
		return "Echo-Request"
	case CodeEchoReply:
		return "Echo-Reply"
	case CodeDiscardReq:
		return "Discard-Request"
	default:
		return fmt.Sprintf("Code-%d", code)
	}
}
