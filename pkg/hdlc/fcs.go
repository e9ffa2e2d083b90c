package hdlc

import "github.com/sigurn/crc16"

// The FCS-16 of RFC 1662 appendix C.2 is CRC-16/X-25: polynomial
// x^16+x^12+x^5+1, reflected, initial value and final XOR 0xFFFF.
var fcsTable = crc16.MakeTable(crc16.CRC16_X_25)

var acHeader = [2]byte{Address, Control}

// FCS16 returns the frame check sequence to transmit for data.
func FCS16(data []byte) uint16 {
	return crc16.Checksum(data, fcsTable)
}

// checkFCS reports whether the last two octets of buf, least significant
// first, are the FCS of the octets before them.
func checkFCS(buf []byte) bool {
	n := len(buf) - fcsLen
	if n < 0 {
		return false
	}
	got := uint16(buf[n]) | uint16(buf[n+1])<<8
	return crc16.Checksum(buf[:n], fcsTable) == got
}
