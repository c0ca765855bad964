// Package bfc implements the multiplexed framed service bus (spec.md
// §4.6): per-destination receivers, header-XOR and optional CRC-16
// integrity, automatic ACK, sticky per-dst authentication, and the
// higher-level connect/exec/readMemory/baud-negotiation/display-buffer
// operations built on top.
//
// Grounded on the teacher's pkg/can bus (Bus.Send/Bus.Subscribe, frame
// listener dispatch by arbitration ID) generalized from CAN arbitration
// IDs to BFC's (dst, src) addressing, and on pkg/sdo/client.go's
// one-request-at-a-time-per-peer discipline for the per-dst receiver
// table.
package bfc

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"github.com/siemens-mobile-hacks/sieserial"
	"github.com/siemens-mobile-hacks/sieserial/internal/crc"
)

// FrameType is the BFC frame's type nibble (spec.md §3).
type FrameType uint8

const (
	TypeSingle FrameType = iota
	TypeMultiple
	TypeAck
	TypeStatus
)

// Flag bits, combined in Frame.Flags.
const (
	FlagAck uint8 = 1 << iota
	FlagCRC
)

// Frame is one BFC packet.
type Frame struct {
	Dst     uint8
	Src     uint8
	Type    FrameType
	Flags   uint8
	Payload []byte
}

func headerXOR(dst, src, lenHi, lenLo, typeFlags byte) byte {
	return dst ^ src ^ lenHi ^ lenLo ^ typeFlags
}

// Encode serializes f: dst|src|len_be|typeFlags|header_xor|payload[|crc_be].
func Encode(f Frame) []byte {
	length := uint16(len(f.Payload))
	typeFlags := byte(f.Type)<<4 | f.Flags&0x0F
	lenBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBytes, length)

	header := []byte{f.Dst, f.Src, lenBytes[0], lenBytes[1], typeFlags}
	xor := headerXOR(f.Dst, f.Src, lenBytes[0], lenBytes[1], typeFlags)

	out := make([]byte, 0, len(header)+1+len(f.Payload)+2)
	out = append(out, header...)
	out = append(out, xor)
	out = append(out, f.Payload...)

	if f.Flags&FlagCRC != 0 {
		sum := crc.Checksum16(out)
		crcBytes := make([]byte, 2)
		binary.BigEndian.PutUint16(crcBytes, sum)
		out = append(out, crcBytes...)
	}
	log.Debugf("[BFC][TX] dst=x%x src=x%x type=%d flags=x%x %v", f.Dst, f.Src, f.Type, f.Flags, f.Payload)
	return out
}

// headerSize is the fixed 6-byte header+xor prefix.
const headerSize = 6

// ParseHeader validates and decodes the 6-byte header prefix of buf,
// returning the frame fields (sans payload/crc) and the declared payload
// length.
func ParseHeader(buf []byte) (Frame, int, error) {
	if len(buf) < headerSize {
		return Frame{}, 0, sieserial.New(sieserial.KindProtocolViolation, "bfc", "short header")
	}
	dst, src, lenHi, lenLo, typeFlags, xor := buf[0], buf[1], buf[2], buf[3], buf[4], buf[5]
	if xor != headerXOR(dst, src, lenHi, lenLo, typeFlags) {
		log.Debugf("[BFC][RX] header xor mismatch at dst=x%x src=x%x raw=%v", dst, src, buf[:headerSize])
		return Frame{}, 0, sieserial.New(sieserial.KindIntegrityFailure, "bfc", "header xor mismatch")
	}
	length := int(binary.BigEndian.Uint16([]byte{lenHi, lenLo}))
	f := Frame{
		Dst:   dst,
		Src:   src,
		Type:  FrameType(typeFlags >> 4),
		Flags: typeFlags & 0x0F,
	}
	return f, length, nil
}

// ParseBody fills in f.Payload from buf (exactly length bytes) and, if
// f.Flags has FlagCRC set, verifies the trailing 2-byte CRC-16 against
// header+payload. header must be the original 6-byte prefix passed to
// ParseHeader.
func ParseBody(f Frame, header []byte, buf []byte, length int) (Frame, error) {
	if f.Flags&FlagCRC != 0 {
		if len(buf) != length+2 {
			return Frame{}, sieserial.New(sieserial.KindProtocolViolation, "bfc", "short body for crc frame")
		}
		f.Payload = append([]byte{}, buf[:length]...)
		got := binary.BigEndian.Uint16(buf[length : length+2])
		want := crc.Checksum16(append(append([]byte{}, header...), f.Payload...))
		if got != want {
			log.Debugf("[BFC][RX] crc mismatch dst=x%x src=x%x got=x%x want=x%x", f.Dst, f.Src, got, want)
			return Frame{}, sieserial.New(sieserial.KindIntegrityFailure, "bfc", "crc mismatch")
		}
		log.Debugf("[BFC][RX] dst=x%x src=x%x type=%d flags=x%x %v", f.Dst, f.Src, f.Type, f.Flags, f.Payload)
		return f, nil
	}
	if len(buf) != length {
		return Frame{}, sieserial.New(sieserial.KindProtocolViolation, "bfc", "short body")
	}
	f.Payload = append([]byte{}, buf...)
	log.Debugf("[BFC][RX] dst=x%x src=x%x type=%d flags=x%x %v", f.Dst, f.Src, f.Type, f.Flags, f.Payload)
	return f, nil
}
