// Package dwd implements the APOXI debug protocol tunneled inside AT
// framing (spec.md §4.8): escape-based encapsulation, a keyed handshake,
// opcode-tagged request/response frames, memory I/O composed over the I/O
// Engine, and offline key-recovery (bruteforce) helpers.
//
// Grounded on the teacher's pkg/sdo/client.go exec-then-await-response
// shape for the handshake and memory commands, and on its pkg/sdo/io.go
// chunked-transfer composition for the memory read/write primitives.
package dwd

import (
	"context"
	"encoding/binary"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/siemens-mobile-hacks/sieserial"
	"github.com/siemens-mobile-hacks/sieserial/transport"
)

// Opcode identifies a DWD frame's purpose (spec.md §4.8 frame table).
type Opcode uint16

const (
	OpConnect1Req  Opcode = 0x58
	OpConnect1Resp Opcode = 0x57
	OpConnect2Req  Opcode = 0x59
	OpConnect2Resp Opcode = 0x56
	OpReadMemReq   Opcode = 0x76
	OpReadMemResp  Opcode = 0x77
	OpWriteMemReq  Opcode = 0x78
	OpWriteMemResp Opcode = 0x79
	OpGetSWVerReq  Opcode = 0x54
	OpGetSWVerResp Opcode = 0x55
	OpSWResetReq   Opcode = 0xAD
)

const headerBase = 14 // offset-encoding base per spec.md §4.8/§6

// encapsulate wraps body in the "AT#" escape envelope: prefix, escape
// count, escaped-byte offsets (14+input-index, per spec), the body with
// every 0x0D replaced by 0x0C, and a trailing 0x0D.
func encapsulate(body []byte) []byte {
	var offsets []byte
	for i, b := range body {
		if b == 0x0D {
			offsets = append(offsets, byte(headerBase+i))
		}
	}

	out := make([]byte, 0, 4+len(offsets)+len(body)+1)
	out = append(out, 'A', 'T', '#', byte(len(offsets)))
	out = append(out, offsets...)
	for _, b := range body {
		if b == 0x0D {
			out = append(out, 0x0C)
		} else {
			out = append(out, b)
		}
	}
	out = append(out, 0x0D)
	log.Debugf("[DWD][TX] escaped %d byte(s) at offsets %v: %v", len(offsets), offsets, out)
	return out
}

// decapsulate reverses encapsulate, restoring every escaped byte to 0x0D.
func decapsulate(frame []byte) ([]byte, error) {
	if len(frame) < 5 || frame[0] != 'A' || frame[1] != 'T' || frame[2] != '#' {
		return nil, sieserial.New(sieserial.KindProtocolViolation, "dwd", "missing AT# prefix")
	}
	count := int(frame[3])
	if len(frame) < 4+count+1 {
		return nil, sieserial.New(sieserial.KindProtocolViolation, "dwd", "truncated escape table")
	}
	offsets := frame[4 : 4+count]
	if frame[len(frame)-1] != 0x0D {
		return nil, sieserial.New(sieserial.KindProtocolViolation, "dwd", "missing trailing 0x0D")
	}
	body := append([]byte{}, frame[4+count:len(frame)-1]...)
	for _, o := range offsets {
		idx := int(o) - headerBase
		if idx < 0 || idx >= len(body) {
			return nil, sieserial.New(sieserial.KindProtocolViolation, "dwd", "escape offset out of range")
		}
		body[idx] = 0x0D
	}
	log.Debugf("[DWD][RX] unescaped %d byte(s) at offsets %v: %v", count, offsets, body)
	return body, nil
}

func buildFrame(op Opcode, payload []byte) []byte {
	out := make([]byte, 2, 2+len(payload))
	binary.LittleEndian.PutUint16(out, uint16(op))
	return append(out, payload...)
}

func parseFrame(data []byte) (Opcode, []byte, error) {
	if len(data) < 2 {
		return 0, nil, sieserial.New(sieserial.KindProtocolViolation, "dwd", "frame shorter than opcode field")
	}
	return Opcode(binary.LittleEndian.Uint16(data[:2])), data[2:], nil
}

// SendFrame encapsulates and writes one DWD command frame.
func SendFrame(port transport.Port, op Opcode, payload []byte) error {
	if _, err := port.Write(encapsulate(buildFrame(op, payload))); err != nil {
		return sieserial.Wrap(sieserial.KindTransportClosed, "dwd", "write failed", err)
	}
	return nil
}

// ReadFrame reads one encapsulated DWD response from port. Because every
// embedded 0x0D is escaped to 0x0C during encapsulation, the first raw
// 0x0D byte on the wire unambiguously marks the frame's end.
func ReadFrame(ctx context.Context, port transport.Port, timeout time.Duration) (Opcode, []byte, error) {
	readCtx, cancel := transport.WithDeadline(ctx, timeout)
	defer cancel()

	var raw []byte
	for {
		b, ok, err := port.ReadByte(readCtx)
		if err != nil {
			return 0, nil, sieserial.Wrap(sieserial.KindTransportClosed, "dwd", "read failed", err)
		}
		if !ok {
			if ctx.Err() != nil {
				return 0, nil, sieserial.Wrap(sieserial.KindCancelled, "dwd", "read aborted", ctx.Err())
			}
			return 0, nil, sieserial.New(sieserial.KindTimeout, "dwd", "no frame terminator within window")
		}
		raw = append(raw, b)
		if b == 0x0D && len(raw) >= 5 {
			break
		}
	}

	body, err := decapsulate(raw)
	if err != nil {
		return 0, nil, err
	}
	return parseFrame(body)
}

// Exchange sends a request frame and waits for its response.
func Exchange(ctx context.Context, port transport.Port, op Opcode, payload []byte, timeout time.Duration) (Opcode, []byte, error) {
	if err := SendFrame(port, op, payload); err != nil {
		return 0, nil, err
	}
	return ReadFrame(ctx, port, timeout)
}
