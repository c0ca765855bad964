// Package ebl implements the EBL boot-loader protocol (spec.md §4.5): a
// small checksummed request/response framing used for baud negotiation,
// EBU configuration, and flash descriptor (CFI) queries.
//
// Grounded on the teacher's pkg/sdo/client.go send-then-read-exact-length
// shape, generalized from SDO's fixed 8-byte CAN frame to EBL's
// variable-length length-prefixed frame.
package ebl

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/siemens-mobile-hacks/sieserial"
	"github.com/siemens-mobile-hacks/sieserial/transport"
)

const (
	startToken = 2
	endToken   = 3

	CmdSetBaudrate  = 0x01
	CmdSetEBUConfig = 0x02
	CmdCFIProbe     = 0x03
)

// Frame is one EBL packet, independent of direction.
type Frame struct {
	Cmd     uint16
	Payload []byte
}

func checksum(cmd, size uint16, payload []byte) uint16 {
	sum := uint32(cmd) + uint32(size)
	for _, b := range payload {
		sum += uint32(b)
	}
	return uint16(sum)
}

func encode(f Frame) []byte {
	size := uint16(len(f.Payload))
	buf := make([]byte, 0, 6+len(f.Payload)+4)
	buf = append(buf, startToken, 0)
	buf = binary.LittleEndian.AppendUint16(buf, f.Cmd)
	buf = binary.LittleEndian.AppendUint16(buf, size)
	buf = append(buf, f.Payload...)
	buf = binary.LittleEndian.AppendUint16(buf, checksum(f.Cmd, size, f.Payload))
	buf = append(buf, endToken, 0)
	return buf
}

func readExact(ctx context.Context, port transport.Port, n int, timeout time.Duration) ([]byte, error) {
	readCtx, cancel := transport.WithDeadline(ctx, timeout)
	defer cancel()
	buf, err := port.Read(readCtx, n)
	if err != nil {
		return nil, sieserial.Wrap(sieserial.KindTransportClosed, "ebl", "read failed", err)
	}
	if len(buf) != n {
		if ctx.Err() != nil {
			return nil, sieserial.Wrap(sieserial.KindCancelled, "ebl", "read aborted", ctx.Err())
		}
		return nil, sieserial.New(sieserial.KindTimeout, "ebl", fmt.Sprintf("short read: got %d want %d", len(buf), n))
	}
	return buf, nil
}

// Exchange writes req, then reads and validates a response frame: a 6-byte
// header (start token, 0, cmd, size), size+4 body bytes (payload, checksum,
// end token, 0).
func Exchange(ctx context.Context, port transport.Port, req Frame, timeout time.Duration) (Frame, error) {
	if _, err := port.Write(encode(req)); err != nil {
		return Frame{}, sieserial.Wrap(sieserial.KindTransportClosed, "ebl", "write failed", err)
	}

	header, err := readExact(ctx, port, 6, timeout)
	if err != nil {
		return Frame{}, err
	}
	if header[0] != startToken || header[1] != 0 {
		return Frame{}, sieserial.New(sieserial.KindProtocolViolation, "ebl", "bad start token")
	}
	cmd := binary.LittleEndian.Uint16(header[2:4])
	if cmd != req.Cmd {
		return Frame{}, sieserial.New(sieserial.KindProtocolViolation, "ebl", "command mismatch")
	}
	size := binary.LittleEndian.Uint16(header[4:6])

	body, err := readExact(ctx, port, int(size)+4, timeout)
	if err != nil {
		return Frame{}, err
	}
	payload := body[:size]
	gotChecksum := binary.LittleEndian.Uint16(body[size : size+2])
	if body[size+2] != endToken || body[size+3] != 0 {
		return Frame{}, sieserial.New(sieserial.KindProtocolViolation, "ebl", "bad end token")
	}
	if gotChecksum != checksum(cmd, size, payload) {
		return Frame{}, sieserial.New(sieserial.KindIntegrityFailure, "ebl", "checksum mismatch")
	}

	return Frame{Cmd: cmd, Payload: payload}, nil
}

// SetBaudrate asks the EBL side to switch to baud, adopting the change
// locally only if the reply echoes the same value back.
func SetBaudrate(ctx context.Context, port transport.Port, baud uint32, timeout time.Duration) error {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, baud)
	resp, err := Exchange(ctx, port, Frame{Cmd: CmdSetBaudrate, Payload: payload}, timeout)
	if err != nil {
		return err
	}
	if len(resp.Payload) != 4 || binary.LittleEndian.Uint32(resp.Payload) != baud {
		return sieserial.New(sieserial.KindProtocolViolation, "ebl", "baudrate echo mismatch")
	}
	return port.UpdateBaud(int(baud))
}

// EBUConfig is the 88-byte configuration record (spec.md §6): a fixed
// prologue followed by 4 chip-select descriptors.
type EBUConfig struct {
	ChipSelects [4]struct {
		CS      uint32
		AddrSel uint32
		BusCon  uint32
		BusAP   uint32
	}
}

func encodeEBUConfig(cfg EBUConfig) []byte {
	buf := make([]byte, 0, 88)
	for _, v := range []uint32{5, 0x04020000, 115200, 2, 1, 0} {
		buf = binary.LittleEndian.AppendUint32(buf, v)
	}
	for _, cs := range cfg.ChipSelects {
		buf = binary.LittleEndian.AppendUint32(buf, cs.CS)
		buf = binary.LittleEndian.AppendUint32(buf, cs.AddrSel)
		buf = binary.LittleEndian.AppendUint32(buf, cs.BusCon)
		buf = binary.LittleEndian.AppendUint32(buf, cs.BusAP)
	}
	return buf
}

// SetEBUConfig uploads cfg as the 88-byte EBU configuration structure.
func SetEBUConfig(ctx context.Context, port transport.Port, cfg EBUConfig, timeout time.Duration) error {
	payload := encodeEBUConfig(cfg)
	_, err := Exchange(ctx, port, Frame{Cmd: CmdSetEBUConfig, Payload: payload}, timeout)
	return err
}

// FlashDescriptor is one of the four 64-byte CFI descriptors returned by
// ProbeCFI.
type FlashDescriptor [64]byte

// ProbeCFI sends four CFI-probe requests in turn, each carrying a one-byte
// descriptor index (0-3), and returns the four 64-byte descriptors from the
// replies. There is no separate second probe stage.
func ProbeCFI(ctx context.Context, port transport.Port, timeout time.Duration) ([4]FlashDescriptor, error) {
	var out [4]FlashDescriptor
	for i := 0; i < 4; i++ {
		payload := []byte{byte(i)}
		resp, err := Exchange(ctx, port, Frame{Cmd: CmdCFIProbe, Payload: payload}, timeout)
		if err != nil {
			return out, err
		}
		if len(resp.Payload) != 64 {
			return out, sieserial.New(sieserial.KindProtocolViolation, "ebl", "unexpected CFI descriptor size")
		}
		copy(out[i][:], resp.Payload)
	}
	return out, nil
}
