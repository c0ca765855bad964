package dwd

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/siemens-mobile-hacks/sieserial"
	"github.com/siemens-mobile-hacks/sieserial/transport"
)

// Fixed "chosen-random" constants (spec.md §4.8), preserved verbatim to
// match on-wire behavior (spec.md §9).
const (
	rand1 uint16 = 5500
	rand2 uint16 = 5500
	rand3 uint16 = 5500
	rand4 uint16 = 0
)

const handshakeTimeout = 2 * time.Second

func u16le(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func connect1Payload(ks Keyset) []byte {
	computed := (ks.Key4 ^ ks.Key2 ^ rand1) + rand2 + 0x4ED5
	out := append([]byte{}, u16le(rand1)...)
	out = append(out, u16le(computed)...)
	out = append(out, u16le(rand2)...)
	out = append(out, u16le(rand3)...)
	return out
}

func expectedChk1() uint16 {
	return ((rand1*8 - rand2) ^ 0xD427)
}

func keyRotateFrom(r6 uint16) uint8 {
	return uint8((r6 - rand2) & 0xF)
}

func expectedChk2(ks Keyset, rotate uint8) uint16 {
	a := uint16(ks.Key1[rotate]) << 4
	b := (uint16(ks.Key3[0xF-rotate]) << 3) ^ 0x7F39
	return a ^ b
}

func connect2Payload(ks Keyset, rotate uint8) []byte {
	computed := uint16(ks.Key1[0xF-rotate]) ^ (uint16(ks.Key3[rotate]) << 4) ^ 0x4D33
	out := append([]byte{}, u16le(rand4)...)
	out = append(out, u16le(computed)...)
	out = append(out, u16le(rand4)...)
	return out
}

// handshakeOnce attempts the two-stage keyed handshake with ks over port,
// returning an authentication-denied error if either checksum fails to
// validate.
func handshakeOnce(ctx context.Context, port transport.Port, ks Keyset) error {
	_, resp1, err := Exchange(ctx, port, OpConnect1Req, connect1Payload(ks), handshakeTimeout)
	if err != nil {
		return err
	}
	if len(resp1) < 8 {
		return sieserial.New(sieserial.KindProtocolViolation, "dwd", "connect-1 response too short")
	}
	chk1 := binary.LittleEndian.Uint16(resp1[2:4])
	r6 := binary.LittleEndian.Uint16(resp1[4:6])
	chk2 := binary.LittleEndian.Uint16(resp1[6:8])

	if chk1 != expectedChk1() {
		return sieserial.New(sieserial.KindAuthDenied, "dwd", "chk1 validation failed")
	}
	rotate := keyRotateFrom(r6)
	if chk2 != expectedChk2(ks, rotate) {
		return sieserial.New(sieserial.KindAuthDenied, "dwd", "chk2 validation failed")
	}

	op, resp2, err := Exchange(ctx, port, OpConnect2Req, connect2Payload(ks, rotate), handshakeTimeout)
	if err != nil {
		return err
	}
	// Open question (a): connect2's response length varied across
	// revisions; accept any response carrying at least a valid 4-byte
	// header with the expected opcode, ignoring trailing bytes.
	if op != OpConnect2Resp || len(resp2) < 2 {
		return sieserial.New(sieserial.KindProtocolViolation, "dwd", "connect-2 response rejected")
	}
	return nil
}

// Connect performs the keyed handshake. keysetName selects a built-in
// keyset by name; "auto" (or "") tries each named keyset in
// autoTryOrder until one succeeds.
func Connect(ctx context.Context, port transport.Port, keysetName string) (string, error) {
	if keysetName == "" {
		keysetName = "auto"
	}
	if keysetName != "auto" {
		ks, ok := BuiltinKeysets[keysetName]
		if !ok {
			return "", sieserial.New(sieserial.KindUnsupported, "dwd", "unknown keyset: "+keysetName)
		}
		if err := handshakeOnce(ctx, port, ks); err != nil {
			return "", err
		}
		return keysetName, nil
	}

	var lastErr error
	for _, name := range autoTryOrder {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := handshakeOnce(ctx, port, BuiltinKeysets[name]); err != nil {
			lastErr = err
			continue
		}
		return name, nil
	}
	return "", sieserial.Wrap(sieserial.KindAuthDenied, "dwd", "no keyset in auto order succeeded", lastErr)
}

var v24Enable = []byte{0x41, 0x54, 0x23, 0xFD, 0x0D, 0x00, 0x66, 0x8D, 0xED}
var v24Disable = []byte{0x41, 0x54, 0x23, 0xFE, 0x0D, 0x00, 0x66, 0x8D, 0xED}

// ToggleV24 writes the literal V24-toggle command and drains up to 32
// bytes of reply within a 20ms window (spec.md §4.8).
func ToggleV24(ctx context.Context, port transport.Port, enable bool) ([]byte, error) {
	cmd := v24Disable
	if enable {
		cmd = v24Enable
	}
	if _, err := port.Write(cmd); err != nil {
		return nil, sieserial.Wrap(sieserial.KindTransportClosed, "dwd", "write failed", err)
	}
	readCtx, cancel := transport.WithDeadline(ctx, 20*time.Millisecond)
	defer cancel()
	buf, err := port.Read(readCtx, 32)
	if err != nil {
		return nil, sieserial.Wrap(sieserial.KindTransportClosed, "dwd", "read failed", err)
	}
	return buf, nil
}
