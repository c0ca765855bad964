package dwd

import (
	"context"
	"encoding/binary"

	"github.com/siemens-mobile-hacks/sieserial/transport"
)

// BruteforceKey2 scans key2 candidates in [lo, hi), disabling chk2
// validation, and returns every candidate that alone satisfies chk1
// (spec.md §4.8). Real hardware makes the full 0x0000-0xFFFF range slow;
// callers typically narrow [lo, hi) or run this against a fixture.
func BruteforceKey2(ctx context.Context, port transport.Port, lo, hi int) ([]uint16, error) {
	var hits []uint16
	for candidate := lo; candidate < hi; candidate++ {
		if err := ctx.Err(); err != nil {
			return hits, err
		}
		ks := Keyset{Key2: uint16(candidate)}
		_, resp1, err := Exchange(ctx, port, OpConnect1Req, connect1Payload(ks), handshakeTimeout)
		if err != nil {
			continue
		}
		if len(resp1) < 4 {
			continue
		}
		chk1 := binary.LittleEndian.Uint16(resp1[2:4])
		if chk1 == expectedChk1() {
			hits = append(hits, uint16(candidate))
		}
	}
	return hits, nil
}

// BruteforceKey1 repeats the first handshake stage with key2 fixed,
// observing (keyRotate, chk2) pairs until every one of the 16 rotate
// positions has been solved. key3 is assumed zero, per spec.md §9's
// documented (not protocol-mandated) bruteforce assumption:
// chk2 == ((key1[kr] << 4) ^ 0x7F39) & 0xFFFF.
func BruteforceKey1(ctx context.Context, port transport.Port, key2 uint16, maxAttempts int) ([16]byte, error) {
	var key1 [16]byte
	solved := make([]bool, 16)
	solvedCount := 0
	ks := Keyset{Key2: key2}

	for attempt := 0; attempt < maxAttempts && solvedCount < 16; attempt++ {
		if err := ctx.Err(); err != nil {
			return key1, err
		}
		_, resp1, err := Exchange(ctx, port, OpConnect1Req, connect1Payload(ks), handshakeTimeout)
		if err != nil {
			continue
		}
		if len(resp1) < 8 {
			continue
		}
		r6 := binary.LittleEndian.Uint16(resp1[4:6])
		chk2 := binary.LittleEndian.Uint16(resp1[6:8])
		rotate := keyRotateFrom(r6)
		if solved[rotate] {
			continue
		}
		byteVal := (chk2 ^ 0x7F39) >> 4
		key1[rotate] = byte(byteVal)
		solved[rotate] = true
		solvedCount++
	}
	return key1, nil
}
