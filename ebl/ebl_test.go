package ebl

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/siemens-mobile-hacks/sieserial/internal/testport"
)

func TestChecksumMatchesSpecFormula(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	got := checksum(0x0010, 3, payload)
	want := uint16(0x0010 + 3 + 1 + 2 + 3)
	if got != want {
		t.Fatalf("got %x want %x", got, want)
	}
}

func TestExchangeRoundTrip(t *testing.T) {
	dce, dte := testport.NewPair()
	go func() {
		req, _ := dte.Read(context.Background(), 6+4)
		size := binary.LittleEndian.Uint16(req[4:6])
		_ = size
		reply := encode(Frame{Cmd: binary.LittleEndian.Uint16(req[2:4]), Payload: []byte{0xAA, 0xBB}})
		dte.Write(reply)
	}()
	resp, err := Exchange(context.Background(), dce, Frame{Cmd: 7, Payload: []byte{1, 2, 3, 4}}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Cmd != 7 || len(resp.Payload) != 2 || resp.Payload[0] != 0xAA || resp.Payload[1] != 0xBB {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestExchangeRejectsBadChecksum(t *testing.T) {
	dce, dte := testport.NewPair()
	go func() {
		dte.Read(context.Background(), 6)
		bad := encode(Frame{Cmd: 1, Payload: []byte{0x00}})
		bad[len(bad)-3] ^= 0xFF // corrupt the checksum
		dte.Write(bad)
	}()
	_, err := Exchange(context.Background(), dce, Frame{Cmd: 1, Payload: nil}, time.Second)
	if err == nil {
		t.Fatalf("expected checksum failure")
	}
}

func TestSetBaudrateAdoptsOnEchoMatch(t *testing.T) {
	dce, dte := testport.NewPair()
	go func() {
		req, _ := dte.Read(context.Background(), 6+4+4)
		dte.Write(encode(Frame{Cmd: binary.LittleEndian.Uint16(req[2:4]), Payload: req[6:10]}))
	}()
	if err := SetBaudrate(context.Background(), dce, 921600, time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dce.Baud() != 921600 {
		t.Fatalf("expected baud adopted, got %d", dce.Baud())
	}
}

func TestSetBaudrateRejectsEchoMismatch(t *testing.T) {
	dce, dte := testport.NewPair()
	go func() {
		dte.Read(context.Background(), 6+4+4)
		dte.Write(encode(Frame{Cmd: CmdSetBaudrate, Payload: []byte{0, 0, 0, 0}}))
	}()
	if err := SetBaudrate(context.Background(), dce, 921600, time.Second); err == nil {
		t.Fatalf("expected echo mismatch error")
	}
}

func TestProbeCFIReturnsFourDescriptors(t *testing.T) {
	dce, dte := testport.NewPair()
	go func() {
		for i := 0; i < 4; i++ {
			req, _ := dte.Read(context.Background(), 6+1+4)
			payload := make([]byte, 64)
			for j := range payload {
				payload[j] = byte(i)
			}
			dte.Write(encode(Frame{Cmd: binary.LittleEndian.Uint16(req[2:4]), Payload: payload}))
		}
	}()
	descs, err := ProbeCFI(context.Background(), dce, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, d := range descs {
		for _, b := range d {
			if b != byte(i) {
				t.Fatalf("descriptor %d not filled correctly", i)
			}
		}
	}
}
