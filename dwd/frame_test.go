package dwd

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/siemens-mobile-hacks/sieserial/internal/testport"
)

func TestEncapsulateSingleEscape(t *testing.T) {
	in := []byte{0x76, 0x00, 0x1E, 0x00, 0x0D, 0x0C, 0x00, 0xA0}
	want := []byte{0x41, 0x54, 0x23, 0x01, 0x12, 0x76, 0x00, 0x1E, 0x00, 0x0C, 0x0C, 0x00, 0xA0, 0x0D}
	got := encapsulate(in)
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x want % x", got, want)
	}
}

func TestEncapsulateMultipleEscapes(t *testing.T) {
	in := []byte{0x76, 0x00, 0x1E, 0x00, 0x0D, 0x0D, 0x0C, 0xA0}
	want := []byte{0x41, 0x54, 0x23, 0x02, 0x12, 0x13, 0x76, 0x00, 0x1E, 0x00, 0x0C, 0x0C, 0x0C, 0xA0, 0x0D}
	got := encapsulate(in)
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x want % x", got, want)
	}
}

func TestDecapsulateRoundTrip(t *testing.T) {
	inputs := [][]byte{
		{0x76, 0x00, 0x1E, 0x00, 0x0D, 0x0C, 0x00, 0xA0},
		{0x76, 0x00, 0x1E, 0x00, 0x0D, 0x0D, 0x0C, 0xA0},
		{0x00, 0x01, 0x02, 0x03},
		{},
	}
	for _, in := range inputs {
		got, err := decapsulate(encapsulate(in))
		if err != nil {
			t.Fatalf("unexpected error for %x: %v", in, err)
		}
		if !bytes.Equal(got, in) {
			t.Fatalf("round trip mismatch: got % x want % x", got, in)
		}
	}
}

func TestExchangeReadsUpToTerminator(t *testing.T) {
	dce, dte := testport.NewPair()
	go func() {
		dte.Read(context.Background(), 64)
		dte.Write(encapsulate(buildFrame(OpGetSWVerResp, []byte("1.0"))))
	}()
	op, payload, err := Exchange(context.Background(), dce, OpGetSWVerReq, nil, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if op != OpGetSWVerResp || string(payload) != "1.0" {
		t.Fatalf("unexpected response: op=%x payload=%q", op, payload)
	}
}
