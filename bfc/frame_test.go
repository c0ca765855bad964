package bfc

import "testing"

func TestEncodeParseRoundTripNoCRC(t *testing.T) {
	f := Frame{Dst: 0x06, Src: 0x01, Type: TypeSingle, Flags: 0, Payload: []byte{0x01, 0x02, 0x03}}
	wire := Encode(f)

	got, length, err := ParseHeader(wire)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	full, err := ParseBody(got, wire[:headerSize], wire[headerSize:headerSize+length], length)
	if err != nil {
		t.Fatalf("ParseBody: %v", err)
	}
	if full.Dst != f.Dst || full.Src != f.Src || full.Type != f.Type {
		t.Fatalf("round trip mismatch: %+v", full)
	}
	if string(full.Payload) != string(f.Payload) {
		t.Fatalf("payload mismatch: %v", full.Payload)
	}
}

func TestEncodeParseRoundTripWithCRC(t *testing.T) {
	f := Frame{Dst: 0x02, Src: 0x01, Type: TypeStatus, Flags: FlagCRC, Payload: []byte{0x80, 0x11}}
	wire := Encode(f)

	got, length, err := ParseHeader(wire)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	body := wire[headerSize : headerSize+length+2]
	full, err := ParseBody(got, wire[:headerSize], body, length)
	if err != nil {
		t.Fatalf("ParseBody: %v", err)
	}
	if string(full.Payload) != string(f.Payload) {
		t.Fatalf("payload mismatch: %v", full.Payload)
	}
}

func TestParseHeaderDetectsXORMismatch(t *testing.T) {
	f := Frame{Dst: 0x06, Src: 0x01, Type: TypeSingle, Payload: []byte{0x01}}
	wire := Encode(f)
	wire[5] ^= 0xFF // corrupt the xor byte

	if _, _, err := ParseHeader(wire); err == nil {
		t.Fatal("expected xor mismatch error")
	}
}

func TestParseBodyDetectsCRCMismatch(t *testing.T) {
	f := Frame{Dst: 0x02, Src: 0x01, Type: TypeStatus, Flags: FlagCRC, Payload: []byte{0x80, 0x11}}
	wire := Encode(f)
	wire[len(wire)-1] ^= 0xFF // corrupt the crc trailer

	got, length, err := ParseHeader(wire)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	body := wire[headerSize : headerSize+length+2]
	if _, err := ParseBody(got, wire[:headerSize], body, length); err == nil {
		t.Fatal("expected crc mismatch error")
	}
}
