package cgsn

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/siemens-mobile-hacks/sieserial/atchannel"
	"github.com/siemens-mobile-hacks/sieserial/internal/testport"
)

type phone struct {
	port *testport.Port
}

// serve feeds raw bytes to the phone's line parser, replying to
// recognized AT+CGSN* commands as spec.md §4.7 describes. Echo is assumed
// disabled (as after ATQ0 V1 E0), so commands arrive without an echoed
// line first.
func (p *phone) serve(ctx context.Context, backing map[uint32][]byte) {
	var buf []byte
	for {
		b, ok, err := p.port.ReadByte(ctx)
		if err != nil || !ok {
			return
		}
		buf = append(buf, b)
		idx := indexCR(buf)
		if idx < 0 {
			continue
		}
		line := string(buf[:idx])
		buf = buf[idx+1:]
		p.reply(line, backing)
	}
}

func indexCR(buf []byte) int {
	for i, b := range buf {
		if b == '\r' {
			return i
		}
	}
	return -1
}

func (p *phone) reply(line string, backing map[uint32][]byte) {
	switch {
	case strings.HasPrefix(line, "ATQ0"):
		p.port.Write([]byte("OK\r\n"))
	case strings.HasPrefix(line, "AT+CGSN:"):
		rest := strings.TrimPrefix(line, "AT+CGSN:")
		parts := strings.SplitN(rest, ",", 2)
		addr := parseHex8(parts[0])
		length := parseHex8(parts[1])
		data := backing[addr]
		if len(data) < int(length) {
			padded := make([]byte, length)
			copy(padded, data)
			data = padded
		}
		out := append([]byte{0xA1}, data[:length]...)
		p.port.Write(out)
		p.port.Write([]byte("\r\nOK\r\n"))
	case strings.HasPrefix(line, "AT+CGSN*"):
		rest := strings.TrimPrefix(line, "AT+CGSN*")
		addr := parseHex8(rest[:8])
		raw, _ := hex.DecodeString(rest[8:])
		backing[addr] = raw
		p.port.Write([]byte("OK\r\n"))
	default:
		p.port.Write([]byte("OK\r\n"))
	}
}

func parseHex8(s string) uint32 {
	var v uint32
	for i := 0; i < len(s); i++ {
		v <<= 4
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			v |= uint32(c - '0')
		case c >= 'A' && c <= 'F':
			v |= uint32(c-'A') + 10
		case c >= 'a' && c <= 'f':
			v |= uint32(c-'a') + 10
		}
	}
	return v
}

func newHarness(t *testing.T) (*atchannel.Channel, *testport.Port, context.Context) {
	t.Helper()
	a, b := testport.NewPair()
	ch := atchannel.New(a, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	ch.Start(ctx)
	t.Cleanup(ch.Stop)
	return ch, b, ctx
}

func TestReadMemoryReturnsBackingBytes(t *testing.T) {
	ch, remote, ctx := newHarness(t)
	backing := map[uint32][]byte{0x1000: {0x11, 0x22, 0x33, 0x44}}
	go (&phone{port: remote}).serve(ctx, backing)

	got, err := ReadMemory(ctx, ch, 0x1000, 4)
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if hex.EncodeToString(got) != "11223344" {
		t.Fatalf("got %x", got)
	}
}

func TestWriteMemoryThenReadBack(t *testing.T) {
	ch, remote, ctx := newHarness(t)
	backing := map[uint32][]byte{}
	go (&phone{port: remote}).serve(ctx, backing)

	if err := WriteMemory(ctx, ch, 0x2000, []byte{0xDE, 0xAD, 0xBE, 0xEF}); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}
	got, err := ReadMemory(ctx, ch, 0x2000, 4)
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if hex.EncodeToString(got) != "deadbeef" {
		t.Fatalf("got %x", got)
	}
}

func TestWriteMemoryRejectsMisalignedLength(t *testing.T) {
	ch, _, ctx := newHarness(t)
	if err := WriteMemory(ctx, ch, 0x2000, []byte{0x01, 0x02, 0x03}); err == nil {
		t.Fatal("expected alignment error")
	}
}

func TestReadMemoryRejectsOversizedLength(t *testing.T) {
	ch, _, ctx := newHarness(t)
	if _, err := ReadMemory(ctx, ch, 0x2000, 513); err == nil {
		t.Fatal("expected range error")
	}
}
