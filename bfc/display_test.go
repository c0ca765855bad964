package bfc

import (
	"context"
	"encoding/binary"
	"testing"
)

func TestGetDisplayBufferReadsWBFormat(t *testing.T) {
	bus, remote, ctx := newTestBus(t)
	remoteCtx, remoteCancel := context.WithCancel(ctx)
	t.Cleanup(remoteCancel)

	const width, height = 16, 8 // wb packs 8px/byte -> 16 bytes total
	bufAddr := uint32(0x1000)
	backing := make([]byte, width*height/8)
	for i := range backing {
		backing[i] = byte(0xA0 + i)
	}

	go fakeRemote(remoteCtx, remote, func(f Frame) []Frame {
		if f.Dst != displayDst {
			return nil
		}
		switch f.Payload[0] {
		case 0x10:
			info := make([]byte, 4)
			binary.LittleEndian.PutUint16(info[0:2], width)
			binary.LittleEndian.PutUint16(info[2:4], height)
			return []Frame{{Dst: f.Src, Src: f.Dst, Type: TypeSingle, Flags: FlagCRC, Payload: info}}
		case 0x11:
			info := make([]byte, 5)
			info[0] = 1 // wb
			binary.LittleEndian.PutUint32(info[1:5], bufAddr)
			return []Frame{{Dst: f.Src, Src: f.Dst, Type: TypeSingle, Flags: FlagCRC, Payload: info}}
		case readMemoryCmd:
			addr := binary.LittleEndian.Uint32(f.Payload[1:5])
			length := int(binary.LittleEndian.Uint32(f.Payload[5:9]))
			off := int(addr - bufAddr)
			chunk := append([]byte{0x01, 0x00}, backing[off:off+length]...)
			return []Frame{{Dst: f.Src, Src: f.Dst, Type: TypeSingle, Flags: FlagCRC, Payload: chunk}}
		}
		return nil
	})

	// ReadMemory targets dst=readMemoryDst, which equals displayDst (0x06)
	// in this module, so the single handler above serves both request
	// shapes by inspecting the leading command byte.
	buf, err := GetDisplayBuffer(ctx, bus, 0x01)
	if err != nil {
		t.Fatalf("GetDisplayBuffer: %v", err)
	}
	if buf.Format != FormatWB {
		t.Fatalf("expected FormatWB, got %v", buf.Format)
	}
	if len(buf.Data) != len(backing) {
		t.Fatalf("expected %d bytes, got %d", len(backing), len(buf.Data))
	}
	for i, b := range buf.Data {
		if b != backing[i] {
			t.Fatalf("byte %d: got %#x want %#x", i, b, backing[i])
		}
	}
}

func TestBufferSizeFormats(t *testing.T) {
	cases := []struct {
		format PixelFormat
		w, h   int
		want   int
	}{
		{FormatWB, 16, 8, 16},
		{FormatRGB332, 4, 4, 16},
		{FormatRGB565, 4, 4, 32},
		{FormatRGB888, 4, 4, 48},
		{FormatRGB8888, 4, 4, 64},
	}
	for _, c := range cases {
		got, err := bufferSize(c.format, c.w, c.h)
		if err != nil {
			t.Fatalf("bufferSize(%v): %v", c.format, err)
		}
		if got != c.want {
			t.Fatalf("bufferSize(%v, %d, %d) = %d, want %d", c.format, c.w, c.h, got, c.want)
		}
	}
}
