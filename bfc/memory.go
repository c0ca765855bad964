package bfc

import (
	"context"
	"encoding/binary"

	"github.com/siemens-mobile-hacks/sieserial"
	"github.com/siemens-mobile-hacks/sieserial/ioengine"
)

const (
	readMemoryDst   = 0x06
	readMemoryCmd   = 0x01
	maxReadMemChunk = 32 * 1024
)

// ReadMemory reads length bytes at address from dst=0x06, driven by the
// I/O Engine with a 32KiB per-call chunk cap (spec.md §4.6 "readMemory").
func ReadMemory(ctx context.Context, bus *Bus, src uint8, address uint32, length int, onProgress func(ioengine.Progress)) (ioengine.Result, error) {
	return ioengine.Read(ctx, "bfc", ioengine.ReadOp{
		Common: ioengine.Common{
			Base:       address,
			Total:      length,
			Align:      1,
			PageSize:   maxReadMemChunk,
			MaxChunk:   maxReadMemChunk,
			OnProgress: onProgress,
		},
		Read: readMemChunk(bus, src),
	})
}

func readMemChunk(bus *Bus, src uint8) ioengine.ChunkReader {
	return func(ctx context.Context, addr uint32, length int, buf []byte, off int) (int, error) {
		payload := make([]byte, 9)
		payload[0] = readMemoryCmd
		binary.LittleEndian.PutUint32(payload[1:5], addr)
		binary.LittleEndian.PutUint32(payload[5:9], uint32(length))

		offset := 0
		first := true
		parser := func(f Frame) (bool, error) {
			data := f.Payload
			if first {
				first = false
				if len(data) < 2 || data[0] != 0x01 || data[1] != 0x00 {
					return true, sieserial.New(sieserial.KindProtocolViolation, "bfc", "readMemory ack rejected")
				}
				data = data[2:]
			} else if f.Type == TypeMultiple {
				if len(data) < 1 {
					return true, sieserial.New(sieserial.KindProtocolViolation, "bfc", "short multiple frame")
				}
				data = data[1:]
			}
			n := copy(buf[off+offset:off+length], data)
			offset += n
			return offset >= length, nil
		}

		_, err := bus.Exec(ctx, src, readMemoryDst, payload, ExecOptions{Type: TypeSingle, CRC: true, Parser: parser})
		if err != nil {
			return offset, err
		}
		return offset, nil
	}
}
