package dwd

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/siemens-mobile-hacks/sieserial"
	"github.com/siemens-mobile-hacks/sieserial/ioengine"
	"github.com/siemens-mobile-hacks/sieserial/transport"
)

const (
	maxReadChunk  = 230
	maxWriteChunk = 226
)

const memTimeout = time.Second

func readChunk(ctx context.Context, port transport.Port) ioengine.ChunkReader {
	return func(ctx context.Context, addr uint32, length int, buf []byte, off int) (int, error) {
		payload := make([]byte, 6)
		binary.LittleEndian.PutUint16(payload[0:2], uint16(length))
		binary.LittleEndian.PutUint32(payload[2:6], addr)
		op, resp, err := Exchange(ctx, port, OpReadMemReq, payload, memTimeout)
		if err != nil {
			return 0, err
		}
		if op != OpReadMemResp || len(resp) < length {
			return 0, sieserial.New(sieserial.KindProtocolViolation, "dwd", "short read-memory response")
		}
		copy(buf[off:off+length], resp[:length])
		return length, nil
	}
}

func writeChunk(ctx context.Context, port transport.Port) ioengine.ChunkWriter {
	return func(ctx context.Context, addr uint32, chunk []byte) (int, error) {
		payload := make([]byte, 6, 6+len(chunk))
		binary.LittleEndian.PutUint16(payload[0:2], uint16(len(chunk)))
		binary.LittleEndian.PutUint32(payload[2:6], addr)
		payload = append(payload, chunk...)
		op, _, err := Exchange(ctx, port, OpWriteMemReq, payload, memTimeout)
		if err != nil {
			return 0, err
		}
		if op != OpWriteMemResp {
			return 0, sieserial.New(sieserial.KindProtocolViolation, "dwd", "write-memory rejected")
		}
		return len(chunk), nil
	}
}

func commonOp(addr uint32, total int, onProgress func(ioengine.Progress)) ioengine.Common {
	return ioengine.Common{
		Base:        addr,
		Total:       total,
		Align:       1,
		PageSize:    maxReadChunk,
		MaxChunk:    maxReadChunk,
		RetryBudget: 3,
		OnProgress:  onProgress,
	}
}

// ReadMemory reads length bytes at addr, driven by the I/O Engine with
// align=1, a 230-byte chunk cap and three retries per chunk.
func ReadMemory(ctx context.Context, port transport.Port, addr uint32, length int, onProgress func(ioengine.Progress)) (ioengine.Result, error) {
	return ioengine.Read(ctx, "dwd", ioengine.ReadOp{
		Common: commonOp(addr, length, onProgress),
		Read:   readChunk(ctx, port),
	})
}

// WriteMemory writes data at addr, driven by the I/O Engine with align=1,
// a 226-byte chunk cap and three retries per chunk.
func WriteMemory(ctx context.Context, port transport.Port, addr uint32, data []byte, onProgress func(ioengine.Progress)) (ioengine.Result, error) {
	common := commonOp(addr, len(data), onProgress)
	common.MaxChunk = maxWriteChunk
	common.PageSize = maxWriteChunk
	return ioengine.Write(ctx, "dwd", ioengine.WriteOp{
		Common: common,
		Write:  writeChunk(ctx, port),
		Buffer: data,
	})
}
