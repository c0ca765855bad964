// Package cgsn implements the CGSN memory probe (spec.md §4.7): a family
// of AT-encoded memory operations tunneled through AT+CGSN variants, plus
// the connect sequence that finds a working baud and verifies the phone
// firmware carries the CGSN patch.
//
// Grounded on atchannel.Channel's KindBinary phase (itself grounded on the
// teacher's pkg/sdo block-transfer shape) for the binary ACK+payload
// replies, and on ioengine for the bulk read/write chunk composition.
package cgsn

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/siemens-mobile-hacks/sieserial"
	"github.com/siemens-mobile-hacks/sieserial/atchannel"
	"github.com/siemens-mobile-hacks/sieserial/ioengine"
)

const (
	maxReadChunk  = 512
	maxWriteChunk = 128
	ackByte       = 0xA1
)

func hex8(v uint32) string {
	return fmt.Sprintf("%08X", v)
}

// ReadMemory reads length bytes at addr in a single AT+CGSN: round trip.
// length must not exceed maxReadChunk.
func ReadMemory(ctx context.Context, ch *atchannel.Channel, addr uint32, length int) ([]byte, error) {
	if length <= 0 || length > maxReadChunk {
		return nil, sieserial.New(sieserial.KindAlignment, "cgsn", "read length out of range")
	}
	cmd := atchannel.Command{
		Text:       fmt.Sprintf("AT+CGSN:%s,%s", hex8(addr), hex8(uint32(length))),
		Kind:       atchannel.KindBinary,
		BinarySize: 1 + length,
		Timeout:    2 * time.Second,
	}
	resp, err := ch.Send(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, sieserial.New(sieserial.KindProtocolViolation, "cgsn", "read rejected: "+resp.Status)
	}
	if len(resp.Binary) != 1+length || resp.Binary[0] != ackByte {
		return nil, sieserial.New(sieserial.KindProtocolViolation, "cgsn", "missing ack byte in read reply")
	}
	return resp.Binary[1:], nil
}

// WriteMemory writes data (a multiple of 4 bytes, length ≤ maxWriteChunk)
// to addr (also 4-byte aligned) in a single AT+CGSN* round trip.
func WriteMemory(ctx context.Context, ch *atchannel.Channel, addr uint32, data []byte) error {
	if len(data) == 0 || len(data) > maxWriteChunk {
		return sieserial.New(sieserial.KindAlignment, "cgsn", "write length out of range")
	}
	if len(data)%4 != 0 || addr%4 != 0 {
		return sieserial.New(sieserial.KindAlignment, "cgsn", "write address/length must be 4-byte aligned")
	}
	cmd := atchannel.Command{
		Text:    fmt.Sprintf("AT+CGSN*%s%s", hex8(addr), strings.ToUpper(hex.EncodeToString(data))),
		Kind:    atchannel.KindDefault,
		Timeout: 2 * time.Second,
	}
	resp, err := ch.Send(ctx, cmd)
	if err != nil {
		return err
	}
	if !resp.Success {
		return sieserial.New(sieserial.KindProtocolViolation, "cgsn", "write rejected: "+resp.Status)
	}
	return nil
}

// Execute runs code at addr with registers r0..r12 and returns r0..r12
// plus cpsr as read back afterward (AT+CGSN@, spec.md §4.7).
func Execute(ctx context.Context, ch *atchannel.Channel, addr uint32, regs [13]uint32) ([14]uint32, error) {
	parts := make([]string, 0, 14)
	parts = append(parts, hex8(addr))
	for _, r := range regs {
		parts = append(parts, hex8(r))
	}
	cmd := atchannel.Command{
		Text:       "AT+CGSN@" + strings.Join(parts, ","),
		Kind:       atchannel.KindBinary,
		BinarySize: 1 + 14*4,
		Timeout:    3 * time.Second,
	}
	var out [14]uint32
	resp, err := ch.Send(ctx, cmd)
	if err != nil {
		return out, err
	}
	if !resp.Success {
		return out, sieserial.New(sieserial.KindProtocolViolation, "cgsn", "execute rejected: "+resp.Status)
	}
	if len(resp.Binary) != 1+14*4 || resp.Binary[0] != ackByte {
		return out, sieserial.New(sieserial.KindProtocolViolation, "cgsn", "missing ack byte in execute reply")
	}
	for i := 0; i < 14; i++ {
		out[i] = leU32(resp.Binary[1+i*4:])
	}
	return out, nil
}

// BulkQuery reads the u32 values held at each of addrs in one round trip
// (AT+CGSN%, spec.md §4.7).
func BulkQuery(ctx context.Context, ch *atchannel.Channel, addrs []uint32) ([]uint32, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, hex8(a))
	}
	cmd := atchannel.Command{
		Text:       "AT+CGSN%" + strings.Join(parts, ""),
		Kind:       atchannel.KindBinary,
		BinarySize: 1 + len(addrs)*4,
		Timeout:    3 * time.Second,
	}
	resp, err := ch.Send(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, sieserial.New(sieserial.KindProtocolViolation, "cgsn", "bulk query rejected: "+resp.Status)
	}
	if len(resp.Binary) != 1+len(addrs)*4 || resp.Binary[0] != ackByte {
		return nil, sieserial.New(sieserial.KindProtocolViolation, "cgsn", "missing ack byte in bulk-query reply")
	}
	out := make([]uint32, len(addrs))
	for i := range addrs {
		out[i] = leU32(resp.Binary[1+i*4:])
	}
	return out, nil
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// ReadMemoryBulk drives ReadMemory through the I/O Engine to move more than
// maxReadChunk bytes, retrying failed chunks.
func ReadMemoryBulk(ctx context.Context, ch *atchannel.Channel, addr uint32, length int, onProgress func(ioengine.Progress)) (ioengine.Result, error) {
	return ioengine.Read(ctx, "cgsn", ioengine.ReadOp{
		Common: ioengine.Common{
			Base:        addr,
			Total:       length,
			Align:       4,
			PageSize:    maxReadChunk,
			MaxChunk:    maxReadChunk,
			RetryBudget: 3,
			OnProgress:  onProgress,
		},
		Read: func(ctx context.Context, a uint32, n int, buf []byte, off int) (int, error) {
			data, err := ReadMemory(ctx, ch, a, n)
			if err != nil {
				return 0, err
			}
			copy(buf[off:off+n], data)
			return n, nil
		},
	})
}

// WriteMemoryBulk drives WriteMemory through the I/O Engine to move more
// than maxWriteChunk bytes, retrying failed chunks.
func WriteMemoryBulk(ctx context.Context, ch *atchannel.Channel, addr uint32, data []byte, onProgress func(ioengine.Progress)) (ioengine.Result, error) {
	return ioengine.Write(ctx, "cgsn", ioengine.WriteOp{
		Common: ioengine.Common{
			Base:        addr,
			Total:       len(data),
			Align:       4,
			PageSize:    maxWriteChunk,
			MaxChunk:    maxWriteChunk,
			RetryBudget: 3,
			OnProgress:  onProgress,
		},
		Buffer: data,
		Write: func(ctx context.Context, a uint32, chunk []byte) (int, error) {
			if err := WriteMemory(ctx, ch, a, chunk); err != nil {
				return 0, err
			}
			return len(chunk), nil
		},
	})
}
