package chaos

import (
	"context"
	"encoding/binary"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/siemens-mobile-hacks/sieserial"
	"github.com/siemens-mobile-hacks/sieserial/flashmap"
	"github.com/siemens-mobile-hacks/sieserial/ioengine"
	"github.com/siemens-mobile-hacks/sieserial/transport"
)

// Adaptive paging constants (spec.md §4.9 "Adaptive paging"). CHAOS's
// failure-count threshold depends on the page-size class (large vs
// small), which ioengine's single-threshold AdaptivePolicy cannot
// express, so this package drives its own loop shaped like
// ioengine.Read/Write rather than calling into them.
const (
	initialPageSize   = 64 * 1024
	floorPageSize     = 128
	largePageThresh   = 16 * 1024
	largeFailureLimit = 2
	smallFailureLimit = 5
	maxRecoveryPings  = 16
)

func checksum16(data []byte) uint16 {
	var c uint16
	i := 0
	for ; i+1 < len(data); i += 2 {
		c ^= binary.LittleEndian.Uint16(data[i:])
	}
	if i < len(data) {
		c ^= uint16(data[i])
	}
	return c
}

func checksum8(data []byte) byte {
	var c byte
	for _, b := range data {
		c ^= b
	}
	return c
}

func shrinkPageSize(size int) int {
	next := size / 2
	if next < floorPageSize {
		next = floorPageSize
	}
	return next
}

// ReadFlash reads length bytes at addr, starting at a 64KiB page and
// halving on repeated failure down to a 128-byte floor. pageTimeout
// bounds each page's wait; onProgress, if non-nil, is called after every
// successfully completed page.
func (s *Session) ReadFlash(ctx context.Context, addr uint32, length int, pageTimeout time.Duration, onProgress func(ioengine.Progress)) (ioengine.Result, error) {
	out := make([]byte, length)
	cursor := 0
	pageSize := initialPageSize
	consecFail := 0
	errCount := 0

	for cursor < length {
		if err := ctx.Err(); err != nil {
			return ioengine.Result{Buffer: out[:cursor], Cursor: cursor, Canceled: true, Errors: errCount}, nil
		}

		readSize := pageSize
		if remaining := length - cursor; readSize > remaining {
			readSize = remaining
		}
		pageAddr := addr + uint32(cursor)

		data, err := s.readPage(ctx, pageAddr, readSize, pageTimeout)
		if err == nil {
			copy(out[cursor:], data)
			cursor += readSize
			consecFail = 0
			if onProgress != nil {
				onProgress(ioengine.Progress{Cursor: cursor, Total: length, PageAddr: pageAddr, PageSize: readSize})
			}
			continue
		}

		errCount++
		consecFail++
		if recErr := s.recoverFromPageFailure(ctx, pageTimeout); recErr != nil {
			return ioengine.Result{Buffer: out[:cursor], Cursor: cursor, Errors: errCount}, recErr
		}
		pageSize, consecFail = maybeShrink(pageSize, consecFail, length-cursor)
	}
	return ioengine.Result{Buffer: out, Cursor: cursor, Errors: errCount}, nil
}

// WriteFlash writes data to addr, first aligning the write onto regions
// (spec.md §3/§8 FlashRegion/alignToFlashRegions) so that any erase
// sector touched only partially is read-modify-written in full rather
// than corrupting the untouched part of the sector; each resulting
// region write uses the same adaptive page-size policy as ReadFlash.
func (s *Session) WriteFlash(ctx context.Context, addr uint32, data []byte, regions []flashmap.Region, pageTimeout time.Duration, onProgress func(ioengine.Progress)) (ioengine.Result, error) {
	chunks := flashmap.Align(addr, uint32(len(data)), flashmap.Sorted(regions))
	written := 0
	total := len(data)
	cursor := 0

	for _, chunk := range chunks {
		var buf []byte
		if chunk.IsPartial {
			readRes, err := s.ReadFlash(ctx, chunk.Addr, int(chunk.Size), pageTimeout, nil)
			if err != nil {
				return ioengine.Result{Written: written, Cursor: written}, err
			}
			buf = readRes.Buffer
		} else {
			buf = make([]byte, chunk.Size)
		}
		copy(buf[chunk.BufferOffset:chunk.BufferOffset+chunk.BufferSize], data[cursor:cursor+int(chunk.BufferSize)])

		if _, err := s.writeRegion(ctx, cmdWriteFlash, chunk.Addr, buf, pageTimeout, onProgress); err != nil {
			return ioengine.Result{Written: written, Cursor: written}, err
		}
		written += int(chunk.BufferSize)
		cursor += int(chunk.BufferSize)
	}
	return ioengine.Result{Written: written, Cursor: written, Buffer: nil}, checkFullyWritten(written, total)
}

func checkFullyWritten(written, total int) error {
	if written != total {
		return sieserial.New(sieserial.KindProtocolViolation, "chaos", "write did not cover every byte: regions do not tile the requested range")
	}
	return nil
}

// WriteRAM writes data to addr in RAM with the same adaptive page-size
// policy as ReadFlash.
func (s *Session) WriteRAM(ctx context.Context, addr uint32, data []byte, pageTimeout time.Duration, onProgress func(ioengine.Progress)) (ioengine.Result, error) {
	return s.writeRegion(ctx, cmdWriteRAM, addr, data, pageTimeout, onProgress)
}

func (s *Session) writeRegion(ctx context.Context, cmd byte, addr uint32, data []byte, pageTimeout time.Duration, onProgress func(ioengine.Progress)) (ioengine.Result, error) {
	cursor := 0
	pageSize := initialPageSize
	consecFail := 0
	errCount := 0
	length := len(data)

	for cursor < length {
		if err := ctx.Err(); err != nil {
			return ioengine.Result{Written: cursor, Cursor: cursor, Canceled: true, Errors: errCount}, nil
		}

		writeSize := pageSize
		if remaining := length - cursor; writeSize > remaining {
			writeSize = remaining
		}
		pageAddr := addr + uint32(cursor)
		chunk := data[cursor : cursor+writeSize]

		err := s.writePage(ctx, cmd, pageAddr, chunk, pageTimeout)
		if err == nil {
			cursor += writeSize
			consecFail = 0
			if onProgress != nil {
				onProgress(ioengine.Progress{Cursor: cursor, Total: length, PageAddr: pageAddr, PageSize: writeSize})
			}
			continue
		}

		errCount++
		consecFail++
		if recErr := s.recoverFromPageFailure(ctx, pageTimeout); recErr != nil {
			return ioengine.Result{Written: cursor, Cursor: cursor, Errors: errCount}, recErr
		}
		pageSize, consecFail = maybeShrink(pageSize, consecFail, length-cursor)
	}
	return ioengine.Result{Written: cursor, Cursor: cursor, Errors: errCount}, nil
}

func maybeShrink(pageSize, consecFail, remaining int) (int, int) {
	limit := smallFailureLimit
	if pageSize >= largePageThresh {
		limit = largeFailureLimit
	}
	if consecFail < limit {
		return pageSize, consecFail
	}
	if remaining > floorPageSize {
		pageSize = shrinkPageSize(pageSize)
	}
	return pageSize, 0
}

// recoverFromPageFailure implements spec.md §4.9's page-failure recovery:
// stop the idle heartbeat, keep a busy heartbeat running while the
// loader settles for pageTimeout, then ping up to 16 times before
// declaring the connection lost.
func (s *Session) recoverFromPageFailure(ctx context.Context, pageTimeout time.Duration) error {
	s.StopHeartbeat()
	s.StartHeartbeat(ctx)

	timer := time.NewTimer(pageTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		s.StopHeartbeat()
		return ctx.Err()
	}
	s.StopHeartbeat()

	for i := 0; i < maxRecoveryPings; i++ {
		if err := s.Ping(ctx); err == nil {
			s.StartHeartbeat(ctx)
			return nil
		}
	}
	return sieserial.New(sieserial.KindTransportClosed, "chaos", "connection lost: no ping response after page failure")
}

func (s *Session) readPage(ctx context.Context, addr uint32, size int, timeout time.Duration) ([]byte, error) {
	var out []byte
	err := s.withHeartbeatPaused(ctx, func() error {
		req := make([]byte, 9)
		req[0] = cmdReadFlash
		binary.BigEndian.PutUint32(req[1:5], addr)
		binary.BigEndian.PutUint32(req[5:9], uint32(size))
		log.Debugf("[CHAOS][TX] READ_FLASH addr=x%x size=x%x", addr, size)
		if _, err := s.port.Write(req); err != nil {
			return sieserial.Wrap(sieserial.KindTransportClosed, "chaos", "write failed", err)
		}

		readCtx, cancel := transport.WithDeadline(ctx, timeout)
		defer cancel()
		reply, err := s.port.Read(readCtx, size+4)
		if err != nil {
			return sieserial.Wrap(sieserial.KindTransportClosed, "chaos", "read failed", err)
		}
		if len(reply) != size+4 {
			return sieserial.New(sieserial.KindTimeout, "chaos", "short page-read reply")
		}

		data := reply[:size]
		status := binary.LittleEndian.Uint16(reply[size : size+2])
		chk := binary.LittleEndian.Uint16(reply[size+2 : size+4])
		log.Debugf("[CHAOS][RX] page addr=x%x status=x%x chk=x%x", addr, status, chk)
		if status != statusOK {
			return sieserial.New(sieserial.KindProtocolViolation, "chaos", "page read status not OK")
		}
		if chk != checksum16(data) {
			return sieserial.New(sieserial.KindIntegrityFailure, "chaos", "page read checksum mismatch")
		}
		out = append([]byte{}, data...)
		return nil
	})
	return out, err
}

const (
	writeStatusOK       = 0x4B4F
	writeStatusChecksum = 0xBBBB
)

func (s *Session) writePage(ctx context.Context, cmd byte, addr uint32, chunk []byte, timeout time.Duration) error {
	return s.withHeartbeatPaused(ctx, func() error {
		req := make([]byte, 0, 10+len(chunk))
		req = append(req, cmd)
		addrBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(addrBuf, addr)
		req = append(req, addrBuf...)
		sizeBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(sizeBuf, uint32(len(chunk)))
		req = append(req, sizeBuf...)
		req = append(req, chunk...)
		req = append(req, checksum8(chunk))

		log.Debugf("[CHAOS][TX] WRITE cmd=x%x addr=x%x size=x%x", cmd, addr, len(chunk))
		if _, err := s.port.Write(req); err != nil {
			return sieserial.Wrap(sieserial.KindTransportClosed, "chaos", "write failed", err)
		}

		readCtx, cancel := transport.WithDeadline(ctx, timeout)
		defer cancel()
		reply, err := s.port.Read(readCtx, 2)
		if err != nil {
			return sieserial.Wrap(sieserial.KindTransportClosed, "chaos", "read failed", err)
		}
		if len(reply) != 2 {
			return sieserial.New(sieserial.KindTimeout, "chaos", "short page-write reply")
		}
		status := binary.LittleEndian.Uint16(reply)
		log.Debugf("[CHAOS][RX] page write addr=x%x status=x%x", addr, status)
		switch status {
		case writeStatusOK:
			return nil
		case writeStatusChecksum:
			return sieserial.New(sieserial.KindIntegrityFailure, "chaos", "page write checksum rejected")
		default:
			return sieserial.New(sieserial.KindProtocolViolation, "chaos", "unrecognized page-write status")
		}
	})
}

// ReadCFI reads size bytes of CFI query data starting at the flash's
// base (spec.md §4.9 does not separately detail READ_CFI's payload). The
// request is the READ_CFI opcode followed by size as a big-endian u32,
// with no address field; the reply has the page-read reply's shape: data,
// status u16 LE, XOR checksum u16 LE.
func (s *Session) ReadCFI(ctx context.Context, size int, timeout time.Duration) ([]byte, error) {
	var out []byte
	err := s.withHeartbeatPaused(ctx, func() error {
		req := make([]byte, 5)
		req[0] = cmdReadCFI
		binary.BigEndian.PutUint32(req[1:5], uint32(size))
		if _, err := s.port.Write(req); err != nil {
			return sieserial.Wrap(sieserial.KindTransportClosed, "chaos", "write failed", err)
		}

		readCtx, cancel := transport.WithDeadline(ctx, timeout)
		defer cancel()
		reply, err := s.port.Read(readCtx, size+4)
		if err != nil {
			return sieserial.Wrap(sieserial.KindTransportClosed, "chaos", "read failed", err)
		}
		if len(reply) != size+4 {
			return sieserial.New(sieserial.KindTimeout, "chaos", "short CFI reply")
		}
		data := reply[:size]
		status := binary.LittleEndian.Uint16(reply[size : size+2])
		chk := binary.LittleEndian.Uint16(reply[size+2 : size+4])
		if status != statusOK {
			return sieserial.New(sieserial.KindProtocolViolation, "chaos", "CFI read status not OK")
		}
		if chk != checksum16(data) {
			return sieserial.New(sieserial.KindIntegrityFailure, "chaos", "CFI read checksum mismatch")
		}
		out = append([]byte{}, data...)
		return nil
	})
	return out, err
}
