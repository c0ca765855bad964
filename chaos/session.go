// Package chaos implements the CHAOS resident loader (spec.md §4.9): a
// small command/response protocol bootstrapped over BSL, kept alive by a
// periodic heartbeat byte, offering paged flash/RAM access with adaptive
// page-size shrinkage on repeated failure.
//
// Grounded on bsl.Scan/bsl.Send for the handoff and on the same
// request/response-with-timeout shape used throughout this module
// (atchannel.Channel, bfc.Bus); the heartbeat ticker is new to this
// package, built to spec.md §4.9/§5's "stop before a transaction, resume
// after" discipline.
package chaos

import (
	"context"
	"sync"
	"time"

	"github.com/siemens-mobile-hacks/sieserial"
	"github.com/siemens-mobile-hacks/sieserial/bsl"
	"github.com/siemens-mobile-hacks/sieserial/transport"
)

const heartbeatInterval = 250 * time.Millisecond

// Command opcodes (spec.md §4.9). PONG and READ_FLASH share the byte
// 0x52 as specified: one is a reply code the loader sends, the other a
// request opcode the host sends, so the two never appear on the wire in
// the same role.
const (
	cmdPing           = 0x41
	cmdPong           = 0x52
	cmdSetBaudrate    = 0x48
	cmdSetBaudrateAck = 0x68
	cmdGetInfo        = 0x49
	cmdQuit           = 0x51
	cmdTest           = 0x54
	cmdReadFlash      = 0x52
	cmdWriteFlash     = 0x46
	cmdWriteRAM       = 0x57
	cmdReadCFI        = 0x43
	cmdHeartbeat      = 0x2E

	helloByte = 0xA5
	statusOK  = 0x4B4F
)

// Session is a live CHAOS connection: the port plus a heartbeat goroutine
// that is paused around every request/response transaction.
type Session struct {
	port transport.Port

	mu       sync.Mutex
	hbCancel context.CancelFunc
	hbDone   chan struct{}
}

// NewSession wraps port in a Session without starting the heartbeat; call
// StartHeartbeat once the resident loader has been bootstrapped onto it.
func NewSession(port transport.Port) *Session {
	return &Session{port: port}
}

// Bootstrap scans for the boot ROM, uploads image via BSL, and expects
// the single 0xA5 HELLO byte that hands control to the resident loader.
// image is the caller-supplied CHAOS resident loader payload; this module
// does not embed a real firmware image.
func Bootstrap(ctx context.Context, port transport.Port, image []byte, scanOpts bsl.Options) (*Session, error) {
	if _, err := bsl.Scan(ctx, port, scanOpts, 50); err != nil {
		return nil, err
	}
	status, err := bsl.Send(ctx, port, image)
	if err != nil {
		return nil, err
	}
	if status != bsl.AckSuccess {
		return nil, sieserial.New(sieserial.KindDenied, "chaos", "boot image rejected")
	}

	readCtx, cancel := transport.WithDeadline(ctx, 2*time.Second)
	defer cancel()
	b, ok, err := port.ReadByte(readCtx)
	if err != nil {
		return nil, sieserial.Wrap(sieserial.KindTransportClosed, "chaos", "read failed", err)
	}
	if !ok {
		return nil, sieserial.New(sieserial.KindTimeout, "chaos", "no HELLO byte after boot handoff")
	}
	if b != helloByte {
		return nil, sieserial.New(sieserial.KindProtocolViolation, "chaos", "unexpected HELLO byte")
	}

	sess := NewSession(port)
	sess.StartHeartbeat(ctx)
	return sess, nil
}

// StartHeartbeat begins writing the heartbeat byte every 250ms. It is a
// no-op if the heartbeat is already running.
func (s *Session) StartHeartbeat(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hbCancel != nil {
		return
	}
	hbCtx, cancel := context.WithCancel(ctx)
	s.hbCancel = cancel
	s.hbDone = make(chan struct{})
	go s.heartbeatLoop(hbCtx)
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	defer close(s.hbDone)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.port.Write([]byte{cmdHeartbeat})
		}
	}
}

// StopHeartbeat halts the heartbeat goroutine and waits for it to exit.
// It is a no-op if the heartbeat is not running.
func (s *Session) StopHeartbeat() {
	s.mu.Lock()
	cancel := s.hbCancel
	done := s.hbDone
	s.hbCancel = nil
	s.hbDone = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// withHeartbeatPaused stops the heartbeat, runs fn, then resumes it —
// every request/response transaction is wrapped this way (spec.md §5).
func (s *Session) withHeartbeatPaused(ctx context.Context, fn func() error) error {
	s.StopHeartbeat()
	defer s.StartHeartbeat(ctx)
	return fn()
}

// Ping sends PING and expects PONG within one second.
func (s *Session) Ping(ctx context.Context) error {
	var reply byte
	err := s.withHeartbeatPaused(ctx, func() error {
		if _, err := s.port.Write([]byte{cmdPing}); err != nil {
			return sieserial.Wrap(sieserial.KindTransportClosed, "chaos", "write failed", err)
		}
		readCtx, cancel := transport.WithDeadline(ctx, time.Second)
		defer cancel()
		b, ok, err := s.port.ReadByte(readCtx)
		if err != nil {
			return sieserial.Wrap(sieserial.KindTransportClosed, "chaos", "read failed", err)
		}
		if !ok {
			return sieserial.New(sieserial.KindTimeout, "chaos", "no PONG within one second")
		}
		reply = b
		return nil
	})
	if err != nil {
		return err
	}
	if reply != cmdPong {
		return sieserial.New(sieserial.KindProtocolViolation, "chaos", "expected PONG")
	}
	return nil
}

// SetBaudrate runs the two-stage baud-change handshake: the loader acks
// 0x68, the caller switches the local port baud and sends
// SET_BAUDRATE_ACK (reusing PING's opcode 0x41 per spec.md §4.9), and the
// loader confirms with 0x48.
func (s *Session) SetBaudrate(ctx context.Context, newBaud int) error {
	return s.withHeartbeatPaused(ctx, func() error {
		if _, err := s.port.Write([]byte{cmdSetBaudrate}); err != nil {
			return sieserial.Wrap(sieserial.KindTransportClosed, "chaos", "write failed", err)
		}
		readCtx, cancel := transport.WithDeadline(ctx, time.Second)
		b, ok, err := s.port.ReadByte(readCtx)
		cancel()
		if err != nil {
			return sieserial.Wrap(sieserial.KindTransportClosed, "chaos", "read failed", err)
		}
		if !ok || b != cmdSetBaudrateAck {
			return sieserial.New(sieserial.KindProtocolViolation, "chaos", "set-baudrate not acked")
		}

		if err := s.port.UpdateBaud(newBaud); err != nil {
			return err
		}
		if _, err := s.port.Write([]byte{cmdPing}); err != nil {
			return sieserial.Wrap(sieserial.KindTransportClosed, "chaos", "write failed", err)
		}

		readCtx2, cancel2 := transport.WithDeadline(ctx, time.Second)
		b2, ok2, err := s.port.ReadByte(readCtx2)
		cancel2()
		if err != nil {
			return sieserial.Wrap(sieserial.KindTransportClosed, "chaos", "read failed", err)
		}
		if !ok2 || b2 != cmdSetBaudrate {
			return sieserial.New(sieserial.KindProtocolViolation, "chaos", "set-baudrate not confirmed at new baud")
		}
		return nil
	})
}

// Quit sends QUIT, handing control back to BSL.
func (s *Session) Quit(ctx context.Context) error {
	return s.withHeartbeatPaused(ctx, func() error {
		_, err := s.port.Write([]byte{cmdQuit})
		if err != nil {
			return sieserial.Wrap(sieserial.KindTransportClosed, "chaos", "write failed", err)
		}
		return nil
	})
}

// Test sends TEST, a liveness probe with no documented reply payload
// beyond the loader remaining responsive to a subsequent Ping.
func (s *Session) Test(ctx context.Context) error {
	return s.withHeartbeatPaused(ctx, func() error {
		_, err := s.port.Write([]byte{cmdTest})
		if err != nil {
			return sieserial.Wrap(sieserial.KindTransportClosed, "chaos", "write failed", err)
		}
		return nil
	})
}
