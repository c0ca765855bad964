package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	goserial "go.bug.st/serial"

	"github.com/siemens-mobile-hacks/sieserial"
)

// pollInterval bounds each underlying blocking read so SerialPort.Read can
// notice context cancellation promptly. go.bug.st/serial has no
// context-aware Read, so this is the idiomatic workaround: bound every
// driver-level read with SetReadTimeout and poll ctx.Err() between them.
const pollInterval = 50 * time.Millisecond

// SerialPort adapts go.bug.st/serial to the Port interface. It is the only
// concrete transport shipped by this module; the underlying OS serial
// driver itself is out of scope (spec.md §1).
type SerialPort struct {
	name string
	mode goserial.Mode

	mu     sync.Mutex
	port   goserial.Port
	closed bool
}

// NewSerialPort describes (without opening) a serial device at the given
// baud rate, 8N1 framing (spec.md §6: "8N1; caller-chosen baud").
func NewSerialPort(name string, baud int) *SerialPort {
	return &SerialPort{
		name: name,
		mode: goserial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   goserial.NoParity,
			StopBits: goserial.OneStopBit,
		},
	}
}

func (s *SerialPort) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return nil
	}
	p, err := goserial.Open(s.name, &s.mode)
	if err != nil {
		return err
	}
	s.port = p
	s.closed = false
	return nil
}

func (s *SerialPort) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil || s.closed {
		s.closed = true
		return nil
	}
	s.closed = true
	return s.port.Close()
}

func (s *SerialPort) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *SerialPort) Write(p []byte) (int, error) {
	s.mu.Lock()
	port, closed := s.port, s.closed
	s.mu.Unlock()
	if closed || port == nil {
		return 0, errClosed
	}
	return port.Write(p)
}

func (s *SerialPort) Read(ctx context.Context, n int) ([]byte, error) {
	s.mu.Lock()
	port, closed := s.port, s.closed
	s.mu.Unlock()
	if closed || port == nil {
		return nil, errClosed
	}
	if err := port.SetReadTimeout(pollInterval); err != nil {
		return nil, err
	}

	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if err := ctx.Err(); err != nil {
			return out, nil
		}
		if s.Closed() {
			return out, errClosed
		}
		rn, err := port.Read(buf[:n-len(out)])
		if rn > 0 {
			out = append(out, buf[:rn]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
	}
	return out, nil
}

func (s *SerialPort) ReadByte(ctx context.Context) (byte, bool, error) {
	b, err := s.Read(ctx, 1)
	if err != nil {
		return 0, false, err
	}
	if len(b) == 0 {
		return 0, false, nil
	}
	return b[0], true, nil
}

func (s *SerialPort) SetSignals(sig Signals) error {
	s.mu.Lock()
	port, closed := s.port, s.closed
	s.mu.Unlock()
	if closed || port == nil {
		return errClosed
	}
	if sig.DTR != nil {
		if err := port.SetDTR(*sig.DTR); err != nil {
			return err
		}
	}
	if sig.RTS != nil {
		if err := port.SetRTS(*sig.RTS); err != nil {
			return err
		}
	}
	return nil
}

func (s *SerialPort) UpdateBaud(baud int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode.BaudRate = baud
	if s.port == nil || s.closed {
		return nil
	}
	return s.port.SetMode(&s.mode)
}

func (s *SerialPort) Baud() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode.BaudRate
}

var errClosed = sieserial.New(sieserial.KindTransportClosed, "transport", "port is closed")
