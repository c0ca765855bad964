// Package transport defines the byte-stream abstraction every protocol in
// this module is built on, and a mode-arbitration helper for sharing one
// physical port between the AT channel and the BFC framed bus.
//
// The shape mirrors the teacher's Bus interface (Send/Subscribe/Connect)
// generalized from "send a CAN frame, dispatch received frames to
// listeners" to "write bytes, read bytes with a bound, subscribe to
// connection lifecycle events" — the serial equivalent of a framed bus.
package transport

import (
	"context"
	"time"
)

// Signals is the set of modem control lines a caller may want to drive.
// nil fields are left unchanged; only non-nil fields are applied.
type Signals struct {
	DTR *bool
	RTS *bool
}

// Port is the interface every protocol package in this module consumes.
// The concrete OS-level serial driver is out of scope for this module
// (spec.md §1) — SerialPort below is the only concrete implementation
// shipped here, and it is a thin adapter over go.bug.st/serial.
type Port interface {
	// Open opens the underlying device. Open is idempotent on an
	// already-open port.
	Open() error
	// Close closes the port. Every pending Read/ReadByte/Write on a
	// closed port must fail deterministically.
	Close() error
	// Closed reports whether the port has been closed.
	Closed() bool

	// Write is fire-and-forget at the byte level: it returns once the
	// bytes have been handed to the driver, without waiting for any
	// reply. Higher layers impose their own ACK windows.
	Write(p []byte) (int, error)

	// Read blocks until n bytes have arrived, ctx is done, or the port
	// closes — whichever comes first. It returns exactly n bytes on
	// success, or fewer on timeout/close/EOF, or an error on driver
	// failure.
	Read(ctx context.Context, n int) ([]byte, error)

	// ReadByte blocks for a single byte the same way Read does. ok is
	// false if ctx expired or the port closed before a byte arrived.
	ReadByte(ctx context.Context) (b byte, ok bool, err error)

	// SetSignals toggles modem control lines (DTR for BSL ignition
	// toggling, primarily).
	SetSignals(s Signals) error

	// UpdateBaud changes the baud rate of an already-open port without
	// closing it (used by BFC/CGSN/CHAOS baud negotiation).
	UpdateBaud(baud int) error

	// Baud reports the port's current baud rate.
	Baud() int
}

// WithDeadline is a convenience for protocols that work in terms of a
// fixed per-call timeout (as spec.md describes throughout) rather than an
// ambient context: it derives a context bound by d from parent.
func WithDeadline(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, d)
}
