// Package bsl implements the boot-ROM loader handshake (spec.md §4.4): a
// scan for boot-ROM presence, optional DTR ignition toggling, and a
// checksummed payload upload used to bootstrap a resident loader (such as
// CHAOS) onto the phone.
//
// Grounded on the teacher's pkg/sdo/client.go request/response-with-timeout
// shape, adapted to a byte-oriented (not line-oriented) exchange.
package bsl

import (
	"context"
	"time"

	"github.com/siemens-mobile-hacks/sieserial"
	"github.com/siemens-mobile-hacks/sieserial/transport"
)

// CPUType identifies the boot ROM variant detected during Scan.
type CPUType uint8

const (
	CPUUnknown CPUType = iota
	CPUB0
	CPUC0
)

func (c CPUType) String() string {
	switch c {
	case CPUB0:
		return "B0"
	case CPUC0:
		return "C0"
	default:
		return "unknown"
	}
}

// AckStatus is the outcome of a payload upload.
type AckStatus uint8

const (
	AckUnknown AckStatus = iota
	AckSuccess
	AckDenied
	AckTimeout
	AckAborted
)

// Options configures Scan and Send.
type Options struct {
	// ToggleDTR enables the 50ms-on/150ms-off ignition pulse between
	// probe bytes.
	ToggleDTR bool
	// InvertPolarity flips the DTR sense applied while pulsing.
	InvertPolarity bool
	// ProbeInterval is the delay between "AT" probes; defaults to 200ms.
	ProbeInterval time.Duration
}

const (
	onPeriod  = 50 * time.Millisecond
	offPeriod = 150 * time.Millisecond
)

// Scan repeatedly sends "AT" (optionally pulsing DTR between attempts)
// until a single reply byte of 0xB0 or 0xC0 identifies the CPU variant, ctx
// is canceled, or maxAttempts is exhausted.
func Scan(ctx context.Context, port transport.Port, opts Options, maxAttempts int) (CPUType, error) {
	interval := opts.ProbeInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}

	for attempt := 0; maxAttempts <= 0 || attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return CPUUnknown, sieserial.Wrap(sieserial.KindCancelled, "bsl", "scan aborted", err)
		}

		if opts.ToggleDTR {
			dtrOn := !opts.InvertPolarity
			port.SetSignals(transport.Signals{DTR: &dtrOn})
			time.Sleep(onPeriod)
			dtrOff := opts.InvertPolarity
			port.SetSignals(transport.Signals{DTR: &dtrOff})
			time.Sleep(offPeriod)
		}

		if _, err := port.Write([]byte("AT")); err != nil {
			return CPUUnknown, sieserial.Wrap(sieserial.KindTransportClosed, "bsl", "write failed", err)
		}

		readCtx, cancel := transport.WithDeadline(ctx, interval)
		b, ok, err := port.ReadByte(readCtx)
		cancel()
		if err != nil {
			return CPUUnknown, sieserial.Wrap(sieserial.KindTransportClosed, "bsl", "read failed", err)
		}
		if !ok {
			continue
		}
		switch b {
		case 0xB0:
			return CPUB0, nil
		case 0xC0:
			return CPUC0, nil
		}
	}
	return CPUUnknown, sieserial.New(sieserial.KindTimeout, "bsl", "no boot ROM detected")
}

// frame builds 0x30 | len_lo | len_hi | code | xor8.
func frame(code []byte) []byte {
	out := make([]byte, 0, len(code)+4)
	out = append(out, 0x30, byte(len(code)), byte(len(code)>>8))
	out = append(out, code...)
	var x byte
	for _, b := range code {
		x ^= b
	}
	out = append(out, x)
	return out
}

// Send uploads code as a boot payload and waits up to 1s for the ACK byte.
func Send(ctx context.Context, port transport.Port, code []byte) (AckStatus, error) {
	if _, err := port.Write(frame(code)); err != nil {
		return AckUnknown, sieserial.Wrap(sieserial.KindTransportClosed, "bsl", "write failed", err)
	}

	readCtx, cancel := transport.WithDeadline(ctx, time.Second)
	defer cancel()
	b, ok, err := port.ReadByte(readCtx)
	if err != nil {
		return AckUnknown, sieserial.Wrap(sieserial.KindTransportClosed, "bsl", "read failed", err)
	}
	if !ok {
		if ctx.Err() != nil {
			return AckAborted, sieserial.Wrap(sieserial.KindCancelled, "bsl", "send aborted", ctx.Err())
		}
		return AckTimeout, sieserial.New(sieserial.KindTimeout, "bsl", "no ack byte within 1s")
	}

	switch b {
	case 0xC1, 0xB1:
		return AckSuccess, nil
	case 0x1C, 0x1B:
		return AckDenied, sieserial.New(sieserial.KindDenied, "bsl", "payload denied")
	default:
		return AckUnknown, sieserial.New(sieserial.KindProtocolViolation, "bsl", "unrecognized ack byte")
	}
}
