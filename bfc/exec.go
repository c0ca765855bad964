package bfc

import (
	"bytes"
	"context"
	"time"

	"github.com/siemens-mobile-hacks/sieserial"
)

// ExecOptions configures Exec (spec.md §4.6 "Exec contract").
type ExecOptions struct {
	Type    FrameType
	CRC     bool
	Ack     bool
	Auth    bool
	Parser  Parser // nil means a single reply frame completes the call
	Timeout time.Duration
}

const defaultExecTimeout = 3 * time.Second

// Exec runs one BFC request/response cycle against dst from src.
func (b *Bus) Exec(ctx context.Context, src, dst uint8, payload []byte, opts ExecOptions) ([]Frame, error) {
	if opts.Auth && !b.Authed(dst) {
		if err := b.sendAuth(ctx, src, dst); err != nil {
			return nil, err
		}
		b.SetAuthed(dst)
	}

	slot, err := b.registerReceiver(ctx, src, opts.Parser)
	if err != nil {
		return nil, err
	}
	defer b.unregisterReceiver(src, slot)

	flags := uint8(0)
	if opts.CRC {
		flags |= FlagCRC
	}
	if opts.Ack {
		flags |= FlagAck
	}
	if err := b.Send(Frame{Dst: dst, Src: src, Type: opts.Type, Flags: flags, Payload: payload}); err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}

	select {
	case <-slot.done:
		return slot.wait()
	case <-waitDeadline(ctx, timeout):
		slot.fail(sieserial.New(sieserial.KindTimeout, "bfc", "exec timed out"))
		return nil, sieserial.New(sieserial.KindTimeout, "bfc", "exec timed out")
	}
}

// sendAuth performs the BFC authentication handshake for dst: a no-crc,
// no-auth STATUS frame, accepting a reply whose payload begins 43 11.
func (b *Bus) sendAuth(ctx context.Context, src, dst uint8) error {
	frames, err := b.Exec(ctx, src, dst, nil, ExecOptions{Type: TypeStatus, Timeout: defaultExecTimeout})
	if err != nil {
		return err
	}
	if len(frames) == 0 || !bytes.HasPrefix(frames[0].Payload, []byte{0x43, 0x11}) {
		return sieserial.New(sieserial.KindAuthDenied, "bfc", "auth rejected")
	}
	return nil
}
