package bfc

import (
	"context"
	"testing"
	"time"
)

func TestExecAuthGrantedOnceThenCached(t *testing.T) {
	bus, remote, ctx := newTestBus(t)
	remoteCtx, remoteCancel := context.WithCancel(ctx)
	t.Cleanup(remoteCancel)

	authCalls := 0
	go fakeRemote(remoteCtx, remote, func(f Frame) []Frame {
		if f.Type == TypeStatus && len(f.Payload) == 0 {
			authCalls++
			return []Frame{{Dst: f.Src, Src: f.Dst, Type: TypeStatus, Payload: []byte{0x43, 0x11}}}
		}
		return []Frame{{Dst: f.Src, Src: f.Dst, Type: TypeSingle, Flags: FlagCRC, Payload: []byte{0xAA}}}
	})

	if bus.Authed(0x06) {
		t.Fatal("dst should not be authed yet")
	}
	if _, err := bus.Exec(ctx, 0x01, 0x06, []byte{0x01}, ExecOptions{Type: TypeSingle, CRC: true, Auth: true, Timeout: time.Second}); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !bus.Authed(0x06) {
		t.Fatal("dst should be marked authed after a successful auth gate")
	}
	if _, err := bus.Exec(ctx, 0x01, 0x06, []byte{0x02}, ExecOptions{Type: TypeSingle, CRC: true, Auth: true, Timeout: time.Second}); err != nil {
		t.Fatalf("second Exec: %v", err)
	}
	if authCalls != 1 {
		t.Fatalf("expected exactly one auth round trip, got %d", authCalls)
	}
}

func TestExecAuthRejectedReturnsError(t *testing.T) {
	bus, remote, ctx := newTestBus(t)
	remoteCtx, remoteCancel := context.WithCancel(ctx)
	t.Cleanup(remoteCancel)

	go fakeRemote(remoteCtx, remote, func(f Frame) []Frame {
		return []Frame{{Dst: f.Src, Src: f.Dst, Type: TypeStatus, Payload: []byte{0x00, 0x00}}}
	})

	if _, err := bus.Exec(ctx, 0x01, 0x06, []byte{0x01}, ExecOptions{Type: TypeSingle, CRC: true, Auth: true, Timeout: time.Second}); err == nil {
		t.Fatal("expected auth rejection error")
	}
	if bus.Authed(0x06) {
		t.Fatal("dst must not be marked authed after rejection")
	}
}

func TestExecTimesOutWhenNoReplyArrives(t *testing.T) {
	bus, _, ctx := newTestBus(t)
	_, err := bus.Exec(ctx, 0x01, 0x06, []byte{0x01}, ExecOptions{Type: TypeSingle, CRC: true, Timeout: 50 * time.Millisecond})
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}
