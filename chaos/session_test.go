package chaos

import (
	"context"
	"testing"
	"time"

	"github.com/siemens-mobile-hacks/sieserial/internal/testport"
)

func newSessionHarness(t *testing.T) (*Session, *testport.Port, context.Context) {
	t.Helper()
	a, b := testport.NewPair()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	sess := NewSession(a)
	sess.StartHeartbeat(ctx)
	t.Cleanup(sess.StopHeartbeat)
	return sess, b, ctx
}

func TestPingReceivesPong(t *testing.T) {
	sess, remote, ctx := newSessionHarness(t)
	go func() {
		b, ok, _ := remote.ReadByte(ctx)
		if ok && b == cmdPing {
			remote.Write([]byte{cmdPong})
		}
	}()
	if err := sess.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestPingTimesOutWithoutReply(t *testing.T) {
	sess, _, ctx := newSessionHarness(t)
	if err := sess.Ping(ctx); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestHeartbeatWritesPeriodByteWhileIdle(t *testing.T) {
	_, remote, ctx := newSessionHarness(t)
	deadline := time.After(700 * time.Millisecond)
	count := 0
	for {
		select {
		case <-deadline:
			if count == 0 {
				t.Fatal("expected at least one heartbeat byte")
			}
			return
		default:
			readCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			b, ok, _ := remote.ReadByte(readCtx)
			cancel()
			if ok {
				if b != cmdHeartbeat {
					t.Fatalf("unexpected byte on wire: %#x", b)
				}
				count++
			}
		}
	}
}

func TestQuitWritesQuitByte(t *testing.T) {
	sess, remote, ctx := newSessionHarness(t)
	done := make(chan byte, 1)
	go func() {
		b, ok, _ := remote.ReadByte(ctx)
		if ok {
			done <- b
		}
	}()
	if err := sess.Quit(ctx); err != nil {
		t.Fatalf("Quit: %v", err)
	}
	select {
	case b := <-done:
		if b != cmdQuit {
			t.Fatalf("expected QUIT byte, got %#x", b)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for QUIT byte")
	}
}
