package testport

import (
	"context"
	"testing"
	"time"
)

func TestPairLoopback(t *testing.T) {
	a, b := NewPair()
	_, err := a.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := b.Read(ctx, 5)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestCloseFailsWrite(t *testing.T) {
	a, b := NewPair()
	_ = b
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := a.Write([]byte{1}); err == nil {
		t.Fatalf("expected write on closed port to fail")
	}
}

func TestIncomingByteHook(t *testing.T) {
	a, b := NewPair()
	var seen []byte
	b.OnIncomingByte(func(x byte) { seen = append(seen, x) })
	a.Write([]byte{1, 2, 3})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.Read(ctx, 3)
	if len(seen) != 3 {
		t.Fatalf("expected hook to see 3 bytes, saw %d", len(seen))
	}
}
