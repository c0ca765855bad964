package transport

import (
	"context"
	"testing"
	"time"
)

// SerialPort's underlying driver (go.bug.st/serial) needs a real device to
// open, so these tests exercise the pre-Open/post-Close guard behavior
// that every operation funnels through regardless of the driver.

func TestSerialPortWriteBeforeOpenFails(t *testing.T) {
	sp := NewSerialPort("/dev/null-stand-in", 115200)
	if _, err := sp.Write([]byte("AT\r")); err == nil {
		t.Fatal("expected write on an unopened port to fail")
	}
}

func TestSerialPortReadBeforeOpenFails(t *testing.T) {
	sp := NewSerialPort("/dev/null-stand-in", 115200)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := sp.Read(ctx, 1); err == nil {
		t.Fatal("expected read on an unopened port to fail")
	}
	if _, ok, err := sp.ReadByte(ctx); ok || err == nil {
		t.Fatalf("expected ReadByte on an unopened port to fail, got ok=%v err=%v", ok, err)
	}
}

func TestSerialPortCloseIsIdempotentWithoutOpen(t *testing.T) {
	sp := NewSerialPort("/dev/null-stand-in", 115200)
	if sp.Closed() {
		t.Fatal("a freshly constructed port should not report closed")
	}
	if err := sp.Close(); err != nil {
		t.Fatalf("Close on a never-opened port should not error: %v", err)
	}
	if !sp.Closed() {
		t.Fatal("expected Closed() true after Close()")
	}
	if err := sp.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
}

func TestSerialPortUpdateBaudBeforeOpenOnlyUpdatesMode(t *testing.T) {
	sp := NewSerialPort("/dev/null-stand-in", 115200)
	if err := sp.UpdateBaud(460800); err != nil {
		t.Fatalf("UpdateBaud before Open should not touch the driver: %v", err)
	}
	if got := sp.Baud(); got != 460800 {
		t.Fatalf("expected Baud() to report the updated rate, got %d", got)
	}
}

func TestSerialPortSetSignalsBeforeOpenFails(t *testing.T) {
	sp := NewSerialPort("/dev/null-stand-in", 115200)
	dtr := true
	if err := sp.SetSignals(Signals{DTR: &dtr}); err == nil {
		t.Fatal("expected SetSignals on an unopened port to fail")
	}
}
