package cgsn

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/siemens-mobile-hacks/sieserial/internal/testport"
)

// fullPhone extends phone's command handling with the connect-sequence
// commands (AT^SIFS, AT^SQWE, AT+IPR=?) used by Connect.
type fullPhone struct {
	port    *testport.Port
	blue    bool
	bauds   string
	backing map[uint32][]byte
}

func (p *fullPhone) serve(ctx context.Context) {
	var buf []byte
	for {
		b, ok, err := p.port.ReadByte(ctx)
		if err != nil || !ok {
			return
		}
		buf = append(buf, b)
		idx := indexCR(buf)
		if idx < 0 {
			continue
		}
		line := string(buf[:idx])
		buf = buf[idx+1:]
		p.reply(line)
	}
}

func (p *fullPhone) reply(line string) {
	switch {
	case strings.HasPrefix(line, "ATQ0"):
		p.port.Write([]byte("OK\r\n"))
	case strings.HasPrefix(line, "AT^SIFS"):
		if p.blue {
			p.port.Write([]byte("^SIFS: BLUETOOTH\r\nOK\r\n"))
		} else {
			p.port.Write([]byte("^SIFS: RCCP\r\nOK\r\n"))
		}
	case strings.HasPrefix(line, "AT^SQWE"):
		p.port.Write([]byte("OK\r\n"))
	case line == "AT+IPR=?":
		p.port.Write([]byte("+IPR: " + p.bauds + "\r\nOK\r\n"))
	case strings.HasPrefix(line, "AT+CGSN:"):
		(&phone{port: p.port}).reply(line, p.backing)
	default:
		p.port.Write([]byte("OK\r\n"))
	}
}

func TestConnectSucceedsAndPicksFastestBaud(t *testing.T) {
	a, b := testport.NewPair()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	marker := []byte("CJKT")
	remote := &fullPhone{port: b, bauds: "(0,115200,230400,921600)", backing: map[uint32][]byte{cjktMarkerAddr: marker}}
	go remote.serve(ctx)

	sess, err := Connect(ctx, a)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Channel.Stop()
	if sess.Baud != 921600 {
		t.Fatalf("expected negotiated baud 921600, got %d", sess.Baud)
	}
}

func TestConnectFallsBackTo115200WhenNoFastBaudOffered(t *testing.T) {
	a, b := testport.NewPair()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	marker := []byte("CJKT")
	remote := &fullPhone{port: b, bauds: "(0,9600,19200,115200)", backing: map[uint32][]byte{cjktMarkerAddr: marker}}
	go remote.serve(ctx)

	sess, err := Connect(ctx, a)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Channel.Stop()
	if sess.Baud != fallbackBaud {
		t.Fatalf("expected fallback baud %d, got %d", fallbackBaud, sess.Baud)
	}
}

func TestConnectFailsWithoutCJKTMarker(t *testing.T) {
	a, b := testport.NewPair()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	remote := &fullPhone{port: b, bauds: "(0,115200)", backing: map[uint32][]byte{}}
	go remote.serve(ctx)

	if _, err := Connect(ctx, a); err == nil {
		t.Fatal("expected missing-marker error")
	}
}
