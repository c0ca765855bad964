// Package testport provides an in-memory transport.Port double for tests,
// generalizing the teacher's virtual CAN bus (pkg/can/virtual) — there, a
// net.Conn stood in for a CAN interface; here a pair of byte channels
// stands in for a serial line. Pair feeds one side's writes to the other
// side's reads, so protocol tests can drive both ends without hardware.
package testport

import (
	"context"
	"sync"

	"github.com/siemens-mobile-hacks/sieserial"
	"github.com/siemens-mobile-hacks/sieserial/transport"
)

// Port is one end of a loopback pair.
type Port struct {
	mu     sync.Mutex
	closed bool
	baud   int

	inbox  chan byte
	peer   *Port
	onByte func(byte) // optional hook fired on every byte the peer writes into this end, for injecting faults
}

// NewPair returns two connected Ports: bytes written to a arrive readable
// from b, and vice versa.
func NewPair() (a, b *Port) {
	a = &Port{inbox: make(chan byte, 65536), baud: 115200}
	b = &Port{inbox: make(chan byte, 65536), baud: 115200}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *Port) Open() error { return nil }

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.inbox)
	return nil
}

func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Port) Write(data []byte) (int, error) {
	p.mu.Lock()
	closed := p.closed
	peer := p.peer
	p.mu.Unlock()
	if closed {
		return 0, sieserial.New(sieserial.KindTransportClosed, "testport", "write on closed port")
	}
	for _, b := range data {
		peer.mu.Lock()
		peerClosed := peer.closed
		hook := peer.onByte
		peer.mu.Unlock()
		if peerClosed {
			return 0, sieserial.New(sieserial.KindTransportClosed, "testport", "peer closed")
		}
		if hook != nil {
			hook(b)
		}
		peer.inbox <- b
	}
	return len(data), nil
}

func (p *Port) Read(ctx context.Context, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		select {
		case b, ok := <-p.inbox:
			if !ok {
				return out, nil
			}
			out = append(out, b)
		case <-ctx.Done():
			return out, nil
		}
	}
	return out, nil
}

func (p *Port) ReadByte(ctx context.Context) (byte, bool, error) {
	select {
	case b, ok := <-p.inbox:
		return b, ok, nil
	case <-ctx.Done():
		return 0, false, nil
	}
}

func (p *Port) SetSignals(transport.Signals) error { return nil }

func (p *Port) UpdateBaud(baud int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.baud = baud
	return nil
}

func (p *Port) Baud() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baud
}

// OnIncomingByte installs a hook invoked for every byte about to be
// delivered into this port (i.e. sent by its peer), letting tests corrupt
// bytes in flight to exercise integrity checks (CRC/XOR) deterministically.
func (p *Port) OnIncomingByte(hook func(byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onByte = hook
}

var _ transport.Port = (*Port)(nil)
