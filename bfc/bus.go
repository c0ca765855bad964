package bfc

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/siemens-mobile-hacks/sieserial"
	"github.com/siemens-mobile-hacks/sieserial/transport"
)

// Bus is the BFC framed transport: it owns the serial port's raw data
// subscription (via a transport.ModeSwitch), resyncs on noise, dispatches
// complete frames to per-dst receivers, and auto-ACKs frames that request
// it.
type Bus struct {
	port  transport.Port
	modes *transport.ModeSwitch

	mu        sync.Mutex
	buf       []byte
	receivers map[uint8]*receiverSlot
	authed    map[uint8]bool

	cancelPump context.CancelFunc
	pumpDone   chan struct{}
}

// New creates a Bus bound to port, switching modes through ms to attach
// its raw data subscription.
func New(port transport.Port, ms *transport.ModeSwitch) *Bus {
	return &Bus{
		port:      port,
		modes:     ms,
		receivers: make(map[uint8]*receiverSlot),
		authed:    make(map[uint8]bool),
	}
}

// Start attaches the Bus as the port's data subscriber, switching the
// shared mode to bfc, and begins pumping raw bytes off the port.
func (b *Bus) Start(ctx context.Context) {
	b.modes.Switch(transport.ModeBFC, b)
	pumpCtx, cancel := context.WithCancel(ctx)
	b.cancelPump = cancel
	b.pumpDone = make(chan struct{})
	go b.pump(pumpCtx)
}

// Stop detaches the Bus and fails every pending receiver with a
// connection-closed error (spec.md §5: "bus-connection loss propagates by
// failing every pending BFC receiver").
func (b *Bus) Stop() {
	if b.cancelPump != nil {
		b.cancelPump()
		<-b.pumpDone
	}
	b.modes.Switch(transport.ModeNone, nil)
	b.failAll(sieserial.New(sieserial.KindTransportClosed, "bfc", "bus stopped"))
}

func (b *Bus) pump(ctx context.Context) {
	defer close(b.pumpDone)
	for {
		if ctx.Err() != nil {
			return
		}
		byt, ok, err := b.port.ReadByte(ctx)
		if err != nil {
			b.modes.DispatchClose()
			return
		}
		if !ok {
			if b.port.Closed() {
				b.modes.DispatchClose()
				return
			}
			continue
		}
		// Routed through the shared ModeSwitch rather than calling
		// b.OnData directly: whichever mode currently owns the port
		// receives the byte, not necessarily this Bus.
		b.modes.Dispatch([]byte{byt})
	}
}

// OnData implements transport.Subscriber: it is invoked with raw bytes
// read from the port while the Bus owns the mode.
func (b *Bus) OnData(p []byte) {
	b.mu.Lock()
	b.buf = append(b.buf, p...)
	b.drain()
	b.mu.Unlock()
}

// OnClose implements transport.Subscriber.
func (b *Bus) OnClose() {
	b.failAll(sieserial.New(sieserial.KindTransportClosed, "bfc", "port closed"))
}

// drain extracts every complete frame currently in b.buf, discarding noise
// ahead of a valid header checkpoint (spec.md §4.6 "Resync"). Caller holds
// b.mu.
func (b *Bus) drain() {
	for {
		if len(b.buf) < headerSize {
			return
		}
		frame, length, err := ParseHeader(b.buf)
		if err != nil {
			// Not a valid header at this offset: drop one byte and
			// resync, retaining up to the last 5 bytes as the window
			// slides (spec.md: "up to the last 5 bytes are retained
			// while waiting for more").
			b.buf = b.buf[1:]
			continue
		}
		bodyLen := length
		if frame.Flags&FlagCRC != 0 {
			bodyLen += 2
		}
		if len(b.buf) < headerSize+bodyLen {
			return // wait for more bytes
		}
		body := b.buf[headerSize : headerSize+bodyLen]
		full, err := ParseBody(frame, b.buf[:headerSize], body, length)
		b.buf = b.buf[headerSize+bodyLen:]
		if err != nil {
			log.Debugf("[BFC][RX] dropping frame: %v", err)
			continue
		}
		b.dispatch(full)
	}
}

func (b *Bus) dispatch(f Frame) {
	if f.Flags&FlagAck != 0 {
		ack := Encode(Frame{Dst: f.Src, Src: f.Dst, Type: TypeAck, Flags: FlagCRC, Payload: []byte{0x15, 0x01}})
		go b.port.Write(ack)
	}

	slot := b.receivers[f.Dst]
	if slot == nil {
		return
	}
	slot.deliver(f)
}

func (b *Bus) failAll(err error) {
	b.mu.Lock()
	slots := make([]*receiverSlot, 0, len(b.receivers))
	for _, s := range b.receivers {
		slots = append(slots, s)
	}
	b.receivers = make(map[uint8]*receiverSlot)
	b.mu.Unlock()
	for _, s := range slots {
		s.fail(err)
	}
}

// Send writes f to the wire.
func (b *Bus) Send(f Frame) error {
	if _, err := b.port.Write(Encode(f)); err != nil {
		return sieserial.Wrap(sieserial.KindTransportClosed, "bfc", "write failed", err)
	}
	return nil
}

// SetAuthed marks dst as having a valid, sticky-for-the-connection
// authentication (spec.md §4.6 "Auth cache").
func (b *Bus) SetAuthed(dst uint8) {
	b.mu.Lock()
	b.authed[dst] = true
	b.mu.Unlock()
}

// Authed reports whether dst has a cached authentication.
func (b *Bus) Authed(dst uint8) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authed[dst]
}

// registerReceiver installs a one-shot slot for dst, awaiting the prior
// slot's completion first if one is still pending (spec.md §3 "BfcReceiver":
// "operations addressing the same dst serialize via the prior receiver's
// completion").
func (b *Bus) registerReceiver(ctx context.Context, dst uint8, parser Parser) (*receiverSlot, error) {
	b.mu.Lock()
	prior := b.receivers[dst]
	slot := newReceiverSlot(parser)
	b.receivers[dst] = slot
	b.mu.Unlock()

	if prior != nil {
		select {
		case <-prior.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return slot, nil
}

func (b *Bus) unregisterReceiver(dst uint8, slot *receiverSlot) {
	b.mu.Lock()
	if b.receivers[dst] == slot {
		delete(b.receivers, dst)
	}
	b.mu.Unlock()
}

// waitDeadline blocks until either the context is done or d elapses.
func waitDeadline(ctx context.Context, d time.Duration) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
	}()
	return ch
}
