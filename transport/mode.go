package transport

import "sync"

// Mode identifies which protocol currently owns the raw byte stream of a
// shared port. Exactly one of {None, AT, BFC} is active at a time; a
// Switch atomically detaches whatever was attached before and hands the
// subscription to the new owner. Generalizes the teacher's BusManager
// subscriber-table pattern (bus_manager.go) to a single exclusive owner,
// since spec.md §9 calls for strict mutual exclusion rather than fan-out.
type Mode uint8

const (
	ModeNone Mode = iota
	ModeAT
	ModeBFC
)

func (m Mode) String() string {
	switch m {
	case ModeAT:
		return "at"
	case ModeBFC:
		return "bfc"
	default:
		return "none"
	}
}

// Subscriber is attached to or detached from a port's raw byte stream when
// the owning Mode changes. AT channels and BFC transports implement this
// to receive bytes while they own the port.
type Subscriber interface {
	// OnData is called with newly-arrived bytes while this subscriber
	// owns the port.
	OnData(p []byte)
	// OnClose is called once when the port closes.
	OnClose()
}

// ModeSwitch arbitrates exclusive ownership of one Port's raw byte stream
// between at most one Subscriber at a time. Switching modes while a
// subscriber is attached detaches it first — attaching two owners
// concurrently is a programming error, matching spec.md §9's framing of
// mode transitions as atomic detach/attach pairs.
type ModeSwitch struct {
	mu   sync.Mutex
	mode Mode
	sub  Subscriber
}

// Mode reports the currently active mode.
func (ms *ModeSwitch) Mode() Mode {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.mode
}

// Switch detaches the current subscriber (if any) and attaches sub under
// the given mode. Switching to ModeNone with a nil subscriber releases
// the port.
func (ms *ModeSwitch) Switch(mode Mode, sub Subscriber) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.mode = mode
	ms.sub = sub
}

// Dispatch delivers incoming bytes to whichever subscriber currently owns
// the port, if any.
func (ms *ModeSwitch) Dispatch(p []byte) {
	ms.mu.Lock()
	sub := ms.sub
	ms.mu.Unlock()
	if sub != nil {
		sub.OnData(p)
	}
}

// DispatchClose notifies the current subscriber, if any, that the port
// closed.
func (ms *ModeSwitch) DispatchClose() {
	ms.mu.Lock()
	sub := ms.sub
	ms.mu.Unlock()
	if sub != nil {
		sub.OnClose()
	}
}
