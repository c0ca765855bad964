// Package atchannel implements the line-oriented AT command channel
// (spec.md §4.2): a command/response engine with unsolicited-event
// dispatch layered over a transport.Port.
//
// Grounded on the teacher's state-machine shape (pkg/nmt/nmt.go's
// explicit state constants) and its single-in-flight-request discipline
// (pkg/sdo/client.go: one SDO transfer owns the wire until it completes,
// others queue behind it).
package atchannel

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/siemens-mobile-hacks/sieserial"
	"github.com/siemens-mobile-hacks/sieserial/transport"
)

// Kind selects the per-line dispatch rule used while a Command is current
// (spec.md §4.2).
type Kind uint8

const (
	KindDefault Kind = iota
	KindMultiline
	KindPrefixFiltered
	KindNoPrefix
	KindNoPrefixAll
	KindBinary
	KindNumeric
	KindDial
	KindNoResponse
)

// Command is one AtCommand (spec.md §3).
type Command struct {
	Text           string
	Kind           Kind
	ExpectedPrefix string
	Timeout        time.Duration
	BinarySize     int // only meaningful for KindBinary
}

// Response is one AtResponse (spec.md §3).
type Response struct {
	Success bool
	Status  string
	Lines   []string
	Binary  []byte
}

// UnsolicitedFunc receives lines that the current command's dispatch rule
// routed away from the response (or all lines, if no command is current).
type UnsolicitedFunc func(line string)

type state uint8

const (
	stateStopped state = iota
	stateRunning
)

type pending struct {
	cmd      Command
	resultCh chan Response
	lines    []string

	inBinaryPhase   bool
	binaryRemaining int
	binary          []byte
}

// Channel is the AT command/response engine. Exactly one Command may be
// in-flight at a time; further Send calls queue behind it.
type Channel struct {
	port   transport.Port
	modes  *transport.ModeSwitch // optional: nil when AT is not sharing the port with another mode
	logger *slog.Logger

	mu          sync.Mutex
	st          state
	queue       []*pending
	current     *pending
	lineBuf     bytes.Buffer
	unsolicited UnsolicitedFunc

	cancelPump context.CancelFunc
	pumpDone   chan struct{}
}

// New creates a Channel bound to port. ms is optional: pass it when this
// Channel shares its port with another transport.ModeSwitch-arbitrated
// protocol (e.g. BFC) so mode transitions route through the switch; pass
// nil for a dedicated AT-only connection. Call Start to begin dispatch.
func New(port transport.Port, ms *transport.ModeSwitch, unsolicited UnsolicitedFunc) *Channel {
	return &Channel{
		port:        port,
		modes:       ms,
		logger:      slog.Default().With("proto", "at"),
		unsolicited: unsolicited,
	}
}

// Start transitions stopped -> running, attaches as the port's mode
// subscriber (if ms was given), and begins pumping bytes from the port
// into the dispatcher. ctx bounds the pump's lifetime; cancel it (or call
// Stop) to shut the channel down.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	if c.st == stateRunning {
		c.mu.Unlock()
		return
	}
	c.st = stateRunning
	pumpCtx, cancel := context.WithCancel(ctx)
	c.cancelPump = cancel
	c.pumpDone = make(chan struct{})
	c.mu.Unlock()

	if c.modes != nil {
		c.modes.Switch(transport.ModeAT, c)
	}
	go c.pump(pumpCtx)
}

// Stop transitions running -> stopped, failing any in-flight command with
// a transport-closed error.
func (c *Channel) Stop() {
	c.mu.Lock()
	if c.st != stateRunning {
		c.mu.Unlock()
		return
	}
	c.st = stateStopped
	cancel := c.cancelPump
	done := c.pumpDone
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if c.modes != nil {
		c.modes.Switch(transport.ModeNone, nil)
	}
	c.failAll(sieserial.New(sieserial.KindTransportClosed, "at", "PORT_CLOSED"))
}

func (c *Channel) pump(ctx context.Context) {
	defer close(c.pumpDone)
	for {
		if ctx.Err() != nil {
			return
		}
		b, ok, err := c.port.ReadByte(ctx)
		if err != nil {
			c.dispatchClose()
			return
		}
		if !ok {
			if c.port.Closed() {
				c.dispatchClose()
				return
			}
			continue
		}
		c.dispatchData([]byte{b})
	}
}

// dispatchData routes newly read bytes through the ModeSwitch when one is
// configured (so delivery always goes to whichever subscriber currently
// owns the mode), or straight to this Channel's own dispatcher otherwise.
func (c *Channel) dispatchData(p []byte) {
	if c.modes != nil {
		c.modes.Dispatch(p)
		return
	}
	c.OnData(p)
}

func (c *Channel) dispatchClose() {
	if c.modes != nil {
		c.modes.DispatchClose()
		return
	}
	c.OnClose()
}

// OnData implements transport.Subscriber: it is invoked with raw bytes
// read from the port while this Channel owns the mode.
func (c *Channel) OnData(p []byte) {
	for _, b := range p {
		c.onByte(b)
	}
}

// OnClose implements transport.Subscriber.
func (c *Channel) OnClose() {
	c.failAll(sieserial.New(sieserial.KindTransportClosed, "at", "PORT_CLOSED"))
}

// failAll completes every queued and current command with a failed
// "PORT_CLOSED" response, which Send reports as a transport-closed error.
func (c *Channel) failAll(err error) {
	c.mu.Lock()
	all := append([]*pending{}, c.queue...)
	if c.current != nil {
		all = append([]*pending{c.current}, all...)
	}
	c.queue = nil
	c.current = nil
	c.mu.Unlock()

	for _, p := range all {
		p.resultCh <- Response{Success: false, Status: "PORT_CLOSED"}
		_ = err
	}
}

// Send transmits cmd, queueing behind any command already in flight, and
// blocks until a terminal response, ctx expiry or the channel stopping.
func (c *Channel) Send(ctx context.Context, cmd Command) (Response, error) {
	p := &pending{cmd: cmd, resultCh: make(chan Response, 1)}
	if cmd.Kind == KindBinary {
		p.inBinaryPhase = true
		p.binaryRemaining = cmd.BinarySize
	}

	c.mu.Lock()
	if c.st != stateRunning {
		c.mu.Unlock()
		return Response{}, sieserial.New(sieserial.KindTransportClosed, "at", "channel not running")
	}
	start := c.current == nil
	c.queue = append(c.queue, p)
	if start {
		c.current = p
		c.queue = c.queue[:0]
	}
	c.mu.Unlock()

	if start {
		c.transmit(p)
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-p.resultCh:
		if resp.Status == "PORT_CLOSED" {
			return resp, sieserial.New(sieserial.KindTransportClosed, "at", "PORT_CLOSED")
		}
		return resp, nil
	case <-timer.C:
		c.completeCurrent(p, Response{Success: false, Status: "TIMEOUT"})
		return Response{Success: false, Status: "TIMEOUT"}, sieserial.New(sieserial.KindTimeout, "at", "command timed out")
	case <-ctx.Done():
		c.completeCurrent(p, Response{Success: false, Status: "TIMEOUT"})
		return Response{Success: false, Status: "TIMEOUT"}, ctx.Err()
	}
}

func (c *Channel) transmit(p *pending) {
	c.logger.Debug("tx", "cmd", p.cmd.Text, "kind", p.cmd.Kind)
	c.port.Write([]byte(p.cmd.Text + "\r"))
	if p.cmd.Kind == KindNoResponse {
		c.completeCurrent(p, Response{Success: true, Status: "OK"})
	}
}

// completeCurrent finishes p (if it is still current or queued) with resp
// and promotes the next queued command.
func (c *Channel) completeCurrent(p *pending, resp Response) {
	c.mu.Lock()
	var next *pending
	if c.current == p {
		if len(c.queue) > 0 {
			next = c.queue[0]
			c.queue = c.queue[1:]
		}
		c.current = next
	} else {
		for i, q := range c.queue {
			if q == p {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()

	select {
	case p.resultCh <- resp:
	default:
	}
	if next != nil {
		c.transmit(next)
	}
}

// onByte feeds one raw byte into the dispatcher.
func (c *Channel) onByte(b byte) {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()

	if cur != nil && cur.inBinaryPhase {
		cur.binary = append(cur.binary, b)
		cur.binaryRemaining--
		if cur.binaryRemaining <= 0 {
			c.mu.Lock()
			cur.inBinaryPhase = false
			c.mu.Unlock()
		}
		return
	}

	c.mu.Lock()
	c.lineBuf.WriteByte(b)
	buffered := c.lineBuf.Bytes()
	idx := bytes.Index(buffered, []byte("\r\n"))
	var line []byte
	if idx >= 0 {
		line = append([]byte{}, buffered[:idx]...)
		rest := append([]byte{}, buffered[idx+2:]...)
		c.lineBuf.Reset()
		c.lineBuf.Write(rest)
	}
	c.mu.Unlock()

	if idx >= 0 && len(line) > 0 {
		c.onLine(string(line))
	}
}

// onLine applies the current command's dispatch rule to one complete line.
func (c *Channel) onLine(line string) {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()

	if cur == nil {
		c.dispatchUnsolicited(line)
		return
	}

	if ok, success := terminalStatus(cur.cmd.Kind, line); ok {
		resp := Response{Success: success, Status: line, Lines: cur.lines, Binary: cur.binary}
		c.completeCurrent(cur, resp)
		return
	}

	switch cur.cmd.Kind {
	case KindPrefixFiltered:
		if cur.cmd.ExpectedPrefix != "" && strings.HasPrefix(line, cur.cmd.ExpectedPrefix) {
			c.appendLine(cur, line)
		} else {
			c.dispatchUnsolicited(line)
		}
	case KindNoPrefixAll:
		c.appendLine(cur, line)
		c.dispatchUnsolicited(line)
	case KindNoPrefix:
		if looksUnsolicited(line) {
			c.dispatchUnsolicited(line)
		} else {
			c.appendLine(cur, line)
		}
	case KindNumeric:
		if (cur.cmd.ExpectedPrefix != "" && strings.HasPrefix(line, cur.cmd.ExpectedPrefix)) || startsWithDigit(line) {
			c.appendLine(cur, line)
		} else {
			c.dispatchUnsolicited(line)
		}
	case KindMultiline:
		if len(cur.lines) == 0 {
			if cur.cmd.ExpectedPrefix != "" && !strings.HasPrefix(line, cur.cmd.ExpectedPrefix) {
				// First line doesn't match: this isn't the start of our
				// multiline body, so it's unsolicited (spec.md §4.2).
				c.dispatchUnsolicited(line)
			} else {
				c.appendLine(cur, line)
			}
		} else if looksUnsolicited(line) {
			c.dispatchUnsolicited(line)
		} else {
			c.mu.Lock()
			cur.lines[len(cur.lines)-1] = cur.lines[len(cur.lines)-1] + "\r\n" + line
			c.mu.Unlock()
		}
	case KindBinary:
		// Binary payload already consumed in onByte; once we reach
		// here the channel has reverted to a no-response wait for the
		// final status line, handled by terminalStatus above.
		c.appendLine(cur, line)
	default: // KindDefault, KindDial
		c.appendLine(cur, line)
	}
}

func (c *Channel) appendLine(p *pending, line string) {
	c.mu.Lock()
	p.lines = append(p.lines, line)
	c.mu.Unlock()
}

func (c *Channel) dispatchUnsolicited(line string) {
	if c.unsolicited != nil {
		c.unsolicited(line)
	}
}

func looksUnsolicited(line string) bool {
	if line == "" {
		return false
	}
	switch line[0] {
	case '+', '*', '^', '!':
		return true
	default:
		return false
	}
}

func startsWithDigit(line string) bool {
	return len(line) > 0 && line[0] >= '0' && line[0] <= '9'
}

// terminalStatus reports whether line is a terminal status for kind, and
// whether it signals success.
func terminalStatus(kind Kind, line string) (isTerminal bool, success bool) {
	switch {
	case line == "OK":
		return true, true
	case kind == KindDial && line == "CONNECT":
		return true, true
	case kind == KindDial && strings.HasPrefix(line, "CONNECT"):
		return true, true
	case line == "ERROR":
		return true, false
	case strings.HasPrefix(line, "+CMS ERROR"):
		return true, false
	case strings.HasPrefix(line, "+CME ERROR"):
		return true, false
	case kind == KindDial && (line == "NO CARRIER" || line == "NO ANSWER" || line == "NO DIALTONE"):
		return true, false
	default:
		return false, false
	}
}

// Handshake repeatedly sends "ATQ0 V1 E0" with a short per-attempt timeout,
// up to attempts tries, stopping at the first success (spec.md §4.2).
func (c *Channel) Handshake(ctx context.Context, attempts int, perAttempt time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		resp, err := c.Send(ctx, Command{Text: "ATQ0 V1 E0", Kind: KindDefault, Timeout: perAttempt})
		if err == nil && resp.Success {
			return nil
		}
		lastErr = err
		if lastErr == nil {
			lastErr = sieserial.New(sieserial.KindProtocolViolation, "at", "handshake rejected")
		}
	}
	return sieserial.Wrap(sieserial.KindTimeout, "at", "handshake failed", lastErr)
}
