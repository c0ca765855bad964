package cgsn

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/siemens-mobile-hacks/sieserial"
	"github.com/siemens-mobile-hacks/sieserial/atchannel"
	"github.com/siemens-mobile-hacks/sieserial/transport"
)

const (
	cjktMarkerAddr = 0xA000003C
	cjktMarker     = "CJKT"

	engineRCCP  = 0
	engineGIPSY = 2

	fallbackBaud = 115200
)

var probeBauds = []int{115200, 460800, 921600}

// Session is a connected CGSN endpoint: the AT channel plus the baud it
// settled on after negotiation.
type Session struct {
	Channel *atchannel.Channel
	Baud    int
}

// Connect probes probeBauds for a responsive phone, verifies the CGSN
// patch marker, switches the phone's engine mode, and negotiates the
// fastest offered baud (spec.md §4.7 "Connect sequence").
func Connect(ctx context.Context, port transport.Port) (*Session, error) {
	ch, err := probeHandshake(ctx, port)
	if err != nil {
		return nil, err
	}

	marker, err := ReadMemory(ctx, ch, cjktMarkerAddr, 4)
	if err != nil {
		ch.Stop()
		return nil, err
	}
	if string(marker) != cjktMarker {
		ch.Stop()
		return nil, sieserial.New(sieserial.KindUnsupported, "cgsn", "phone firmware lacks the CGSN patch")
	}

	blue, err := isBluetooth(ctx, ch)
	if err != nil {
		ch.Stop()
		return nil, err
	}
	engine := engineRCCP
	if blue {
		engine = engineGIPSY
	}
	sqwe := atchannel.Command{Text: "AT^SQWE=" + strconv.Itoa(engine), Kind: atchannel.KindDefault, Timeout: 2 * time.Second}
	if resp, err := ch.Send(ctx, sqwe); err != nil || !resp.Success {
		ch.Stop()
		if err == nil {
			err = sieserial.New(sieserial.KindProtocolViolation, "cgsn", "AT^SQWE rejected")
		}
		return nil, err
	}

	baud, err := negotiateBaud(ctx, ch)
	if err != nil {
		ch.Stop()
		return nil, err
	}
	if err := port.UpdateBaud(baud); err != nil {
		ch.Stop()
		return nil, err
	}
	return &Session{Channel: ch, Baud: baud}, nil
}

func probeHandshake(ctx context.Context, port transport.Port) (*atchannel.Channel, error) {
	var lastErr error
	for _, baud := range probeBauds {
		if err := port.UpdateBaud(baud); err != nil {
			lastErr = err
			continue
		}
		ch := atchannel.New(port, nil, nil)
		ch.Start(ctx)
		if err := ch.Handshake(ctx, 3, 500*time.Millisecond); err == nil {
			return ch, nil
		} else {
			lastErr = err
		}
		ch.Stop()
	}
	return nil, sieserial.Wrap(sieserial.KindTimeout, "cgsn", "no responsive phone found on any probe baud", lastErr)
}

func isBluetooth(ctx context.Context, ch *atchannel.Channel) (bool, error) {
	resp, err := ch.Send(ctx, atchannel.Command{
		Text: "AT^SIFS", Kind: atchannel.KindPrefixFiltered, ExpectedPrefix: "^SIFS", Timeout: 2 * time.Second,
	})
	if err != nil {
		return false, err
	}
	for _, line := range resp.Lines {
		if strings.Contains(line, "BLUE") {
			return true, nil
		}
	}
	return false, nil
}

// negotiateBaud parses AT+IPR=?'s "(n,n,...)" list and picks the highest
// offered baud, falling back to 115200 when nothing at or above 921600 is
// offered.
func negotiateBaud(ctx context.Context, ch *atchannel.Channel) (int, error) {
	resp, err := ch.Send(ctx, atchannel.Command{
		Text: "AT+IPR=?", Kind: atchannel.KindPrefixFiltered, ExpectedPrefix: "+IPR", Timeout: 2 * time.Second,
	})
	if err != nil {
		return 0, err
	}
	if len(resp.Lines) == 0 {
		return fallbackBaud, nil
	}
	best := 0
	for _, line := range resp.Lines {
		for _, v := range parseIntList(line) {
			if v > best {
				best = v
			}
		}
	}
	if best >= 921600 {
		return best, nil
	}
	return fallbackBaud, nil
}

func parseIntList(line string) []int {
	open := strings.IndexByte(line, '(')
	closeIdx := strings.IndexByte(line, ')')
	if open < 0 || closeIdx < 0 || closeIdx < open {
		return nil
	}
	fields := strings.Split(line[open+1:closeIdx], ",")
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if n, err := strconv.Atoi(f); err == nil {
			out = append(out, n)
		}
	}
	return out
}
