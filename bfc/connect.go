package bfc

import (
	"context"
	"time"

	"github.com/siemens-mobile-hacks/sieserial"
	"github.com/siemens-mobile-hacks/sieserial/atchannel"
	"github.com/siemens-mobile-hacks/sieserial/transport"
)

const (
	statusDst        = 0x02
	candidateAtBaud  = 115200
	settleAfterSQWE  = 300 * time.Millisecond
	connectPingTries = 3
)

var candidateBauds = []int{115200, 230400, 921600}

// Connect establishes a BFC bus on port: it first tries to speak AT and
// switch the remote endpoint into BFC mode; failing that, it searches for
// an already-open BFC bus across candidateBauds (spec.md §4.6 "Connect").
func Connect(ctx context.Context, port transport.Port, ms *transport.ModeSwitch, src uint8) (*Bus, error) {
	if err := port.UpdateBaud(candidateAtBaud); err != nil {
		return nil, err
	}
	ch := atchannel.New(port, ms, nil)
	ch.Start(ctx)

	resp, err := ch.Send(ctx, atchannel.Command{Text: "AT^SIFS", Kind: atchannel.KindPrefixFiltered, ExpectedPrefix: "^SIFS", Timeout: 2 * time.Second})
	if err == nil && resp.Success {
		for _, line := range resp.Lines {
			if containsBlue(line) {
				ch.Stop()
				return nil, sieserial.New(sieserial.KindUnsupported, "bfc", "BFC over Bluetooth is not supported")
			}
		}

		sqweResp, sqweErr := ch.Send(ctx, atchannel.Command{Text: "AT^SQWE=1", Kind: atchannel.KindDefault, Timeout: 2 * time.Second})
		if sqweErr == nil && sqweResp.Success {
			ch.Stop()
			time.Sleep(settleAfterSQWE)
			bus := New(port, ms)
			bus.Start(ctx)
			if err := ping(ctx, bus, src, 1, time.Second); err != nil {
				bus.Stop()
				return nil, err
			}
			return bus, nil
		}
	}
	ch.Stop()

	return searchExistingBus(ctx, port, ms, src)
}

func containsBlue(line string) bool {
	for i := 0; i+4 <= len(line); i++ {
		if line[i:i+4] == "BLUE" {
			return true
		}
	}
	return false
}

// searchExistingBus probes each candidate baud for an already-open BFC bus
// by sending three STATUS frames to dst=0x02 and pinging.
func searchExistingBus(ctx context.Context, port transport.Port, ms *transport.ModeSwitch, src uint8) (*Bus, error) {
	for _, baud := range candidateBauds {
		if err := port.UpdateBaud(baud); err != nil {
			continue
		}
		bus := New(port, ms)
		bus.Start(ctx)

		ok := true
		for i := 0; i < 3; i++ {
			if _, err := bus.Exec(ctx, src, statusDst, []byte{0x80, 0x11}, ExecOptions{Type: TypeStatus, CRC: true, Timeout: time.Second}); err != nil {
				ok = false
				break
			}
		}
		if ok && ping(ctx, bus, src, 1, time.Second) == nil {
			return bus, nil
		}
		bus.Stop()
	}
	return nil, sieserial.New(sieserial.KindTimeout, "bfc", "no BFC bus found on any candidate baud")
}

// ping sends a lightweight STATUS probe, retrying attempts times.
func ping(ctx context.Context, bus *Bus, src uint8, attempts int, timeout time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		_, err := bus.Exec(ctx, src, statusDst, []byte{0x80, 0x11}, ExecOptions{Type: TypeStatus, CRC: true, Timeout: timeout})
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}
