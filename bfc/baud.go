package bfc

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/siemens-mobile-hacks/sieserial"
)

var descendingBauds = []int{921600, 460800, 230400}

const setBaudCmd = 0x02

// NegotiateBaud tries each candidate baud downward, asking the remote end
// to switch via a STATUS frame carrying "02 | ascii(decimal)", then moving
// the local port to that baud and confirming with a ping (up to three
// attempts, the first success wins); if no ping succeeds the local port is
// restored to its prior baud (spec.md §4.6 "Baud negotiation").
func NegotiateBaud(ctx context.Context, bus *Bus, src uint8) (int, error) {
	prior := bus.port.Baud()

	for _, candidate := range descendingBauds {
		payload := append([]byte{setBaudCmd}, []byte(fmt.Sprintf("%d", candidate))...)
		frames, err := bus.Exec(ctx, src, statusDst, payload, ExecOptions{Type: TypeStatus, CRC: true, Timeout: time.Second})
		if err != nil {
			continue
		}
		if len(frames) > 0 && bytes.HasPrefix(frames[0].Payload, []byte{0x02, 0xEE}) {
			continue
		}

		if err := bus.port.UpdateBaud(candidate); err != nil {
			continue
		}
		if err := ping(ctx, bus, src, connectPingTries, time.Second); err == nil {
			return candidate, nil
		}
		bus.port.UpdateBaud(prior)
	}
	return 0, sieserial.New(sieserial.KindTimeout, "bfc", "no candidate baud negotiated successfully")
}
