package chaos

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/siemens-mobile-hacks/sieserial"
	"github.com/siemens-mobile-hacks/sieserial/flashmap"
	"github.com/siemens-mobile-hacks/sieserial/transport"
)

const infoRecordSize = 128

// Info is the parsed GET_INFO record (spec.md §6 "CHAOS info record").
type Info struct {
	Model           string
	Vendor          string
	IMEI            string
	FlashBase       uint32
	FlashVID        uint16
	FlashPID        uint16
	FlashSize       uint8
	WriteBufferSize uint16
	Regions         []flashmap.Region
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func parseInfo(buf []byte) (Info, error) {
	if len(buf) != infoRecordSize {
		return Info{}, sieserial.New(sieserial.KindProtocolViolation, "chaos", "info record must be 128 bytes")
	}
	info := Info{
		Model:  cstring(buf[0:16]),
		Vendor: cstring(buf[16:32]),
		IMEI:   cstring(buf[32:48]),
	}
	info.FlashBase = binary.LittleEndian.Uint32(buf[64:68])
	info.FlashVID = binary.LittleEndian.Uint16(buf[80:82])
	info.FlashPID = binary.LittleEndian.Uint16(buf[82:84])
	info.FlashSize = buf[84]
	info.WriteBufferSize = binary.LittleEndian.Uint16(buf[85:87])
	regionsN := int(buf[87])

	maxRegionGroups := (infoRecordSize - 88) / 4
	if regionsN > maxRegionGroups {
		regionsN = maxRegionGroups
	}

	base := info.FlashBase
	for i := 0; i < regionsN; i++ {
		off := 88 + i*4
		count := binary.LittleEndian.Uint16(buf[off : off+2])
		sizeUnits := binary.LittleEndian.Uint16(buf[off+2 : off+4])
		regionSize := uint32(sizeUnits) * 256
		entries := int(count) + 1
		for e := 0; e < entries; e++ {
			info.Regions = append(info.Regions, flashmap.Region{Addr: base, Size: regionSize, EraseSize: regionSize})
			base += regionSize
		}
	}
	return info, nil
}

// GetInfo reads and parses the 128-byte GET_INFO record.
func (s *Session) GetInfo(ctx context.Context) (Info, error) {
	var out Info
	err := s.withHeartbeatPaused(ctx, func() error {
		if _, err := s.port.Write([]byte{cmdGetInfo}); err != nil {
			return sieserial.Wrap(sieserial.KindTransportClosed, "chaos", "write failed", err)
		}
		readCtx, cancel := transport.WithDeadline(ctx, 2*time.Second)
		defer cancel()
		buf, err := s.port.Read(readCtx, infoRecordSize)
		if err != nil {
			return sieserial.Wrap(sieserial.KindTransportClosed, "chaos", "read failed", err)
		}
		if len(buf) != infoRecordSize {
			return sieserial.New(sieserial.KindTimeout, "chaos", "short info record")
		}
		parsed, err := parseInfo(buf)
		if err != nil {
			return err
		}
		out = parsed
		return nil
	})
	return out, err
}
