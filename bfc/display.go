package bfc

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/siemens-mobile-hacks/sieserial"
)

// PixelFormat identifies the phone's display buffer encoding.
type PixelFormat uint8

const (
	FormatUnknown PixelFormat = iota
	FormatWB                  // 1 bit/pixel, 8 pixels packed per byte
	FormatRGB332
	FormatRGBA4444
	FormatRGB565
	FormatRGB888
	FormatRGB8888
)

func formatFromType(t uint8) (PixelFormat, error) {
	switch t {
	case 1:
		return FormatWB, nil
	case 2:
		return FormatRGB332, nil
	case 3:
		return FormatRGBA4444, nil
	case 4:
		return FormatRGB565, nil
	case 5:
		return FormatRGB888, nil
	case 9:
		return FormatRGB8888, nil
	default:
		return FormatUnknown, sieserial.New(sieserial.KindUnsupported, "bfc", "unknown display buffer format")
	}
}

// bufferSize returns the total byte size of a width x height buffer in
// format; FormatWB packs 8 pixels per byte, rounded up.
func bufferSize(format PixelFormat, width, height int) (int, error) {
	pixels := width * height
	switch format {
	case FormatWB:
		return (pixels + 7) / 8, nil
	case FormatRGB332:
		return pixels, nil
	case FormatRGBA4444, FormatRGB565:
		return pixels * 2, nil
	case FormatRGB888:
		return pixels * 3, nil
	case FormatRGB8888:
		return pixels * 4, nil
	default:
		return 0, sieserial.New(sieserial.KindUnsupported, "bfc", "unknown display buffer format")
	}
}

const displayDst = 0x06

// DisplayBuffer is one snapshot of the phone's display memory.
type DisplayBuffer struct {
	Width, Height int
	Format        PixelFormat
	Data          []byte
}

// GetDisplayBuffer reads display dimensions and buffer metadata, then
// pulls the corresponding number of bytes from the reported address
// (spec.md §4.6 "getDisplayBuffer").
func GetDisplayBuffer(ctx context.Context, bus *Bus, src uint8) (DisplayBuffer, error) {
	infoFrames, err := bus.Exec(ctx, src, displayDst, []byte{0x10}, ExecOptions{Type: TypeSingle, CRC: true, Timeout: time.Second})
	if err != nil {
		return DisplayBuffer{}, err
	}
	if len(infoFrames) == 0 || len(infoFrames[0].Payload) < 4 {
		return DisplayBuffer{}, sieserial.New(sieserial.KindProtocolViolation, "bfc", "short display-info reply")
	}
	info := infoFrames[0].Payload
	width := int(binary.LittleEndian.Uint16(info[0:2]))
	height := int(binary.LittleEndian.Uint16(info[2:4]))

	bufFrames, err := bus.Exec(ctx, src, displayDst, []byte{0x11}, ExecOptions{Type: TypeSingle, CRC: true, Timeout: time.Second})
	if err != nil {
		return DisplayBuffer{}, err
	}
	if len(bufFrames) == 0 || len(bufFrames[0].Payload) < 5 {
		return DisplayBuffer{}, sieserial.New(sieserial.KindProtocolViolation, "bfc", "short buffer-info reply")
	}
	buf := bufFrames[0].Payload
	bufType := buf[0]
	bufAddr := binary.LittleEndian.Uint32(buf[1:5])

	format, err := formatFromType(bufType)
	if err != nil {
		return DisplayBuffer{}, err
	}
	size, err := bufferSize(format, width, height)
	if err != nil {
		return DisplayBuffer{}, err
	}

	res, err := ReadMemory(ctx, bus, src, bufAddr, size, nil)
	if err != nil {
		return DisplayBuffer{}, err
	}
	return DisplayBuffer{Width: width, Height: height, Format: format, Data: res.Buffer}, nil
}
