package dwd

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/siemens-mobile-hacks/sieserial/transport"
)

// RegionKind classifies a discovered memory region.
type RegionKind uint8

const (
	RegionUnknown RegionKind = iota
	RegionFlash
	RegionRAM
)

func (k RegionKind) String() string {
	switch k {
	case RegionFlash:
		return "FLASH"
	case RegionRAM:
		return "RAM"
	default:
		return "UNKNOWN"
	}
}

// MemoryRegion is one discovered chip-select range (spec.md §4.8).
type MemoryRegion struct {
	Name string
	Base uint32
	Size uint32
	Kind RegionKind
}

const ebuIDAddr = 0xF0000008

func addrsel(regID uint32) uint32 {
	if regID < 8 {
		return 0xF0000080 + regID*8
	}
	return 0xF0000020 + regID*4
}

func decodeAddrsel(val uint32) (base, size uint32, enabled bool) {
	base = val & 0xFFFFF000
	shift := (val >> 4) & 0xF
	size = 1 << (27 - shift)
	enabled = val&1 != 0
	return
}

func classify(base uint32, buscon uint32) RegionKind {
	if base >= 0xA0000000 && base < 0xB0000000 {
		return RegionFlash
	}
	agen := (buscon >> 4) & 0xF // AGEN field assumed to live in BUSCON's low nibble group
	if agen == 3 || agen == 4 {
		return RegionRAM
	}
	return RegionUnknown
}

// readU32 reads a single little-endian u32 at addr via ReadMemory.
func readU32(ctx context.Context, port transport.Port, addr uint32) (uint32, error) {
	res, err := ReadMemory(ctx, port, addr, 4, nil)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(res.Buffer), nil
}

// DiscoverMemoryMap reads the EBU chip-select table and returns the
// decoded memory regions, merging adjacent same-kind entries and
// appending the two static regions (TCM, SRAM) from spec.md §4.8.
func DiscoverMemoryMap(ctx context.Context, port transport.Port) ([]MemoryRegion, error) {
	ebuID, err := readU32(ctx, port, ebuIDAddr)
	if err != nil {
		return nil, err
	}

	var regions []MemoryRegion
	for i := uint32(0); i < 4; i++ {
		val, err := readU32(ctx, port, addrsel(i))
		if err != nil {
			return nil, err
		}
		base, size, enabled := decodeAddrsel(val)
		if !enabled {
			continue
		}
		buscon, err := readU32(ctx, port, addrsel(i)+4)
		if err != nil {
			return nil, err
		}
		kind := classify(base, buscon)
		regions = append(regions, MemoryRegion{
			Name: fmt.Sprintf("CS%d", i),
			Base: base,
			Size: size,
			Kind: kind,
		})
	}
	_ = ebuID // read but not used: addrsel picks the register from the chip-select index alone, so chip-selects 0-3 always use 0xF0000080 + i*8

	regions = append(regions,
		MemoryRegion{Name: "TCM", Base: 0xFFFF0000, Size: 16 * 1024, Kind: RegionRAM},
		MemoryRegion{Name: "SRAM", Base: 0, Size: 96 * 1024, Kind: RegionRAM},
	)

	return mergeRegions(regions), nil
}

// mergeRegions sorts by base address and merges adjacent entries of the
// same kind, giving the merged entry the first constituent's name. This
// is cosmetic only (spec.md §9, open question c): it has no bearing on
// correctness, only on display.
func mergeRegions(regions []MemoryRegion) []MemoryRegion {
	sorted := append([]MemoryRegion{}, regions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })

	var out []MemoryRegion
	nameCounts := map[string]int{}
	for _, r := range sorted {
		if n := len(out); n > 0 {
			prev := &out[n-1]
			if prev.Kind == r.Kind && prev.Base+prev.Size == r.Base {
				prev.Size += r.Size
				continue
			}
		}
		name := r.Name
		if nameCounts[name] > 0 {
			name = fmt.Sprintf("%s_%d", name, nameCounts[name])
		}
		nameCounts[r.Name]++
		out = append(out, MemoryRegion{Name: name, Base: r.Base, Size: r.Size, Kind: r.Kind})
	}
	return out
}
