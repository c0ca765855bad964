package dwd

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/siemens-mobile-hacks/sieserial/internal/testport"
)

func TestDecodeAddrselMatchesWorkedExample(t *testing.T) {
	// shift=0xB -> size = 1 << (27-11) = 1<<16 = 0x10000; base masked to 4KiB.
	val := uint32(0xA0001000) | (0xB << 4) | 1
	base, size, enabled := decodeAddrsel(val)
	if base != 0xA0001000 {
		t.Fatalf("unexpected base: %#x", base)
	}
	if size != 0x10000 {
		t.Fatalf("unexpected size: %#x", size)
	}
	if !enabled {
		t.Fatalf("expected enabled bit set")
	}
}

// serveRegisters answers 4-byte reads from a sparse register map, for
// testing DiscoverMemoryMap without materializing a 4GiB backing array.
func serveRegisters(ctx context.Context, port *testport.Port, regs map[uint32]uint32) {
	for ctx.Err() == nil {
		op, payload, err := ReadFrame(ctx, port, 0)
		if err != nil {
			return
		}
		if op != OpReadMemReq {
			continue
		}
		addr := binary.LittleEndian.Uint32(payload[2:6])
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, regs[addr])
		SendFrame(port, OpReadMemResp, buf)
	}
}

func TestDiscoverMemoryMapIncludesStaticEntries(t *testing.T) {
	dce, dte := testport.NewPair()
	// Only the EBU ID and the 4 ADDRSEL/BUSCON pairs matter; leave every
	// chip-select disabled so the only regions returned are static.
	regs := map[uint32]uint32{ebuIDAddr: 9} // read by DiscoverMemoryMap; the register layout does not depend on it

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go serveRegisters(ctx, dte, regs)

	regions, err := DiscoverMemoryMap(context.Background(), dce)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var sawTCM, sawSRAM bool
	for _, r := range regions {
		if r.Name == "TCM" {
			sawTCM = true
		}
		if r.Name == "SRAM" {
			sawSRAM = true
		}
	}
	if !sawTCM || !sawSRAM {
		t.Fatalf("expected static TCM/SRAM entries, got %+v", regions)
	}
}

func TestMergeRegionsCombinesAdjacentSameKind(t *testing.T) {
	in := []MemoryRegion{
		{Name: "CS0", Base: 0x1000, Size: 0x1000, Kind: RegionFlash},
		{Name: "CS1", Base: 0x2000, Size: 0x1000, Kind: RegionFlash},
	}
	out := mergeRegions(in)
	if len(out) != 1 {
		t.Fatalf("expected merge into one region, got %+v", out)
	}
	if out[0].Size != 0x2000 {
		t.Fatalf("unexpected merged size: %#x", out[0].Size)
	}
}
