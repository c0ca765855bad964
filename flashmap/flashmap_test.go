package flashmap

import "testing"

// Matches the worked example in spec.md §8 scenario 5 exactly: regions
// {1000/1000, 2000/1000, 3000/1000}, write (0x1800, 0x1800) splits into
// two chunks: (addr=1000, size=1000, bufferOffset=0x800, bufferSize=0x800,
// isPartial=true), (addr=2000, size=1000, bufferOffset=0x0,
// bufferSize=0x1000, isPartial=false). Each chunk's (addr, size) equals
// its region's own bounds — a partial write still covers the whole erase
// sector; bufferOffset/bufferSize locate the touched sub-range.
func TestAlignSplitsAcrossRegionBoundary(t *testing.T) {
	regions := Sorted([]Region{
		{Addr: 0x1000, Size: 0x1000, EraseSize: 0x1000},
		{Addr: 0x2000, Size: 0x1000, EraseSize: 0x1000},
		{Addr: 0x3000, Size: 0x1000, EraseSize: 0x1000},
	})
	chunks := Align(0x1800, 0x1800, regions)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Addr != 0x1000 || chunks[0].Size != 0x1000 {
		t.Fatalf("unexpected first chunk addr/size: %+v", chunks[0])
	}
	if chunks[0].BufferOffset != 0x800 || chunks[0].BufferSize != 0x800 {
		t.Fatalf("unexpected first chunk buffer range: %+v", chunks[0])
	}
	if chunks[1].Addr != 0x2000 || chunks[1].Size != 0x1000 {
		t.Fatalf("unexpected second chunk addr/size: %+v", chunks[1])
	}
	if chunks[1].BufferOffset != 0x0 || chunks[1].BufferSize != 0x1000 {
		t.Fatalf("unexpected second chunk buffer range: %+v", chunks[1])
	}
	if !chunks[0].IsPartial {
		t.Fatalf("first chunk should be partial")
	}
	if chunks[1].IsPartial {
		t.Fatalf("second chunk fully covers its region, should not be partial")
	}
}

func TestAlignStopsAtUnmappedHole(t *testing.T) {
	regions := []Region{{Addr: 0x1000, Size: 0x1000, EraseSize: 0x1000}}
	chunks := Align(0x1800, 0x2000, regions)
	if len(chunks) != 1 {
		t.Fatalf("expected a single chunk bounded by the mapped region, got %d", len(chunks))
	}
	if chunks[0].Size != 0x1000 {
		t.Fatalf("unexpected chunk region size: %+v", chunks[0])
	}
	if chunks[0].BufferSize != 0x800 {
		t.Fatalf("unexpected touched sub-range size: %+v", chunks[0])
	}
}

func TestAlignWholeRegionIsNotPartial(t *testing.T) {
	regions := []Region{{Addr: 0x1000, Size: 0x1000, EraseSize: 0x1000}}
	chunks := Align(0x1000, 0x1000, regions)
	if len(chunks) != 1 || chunks[0].IsPartial {
		t.Fatalf("expected one full, non-partial chunk, got %+v", chunks)
	}
}
