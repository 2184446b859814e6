package pmm

import "testing"

func TestAllocFreeRoundTrip(t *testing.T) {
	a := New(2048, 0, 2048) // all NORMAL

	before := a.FreeCount(ZoneNormal, MaxOrder)

	base, err := a.AllocPages(0, ZoneNormal)
	if err != nil {
		t.Fatalf("AllocPages: %v", err)
	}

	if err := a.FreePages(base, 0); err != nil {
		t.Fatalf("FreePages: %v", err)
	}

	after := a.FreeCount(ZoneNormal, MaxOrder)
	if after != before {
		t.Errorf("free count at MaxOrder changed: before=%d after=%d", before, after)
	}
}

// S6: allocate 17 order-0 frames, free in reverse order, expect restored
// free-list state (spec.md §8 S6).
func TestBuddyRoundTripS6(t *testing.T) {
	a := New(4096, 0, 4096)

	var snapshot [MaxOrder + 1]int
	for o := 0; o <= MaxOrder; o++ {
		snapshot[o] = a.FreeCount(ZoneNormal, o)
	}

	var bases []int
	for i := 0; i < 17; i++ {
		base, err := a.AllocPages(0, ZoneNormal)
		if err != nil {
			t.Fatalf("AllocPages #%d: %v", i, err)
		}

		bases = append(bases, base)
	}

	for i := len(bases) - 1; i >= 0; i-- {
		if err := a.FreePages(bases[i], 0); err != nil {
			t.Fatalf("FreePages(%d): %v", bases[i], err)
		}
	}

	for o := 0; o <= MaxOrder; o++ {
		if got := a.FreeCount(ZoneNormal, o); got != snapshot[o] {
			t.Errorf("order %d free count = %d, want %d", o, got, snapshot[o])
		}
	}
}

func TestAllocSplitsHigherOrder(t *testing.T) {
	a := New(1024, 0, 1024)

	base, err := a.AllocPages(0, ZoneNormal)
	if err != nil {
		t.Fatalf("AllocPages: %v", err)
	}

	if base < 0 || base >= 1024 {
		t.Errorf("base out of range: %d", base)
	}

	f := a.Frame(base)
	if f.Flag != FrameAllocated || f.RefCount != 1 {
		t.Errorf("frame metadata = %+v", f)
	}
}

func TestNoFreePages(t *testing.T) {
	a := New(4, 0, 4) // only 4 frames total, far less than 2^(MaxOrder+1)

	if _, err := a.AllocPages(MaxOrder+1, ZoneNormal); err == nil {
		t.Fatal("expected ErrBadOrder for order beyond MaxOrder")
	}

	// Exhaust the zone at order 0, then ask for one more.
	for i := 0; i < 4; i++ {
		if _, err := a.AllocPages(0, ZoneNormal); err != nil {
			t.Fatalf("AllocPages #%d: %v", i, err)
		}
	}

	if _, err := a.AllocPages(0, ZoneNormal); err == nil {
		t.Fatal("expected ErrNoFreePages once the zone is exhausted")
	}
}

func TestFreeInvalidFrame(t *testing.T) {
	a := New(64, 0, 64)

	if err := a.FreePages(5, 0); err == nil {
		t.Fatal("expected ErrInvalidFrame for freeing a never-allocated frame")
	}

	base, err := a.AllocPages(0, ZoneNormal)
	if err != nil {
		t.Fatalf("AllocPages: %v", err)
	}

	// Wrong order for a real allocation must also fail.
	if err := a.FreePages(base, 3); err == nil {
		t.Fatal("expected ErrInvalidFrame for order mismatch")
	}
}

func TestZoneSeparation(t *testing.T) {
	a := New(256, 64, 192) // DMA=[0,64) NORMAL=[64,192) HIGH=[192,256)

	base, err := a.AllocPages(0, ZoneDMA)
	if err != nil {
		t.Fatalf("AllocPages(DMA): %v", err)
	}

	if base >= 64 {
		t.Errorf("DMA allocation landed outside DMA zone: base=%d", base)
	}

	base, err = a.AllocPages(0, ZoneHigh)
	if err != nil {
		t.Fatalf("AllocPages(HIGH): %v", err)
	}

	if base < 192 {
		t.Errorf("HIGH allocation landed outside HIGH zone: base=%d", base)
	}
}
