package bootinfo

import "testing"

func TestParseCommandLine(t *testing.T) {
	cases := []struct {
		cmdline  string
		wantTick TickSource
		wantGSI  uint32
	}{
		{"console=ttyS0 tick=hpet hpet_gsi=9", TickHPET, 9},
		{"tick=apic", TickAPIC, 0},
		{"", TickAuto, 0},
		{"tick=arm", TickARM, 0},
	}

	for _, c := range cases {
		info := &Info{CommandLine: c.cmdline}
		if err := info.ParseCommandLine(); err != nil {
			t.Fatalf("ParseCommandLine(%q): %v", c.cmdline, err)
		}

		if info.Tick != c.wantTick {
			t.Errorf("ParseCommandLine(%q).Tick = %v, want %v", c.cmdline, info.Tick, c.wantTick)
		}

		if info.HPETGSI != c.wantGSI {
			t.Errorf("ParseCommandLine(%q).HPETGSI = %v, want %v", c.cmdline, info.HPETGSI, c.wantGSI)
		}
	}
}

func TestParseCommandLineBadTick(t *testing.T) {
	info := &Info{CommandLine: "tick=bogus"}
	if err := info.ParseCommandLine(); err == nil {
		t.Fatal("expected error for unknown tick source")
	}
}

func TestUsableBytes(t *testing.T) {
	info := &Info{MemoryMap: []MemRegion{
		{Base: 0, Length: 0x1000, Type: Usable},
		{Base: 0x1000, Length: 0x2000, Type: Reserved},
		{Base: 0x3000, Length: 0x4000, Type: Usable},
	}}

	if got, want := info.UsableBytes(), uint64(0x5000); got != want {
		t.Errorf("UsableBytes() = %#x, want %#x", got, want)
	}
}
