package acpiprobe

import (
	"encoding/binary"
	"testing"
)

func writeHeader(mem []byte, addr uint64, sig string, length uint32) {
	copy(mem[addr:], sig)
	binary.LittleEndian.PutUint32(mem[addr+4:], length)
}

func TestParseRSDPChecksum(t *testing.T) {
	mem := make([]byte, 0x10000)
	copy(mem[0x1000:], "RSD PTR ")

	// Checksum byte at offset 8 must make the first 20 bytes sum to 0 mod 256.
	var sum uint8
	for _, b := range mem[0x1000 : 0x1000+20] {
		sum += b
	}
	mem[0x1000+8] = uint8(0) - sum

	r, err := ParseRSDP(mem, 0x1000)
	if err != nil {
		t.Fatalf("ParseRSDP: %v", err)
	}

	if string(r.Signature[:]) != "RSD PTR " {
		t.Errorf("signature = %q", r.Signature)
	}
}

func TestParseRSDPBadChecksum(t *testing.T) {
	mem := make([]byte, 0x10000)
	copy(mem[0x1000:], "RSD PTR ")
	mem[0x1000+8] = 0xFF // deliberately wrong

	if _, err := ParseRSDP(mem, 0x1000); err == nil {
		t.Fatal("expected checksum error")
	}
}

func TestParseXSDTEntries(t *testing.T) {
	mem := make([]byte, 0x10000)
	const xsdtAddr = 0x2000
	writeHeader(mem, xsdtAddr, "XSDT", headerSize+16)
	binary.LittleEndian.PutUint64(mem[xsdtAddr+headerSize:], 0x3000)
	binary.LittleEndian.PutUint64(mem[xsdtAddr+headerSize+8:], 0x4000)

	x, err := ParseXSDT(mem, xsdtAddr)
	if err != nil {
		t.Fatalf("ParseXSDT: %v", err)
	}

	if len(x.Entries) != 2 || x.Entries[0] != 0x3000 || x.Entries[1] != 0x4000 {
		t.Errorf("entries = %v", x.Entries)
	}
}

func TestParseMADTRequiresLAPIC(t *testing.T) {
	mem := make([]byte, 0x10000)
	const addr = 0x5000
	writeHeader(mem, addr, "APIC", headerSize+8)
	// LAPICAddress + Flags, no subtables follow.

	_, err := ParseMADT(mem, addr)
	if err != ErrNoLAPIC {
		t.Fatalf("ParseMADT error = %v, want ErrNoLAPIC", err)
	}
}

func TestParseMADTWithLAPICAndIOAPIC(t *testing.T) {
	mem := make([]byte, 0x10000)
	const addr = 0x5000
	body := []byte{}
	// LAPICAddress, Flags
	lapicAddrBytes := make([]byte, 8)
	binary.LittleEndian.PutUint32(lapicAddrBytes[0:], 0xFEE00000)
	body = append(body, lapicAddrBytes...)
	// Local APIC subtable: type=0 length=8
	body = append(body, 0, 8, 1 /*procid*/, 2 /*apicid*/, 1, 0, 0, 0)
	// IOAPIC subtable: type=1 length=12
	ioapic := make([]byte, 12)
	ioapic[0], ioapic[1] = 1, 12
	ioapic[2] = 9 // ioapic id
	binary.LittleEndian.PutUint32(ioapic[4:], 0xFEC00000)
	binary.LittleEndian.PutUint32(ioapic[8:], 24)
	body = append(body, ioapic...)

	writeHeader(mem, addr, "APIC", uint32(headerSize+len(body)))
	copy(mem[addr+headerSize:], body)

	m, err := ParseMADT(mem, addr)
	if err != nil {
		t.Fatalf("ParseMADT: %v", err)
	}

	if len(m.LocalAPICs) != 1 || m.LocalAPICs[0].APICID != 2 {
		t.Errorf("LocalAPICs = %+v", m.LocalAPICs)
	}

	if len(m.IOAPICs) != 1 || m.IOAPICs[0].GSIBase != 24 {
		t.Errorf("IOAPICs = %+v", m.IOAPICs)
	}
}
