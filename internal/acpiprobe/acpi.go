// Package acpiprobe parses the ACPI tables the boot-loader handoff points
// at (spec.md §4.2): RSDP -> XSDT -> MADT (LAPIC/IOAPIC) and HPET. gokvm's
// acpi package (header.go, xsdt.go, madt.go) *builds* these tables to hand a
// synthetic ACPI BIOS to a Linux guest; this package runs the same struct
// layouts in the opposite direction, reading them out of guest-physical
// memory instead of writing them.
package acpiprobe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrBadRSDPChecksum = errors.New("acpiprobe: RSDP checksum invalid")
	ErrNoLAPIC         = errors.New("acpiprobe: no Local APIC found in MADT")
	ErrTableTooShort   = errors.New("acpiprobe: table shorter than its header claims")
)

// Header is the common ACPI SDT header, identical in layout to gokvm's
// acpi.Header (acpi/header.go).
type Header struct {
	Signature  [4]byte
	Length     uint32
	Rev        uint8
	Checksum   uint8
	OEMID      [6]byte
	OEMTableID [8]byte
	OEMRev     uint32
	CreatorID  [4]byte
	CreatorRev uint32
}

const headerSize = 36

// RSDP is the Root System Description Pointer, ACPI 2.0+ (XSDT-capable)
// layout.
type RSDP struct {
	Signature [8]byte
	Checksum  uint8
	OEMID     [6]byte
	Revision  uint8
	RSDTAddr  uint32
	Length    uint32
	XSDTAddr  uint64
	ExtCksum  uint8
	_         [3]uint8
}

// ParseRSDP reads and checksum-validates the RSDP at its physical address
// within mem (mem is the flat guest-physical byte slice, e.g. kvmreal.VM.Mem()).
func ParseRSDP(mem []byte, addr uint64) (*RSDP, error) {
	if addr+20 > uint64(len(mem)) {
		return nil, ErrTableTooShort
	}

	r := &RSDP{}
	if err := binary.Read(bytes.NewReader(mem[addr:addr+36]), binary.LittleEndian, r); err != nil {
		return nil, fmt.Errorf("acpiprobe: decode RSDP: %w", err)
	}

	if string(r.Signature[:]) != "RSD PTR " {
		return nil, fmt.Errorf("%w: bad signature %q", ErrBadRSDPChecksum, r.Signature)
	}

	if checksum(mem[addr:addr+20]) != 0 {
		return nil, ErrBadRSDPChecksum
	}

	return r, nil
}

func checksum(b []byte) uint8 {
	var sum uint8
	for _, v := range b {
		sum += v
	}

	return sum
}

func parseHeader(mem []byte, addr uint64) (Header, error) {
	if addr+headerSize > uint64(len(mem)) {
		return Header{}, ErrTableTooShort
	}

	var h Header
	if err := binary.Read(bytes.NewReader(mem[addr:addr+headerSize]), binary.LittleEndian, &h); err != nil {
		return Header{}, fmt.Errorf("acpiprobe: decode header: %w", err)
	}

	if addr+uint64(h.Length) > uint64(len(mem)) {
		return Header{}, ErrTableTooShort
	}

	return h, nil
}

// XSDT is the parsed Extended System Description Table: a header plus the
// 64-bit physical addresses of every other table (MADT, FADT, HPET, ...).
type XSDT struct {
	Header  Header
	Entries []uint64
}

// ParseXSDT reads the XSDT at addr and every entry pointer it lists.
func ParseXSDT(mem []byte, addr uint64) (*XSDT, error) {
	h, err := parseHeader(mem, addr)
	if err != nil {
		return nil, fmt.Errorf("acpiprobe: XSDT: %w", err)
	}

	n := (int(h.Length) - headerSize) / 8
	entries := make([]uint64, 0, n)
	body := mem[addr+headerSize : addr+uint64(h.Length)]

	for i := 0; i < n; i++ {
		entries = append(entries, binary.LittleEndian.Uint64(body[i*8:]))
	}

	return &XSDT{Header: h, Entries: entries}, nil
}

// LocalAPIC and IOAPIC mirror gokvm's acpi.LocalAPIC/IOAPIC MADT subtable
// layouts (acpi/madt.go), read instead of written.
type LocalAPIC struct {
	ProcessorID uint8
	APICID      uint8
	Flags       uint32
}

type IOAPIC struct {
	IOAPICID    uint8
	APICAddress uint32
	GSIBase     uint32
}

// MADT is the parsed Multiple APIC Description Table: LAPIC MMIO base plus
// every Local APIC and IOAPIC subtable entry.
type MADT struct {
	Header       Header
	LAPICAddress uint32
	Flags        uint32
	LocalAPICs   []LocalAPIC
	IOAPICs      []IOAPIC
}

const (
	madtTypeLocalAPIC uint8 = 0
	madtTypeIOAPIC    uint8 = 1
)

// ParseMADT walks the MADT subtable list, per spec.md §4.2 ("locate LAPIC
// MMIO and an IOAPIC with its GSI base"). Fails with ErrNoLAPIC if no Local
// APIC subtable is present, matching spec.md §4.2's FATAL condition.
func ParseMADT(mem []byte, addr uint64) (*MADT, error) {
	h, err := parseHeader(mem, addr)
	if err != nil {
		return nil, fmt.Errorf("acpiprobe: MADT: %w", err)
	}

	body := mem[addr+headerSize : addr+uint64(h.Length)]
	m := &MADT{Header: h}

	if len(body) >= 8 {
		m.LAPICAddress = binary.LittleEndian.Uint32(body[0:4])
		m.Flags = binary.LittleEndian.Uint32(body[4:8])
		body = body[8:]
	}

	for len(body) >= 2 {
		typ, length := body[0], body[1]
		if int(length) > len(body) || length < 2 {
			break
		}

		entry := body[:length]

		switch typ {
		case madtTypeLocalAPIC:
			if len(entry) >= 8 {
				m.LocalAPICs = append(m.LocalAPICs, LocalAPIC{
					ProcessorID: entry[2],
					APICID:      entry[3],
					Flags:       binary.LittleEndian.Uint32(entry[4:8]),
				})
			}
		case madtTypeIOAPIC:
			if len(entry) >= 12 {
				m.IOAPICs = append(m.IOAPICs, IOAPIC{
					IOAPICID:    entry[2],
					APICAddress: binary.LittleEndian.Uint32(entry[4:8]),
					GSIBase:     binary.LittleEndian.Uint32(entry[8:12]),
				})
			}
		}

		body = body[length:]
	}

	if len(m.LocalAPICs) == 0 {
		return m, ErrNoLAPIC
	}

	return m, nil
}

// HPET is the parsed HPET description table: its MMIO base address and
// identification fields (the tick period is not part of this table).
type HPET struct {
	Header        Header
	EventTimerID  uint32
	BaseAddress   uint64
	HPETNumber    uint8
	MinClockTicks uint16
	PageProtect   uint8
}

// ParseHPET reads the HPET table, per spec.md §4.2 ("HPET ... MMIO and
// period in femtoseconds" is derived from the device's own capabilities
// register at BaseAddress, not stored in this table; the table only carries
// the MMIO base).
func ParseHPET(mem []byte, addr uint64) (*HPET, error) {
	h, err := parseHeader(mem, addr)
	if err != nil {
		return nil, fmt.Errorf("acpiprobe: HPET: %w", err)
	}

	body := mem[addr+headerSize : addr+uint64(h.Length)]
	if len(body) < 16 {
		return nil, ErrTableTooShort
	}

	return &HPET{
		Header:        h,
		EventTimerID:  binary.LittleEndian.Uint32(body[0:4]),
		BaseAddress:   binary.LittleEndian.Uint64(body[4:12]),
		HPETNumber:    body[12],
		MinClockTicks: binary.LittleEndian.Uint16(body[13:15]),
		PageProtect:   body[15],
	}, nil
}

// FindBySignature locates the physical address of the table with the given
// 4-byte signature among the XSDT's entries, reading just the header of
// each until a match is found.
func FindBySignature(mem []byte, xsdt *XSDT, sig string) (uint64, bool) {
	for _, addr := range xsdt.Entries {
		h, err := parseHeader(mem, addr)
		if err != nil {
			continue
		}

		if string(h.Signature[:]) == sig {
			return addr, true
		}
	}

	return 0, false
}
