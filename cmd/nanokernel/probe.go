package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nanokernel/nanokernel/internal/acpiprobe"
	"github.com/nanokernel/nanokernel/internal/bootinfo"
)

var probeArgs struct {
	dev     string
	cmdline string
	dump    string
	rsdp    uint64
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Probe KVM availability, the kernel command line, and (optionally) a dumped ACPI memory image.",
	RunE:  runProbe,
}

func init() {
	f := probeCmd.Flags()
	f.StringVarP(&probeArgs.dev, "device", "D", "/dev/kvm", "path of kvm device")
	f.StringVarP(&probeArgs.cmdline, "cmdline", "p", "tick=auto", "kernel command-line parameters")
	f.StringVar(&probeArgs.dump, "dump", "", "raw guest-physical memory dump to run the ACPI probe against")
	f.Uint64Var(&probeArgs.rsdp, "rsdp", 0, "physical address of the RSDP within --dump")
}

func runProbe(cmd *cobra.Command, args []string) error {
	sessionID := uuid.New()
	log.WithField("session", sessionID).Info("nanokernel probe")

	info := &bootinfo.Info{CommandLine: probeArgs.cmdline}
	if err := info.ParseCommandLine(); err != nil {
		return fmt.Errorf("probe: %w", err)
	}

	log.WithFields(map[string]interface{}{
		"tick":     info.Tick,
		"hpet_gsi": info.HPETGSI,
	}).Info("boot command line resolved")

	if fi, err := os.Stat(probeArgs.dev); err != nil {
		log.WithError(err).Warn("kvm device unavailable")
	} else {
		log.WithField("mode", fi.Mode()).Info("kvm device present")
	}

	if probeArgs.dump == "" {
		return nil
	}

	return probeACPIDump()
}

func probeACPIDump() error {
	mem, err := os.ReadFile(probeArgs.dump)
	if err != nil {
		return fmt.Errorf("probe: reading dump: %w", err)
	}

	rsdp, err := acpiprobe.ParseRSDP(mem, probeArgs.rsdp)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}

	xsdt, err := acpiprobe.ParseXSDT(mem, rsdp.XSDTAddr)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}

	log.WithField("entries", len(xsdt.Entries)).Info("XSDT parsed")

	if addr, ok := acpiprobe.FindBySignature(mem, xsdt, "APIC"); ok {
		madt, err := acpiprobe.ParseMADT(mem, addr)
		if err != nil {
			log.WithError(err).Error("MADT parse failed")
		} else {
			log.WithFields(map[string]interface{}{
				"lapic_addr": fmt.Sprintf("%#x", madt.LAPICAddress),
				"local_apics": len(madt.LocalAPICs),
				"ioapics":     len(madt.IOAPICs),
			}).Info("MADT parsed")
		}
	} else {
		log.Error("no MADT found: FATAL per spec, no usable Local APIC")
	}

	if addr, ok := acpiprobe.FindBySignature(mem, xsdt, "HPET"); ok {
		hpet, err := acpiprobe.ParseHPET(mem, addr)
		if err != nil {
			log.WithError(err).Warn("HPET parse failed")
		} else {
			log.WithField("base", fmt.Sprintf("%#x", hpet.BaseAddress)).Info("HPET found")
		}
	} else {
		log.Info("no HPET found; APIC free-running will be used")
	}

	return nil
}
