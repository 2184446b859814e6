package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/nanokernel/nanokernel/internal/kernel"
	"github.com/nanokernel/nanokernel/internal/pmm"
)

var psArgs struct {
	maxProcs int
}

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "Bootstrap the server processes and print the resulting PCB table.",
	Run:   runPS,
}

func init() {
	psCmd.Flags().IntVar(&psArgs.maxProcs, "max-procs", 64, "PCB table capacity")
}

// runPS stands up a kernel with Bootstrap (§4.12) as `boot` does, but with
// no-op entry points for every process and no vCPU, purely to exercise and
// display the process table spec.md §3/§8 describe through
// Kernel.DumpProcesses.
func runPS(cmd *cobra.Command, args []string) {
	mem := pmm.New(1024, 64, 1024)
	k := kernel.New(psArgs.maxProcs, mem)

	idle := func(k *kernel.Kernel, self *kernel.PCB) {}

	if err := k.Bootstrap(idle, idle, idle, idle); err != nil {
		log.WithError(err).Fatal("bootstrap failed")
	}

	k.DumpProcesses(os.Stdout)
}
