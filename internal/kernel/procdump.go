// ps-style process table dump (spec.md §3 PCB, §8 testable dump).
// Grounded on arctir-proctor's createTableListOutput (proctor/cmd/cmd.go),
// which renders a []plib.Process slice through tablewriter; here the
// source rows are this kernel's own live PCBs instead of a host OS
// process list.
package kernel

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
)

// DumpProcesses writes a human-readable table of every live PCB to w,
// for the `ps` CLI subcommand and for debugging invariant failures.
func (k *Kernel) DumpProcesses(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"PID", "NAME", "STATE", "REASON", "PPID", "PRI", "TICKS"})

	k.Table.Each(func(p *PCB) {
		table.Append([]string{
			strconv.Itoa(p.Pid),
			p.Name,
			p.State.String(),
			blockReasonCell(p),
			strconv.Itoa(p.ParentPid),
			strconv.Itoa(p.Sched.Priority),
			strconv.FormatUint(p.Sched.TicksUsed, 10),
		})
	})

	table.Render()
}

func blockReasonCell(p *PCB) string {
	if p.State != StateBlocked {
		return "-"
	}

	if p.WaitSource != 0 {
		return fmt.Sprintf("%s(%d)", p.BlockReason, p.WaitSource)
	}

	return p.BlockReason.String()
}
