package control

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
)

// CoreStats describes the host vCPU of one core.
type CoreStats struct {
	Core      int
	VCPU      uint64
	State     string
	Guests    int
	Exits     map[uint16]uint64 // basic exit reason -> count, zero counts omitted
	Unhandled uint64
}

// Stats is a snapshot of a running hypervisor.
type Stats struct {
	Cores          []CoreStats
	Descriptors    int
	PageTableNodes int
	FreePages      int
}

// Write renders st as a table.
func (st *Stats) Write(w io.Writer) error {
	fmt.Fprintf(w, "descriptors %d, page table nodes %d, free pages %d\n",
		st.Descriptors, st.PageTableNodes, st.FreePages)

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "CORE\tVCPU\tSTATE\tGUESTS\tUNHANDLED\tEXITS")

	for _, c := range st.Cores {
		reasons := make([]int, 0, len(c.Exits))
		for r := range c.Exits {
			reasons = append(reasons, int(r))
		}

		sort.Ints(reasons)

		exits := ""
		for i, r := range reasons {
			if i > 0 {
				exits += " "
			}

			exits += fmt.Sprintf("%d:%d", r, c.Exits[uint16(r)])
		}

		fmt.Fprintf(tw, "%d\t%#x\t%s\t%d\t%d\t%s\n", c.Core, c.VCPU, c.State, c.Guests, c.Unhandled, exits)
	}

	return tw.Flush()
}
