package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"helios/kernel/hal/sim"
	"helios/kernel/mm"
	"helios/kernel/mm/heap"
	"helios/kernel/mm/pmm"
	"helios/kernel/mm/slab"
	"helios/kernel/mm/vmm"
)

var (
	statsWorkload bool
)

func init() {
	cmd := newStatsCmd()
	cmd.Flags().BoolVar(&statsWorkload, "workload", false, "Run an allocation workload before sampling")
	rootCmd.AddCommand(cmd)
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show allocator statistics",
		Long: `The stats command boots the kernel and prints statistics for every
allocator layer: physical frames, slab size classes, the heap facade
and the TLB shootdown counters.

With --workload a deterministic allocation mix is run first so the
counters describe a kernel under load rather than a freshly booted one.

Example:
  heliosctl stats
  heliosctl stats --workload
  heliosctl stats --workload --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats()
		},
	}
	return cmd
}

type SlabClassStats struct {
	ObjSize      uint64
	Slabs        uint64
	TotalObjects uint64
	FreeObjects  uint64
	UsedObjects  uint64
}

type MemoryStats struct {
	TotalFrames uint64
	FreeFrames  uint64
	UsedFrames  uint64

	SlabClasses []SlabClassStats

	HeapLiveBytes uint64
	HeapPeakBytes uint64
	HeapAllocs    uint64
	HeapFrees     uint64

	KernelMappedPages uint64
	UserMappedPages   uint64
	UserPageFaults    uint64

	TLBGeneration   uint64
	PendingFlushes  uint64
	TLBEntryFlushes uint64
	TLBFullFlushes  uint64
}

func runStats() error {
	machine, _, err := bootKernel()
	if err != nil {
		return err
	}
	defer machine.Close()

	var userSpace *vmm.AddressSpace
	if statsWorkload {
		printVerbose("Running allocation workload\n")
		userSpace, err = runWorkload()
		if err != nil {
			return err
		}
	}

	stats := collectStats(machine, userSpace)

	if jsonOut {
		return printJSON(stats)
	}

	p := message.NewPrinter(language.English)

	printInfo("Physical frames:\n")
	printInfo("  Total: %s\n", p.Sprintf("%d", stats.TotalFrames))
	printInfo("  Free:  %s\n", p.Sprintf("%d", stats.FreeFrames))
	printInfo("  Used:  %s\n\n", p.Sprintf("%d", stats.UsedFrames))

	printInfo("Slab classes:\n")
	printInfo("  %8s %8s %10s %10s %10s\n", "size", "slabs", "objects", "used", "free")
	for _, class := range stats.SlabClasses {
		printInfo("  %8s %8s %10s %10s %10s\n",
			p.Sprintf("%d", class.ObjSize),
			p.Sprintf("%d", class.Slabs),
			p.Sprintf("%d", class.TotalObjects),
			p.Sprintf("%d", class.UsedObjects),
			p.Sprintf("%d", class.FreeObjects))
	}
	printInfo("\n")

	printInfo("Heap:\n")
	printInfo("  Live:   %s bytes\n", p.Sprintf("%d", stats.HeapLiveBytes))
	printInfo("  Peak:   %s bytes\n", p.Sprintf("%d", stats.HeapPeakBytes))
	printInfo("  Allocs: %s\n", p.Sprintf("%d", stats.HeapAllocs))
	printInfo("  Frees:  %s\n\n", p.Sprintf("%d", stats.HeapFrees))

	printInfo("Address spaces:\n")
	printInfo("  Kernel mapped pages: %s\n", p.Sprintf("%d", stats.KernelMappedPages))
	if userSpace != nil {
		printInfo("  User mapped pages:   %s\n", p.Sprintf("%d", stats.UserMappedPages))
		printInfo("  User page faults:    %s\n", p.Sprintf("%d", stats.UserPageFaults))
	}
	printInfo("\n")

	printInfo("TLB:\n")
	printInfo("  Generation:    %s\n", p.Sprintf("%d", stats.TLBGeneration))
	printInfo("  Pending:       %s\n", p.Sprintf("%d", stats.PendingFlushes))
	printInfo("  Entry flushes: %s\n", p.Sprintf("%d", stats.TLBEntryFlushes))
	printInfo("  Full flushes:  %s\n", p.Sprintf("%d", stats.TLBFullFlushes))

	return nil
}

// runWorkload drives every allocator layer through its public interface: a
// heap sweep across all slab classes, a multi-frame heap block, a user
// address space with mapped pages and one resolved copy-on-write fault. The
// user space is kept alive so its counters show up in the report.
func runWorkload() (*vmm.AddressSpace, error) {
	type held struct {
		ptr  uintptr
		size uintptr
	}
	var live []held

	for size := uintptr(16); size <= slab.MaxObjectSize; size <<= 1 {
		for i := 0; i < 8; i++ {
			ptr, err := heap.Alloc(size)
			if err != nil {
				return nil, fmt.Errorf("heap alloc of %d bytes: %s", size, err.Message)
			}
			if i%2 == 0 {
				live = append(live, held{ptr, size})
				continue
			}
			if err := heap.Free(ptr, size); err != nil {
				return nil, fmt.Errorf("heap free of %d bytes: %s", size, err.Message)
			}
		}
	}

	if _, err := heap.Alloc(16 * mm.PageSize); err != nil {
		return nil, fmt.Errorf("heap alloc of a multi-frame block: %s", err.Message)
	}

	grown, err := heap.Realloc(live[0].ptr, live[0].size, 3000)
	if err != nil {
		return nil, fmt.Errorf("heap realloc: %s", err.Message)
	}
	live[0] = held{grown, 3000}

	us, cErr := vmm.CreateSpace(false)
	if cErr != nil {
		return nil, fmt.Errorf("creating user space: %s", cErr.Message)
	}

	pages, aErr := us.AllocPages(4, vmm.FlagRW|vmm.FlagUserAccessible)
	if aErr != nil {
		return nil, fmt.Errorf("allocating user pages: %s", aErr.Message)
	}
	if fErr := us.FreePages(pages, 2); fErr != nil {
		return nil, fmt.Errorf("freeing user pages: %s", fErr.Message)
	}

	// Demand-zero mapping: the shared zeroed frame, broken by a write fault.
	cowPage := mm.PageFromAddress(vmm.UserSpaceStart + (1 << 21))
	if mErr := us.Map(cowPage, vmm.ReservedZeroedFrame, vmm.FlagCopyOnWrite|vmm.FlagUserAccessible); mErr != nil {
		return nil, fmt.Errorf("mapping the zeroed frame: %s", mErr.Message)
	}
	vmm.HandleFault(us, cowPage.Address()+42, 3)

	return us, nil
}

func collectStats(machine *sim.Machine, userSpace *vmm.AddressSpace) MemoryStats {
	frames := pmm.FrameStats()
	heapStats := heap.AllocStats()

	stats := MemoryStats{
		TotalFrames: frames.TotalFrames,
		FreeFrames:  frames.FreeFrames,
		UsedFrames:  frames.UsedFrames,

		HeapLiveBytes: heapStats.LiveBytes,
		HeapPeakBytes: heapStats.PeakBytes,
		HeapAllocs:    heapStats.Allocs,
		HeapFrees:     heapStats.Frees,

		KernelMappedPages: vmm.KernelSpace().Stats().MappedPages,

		TLBGeneration:   vmm.TLBGeneration(),
		PendingFlushes:  vmm.PendingFlushes(),
		TLBEntryFlushes: machine.TLBEntryFlushes(),
		TLBFullFlushes:  machine.TLBFullFlushes(),
	}

	for _, class := range slab.Stats() {
		stats.SlabClasses = append(stats.SlabClasses, SlabClassStats{
			ObjSize:      uint64(class.ObjSize),
			Slabs:        class.Slabs,
			TotalObjects: class.TotalObjects,
			FreeObjects:  class.FreeObjects,
			UsedObjects:  class.UsedObjects,
		})
	}

	if userSpace != nil {
		spaceStats := userSpace.Stats()
		stats.UserMappedPages = spaceStats.MappedPages
		stats.UserPageFaults = spaceStats.PageFaults
	}

	return stats
}
