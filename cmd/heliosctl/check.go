package main

import (
	"bytes"
	"fmt"
	"unsafe"

	"github.com/spf13/cobra"

	"helios/kernel"
	"helios/kernel/bootinfo"
	"helios/kernel/hal"
	"helios/kernel/hal/sim"
	"helios/kernel/kfmt"
	"helios/kernel/mm"
	"helios/kernel/mm/heap"
	"helios/kernel/mm/pmm"
	"helios/kernel/mm/slab"
	"helios/kernel/mm/vmm"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the allocator self-check suite",
	Long: `The check command verifies the invariants the memory managers promise:
frame accounting and conservation, rejection of impossible or corrupt
requests, page table round trips, slab free list reuse, copy-on-write fault
resolution and address space teardown.

The frame allocator checks run on a machine that is only booted far enough
for the frame allocator itself, so the exact bring-up frame counts can be
predicted. The remaining checks run against a fully booted kernel.

Example:
  heliosctl check
  heliosctl check --json
  heliosctl check --mem 64`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

type CheckResult struct {
	Name   string
	Passed bool
	Detail string
}

type CheckReport struct {
	Results []CheckResult
	Passed  int
	Failed  int
}

func runCheck(cmd *cobra.Command, args []string) error {
	results, err := checkFrameAllocator()
	if err != nil {
		return err
	}

	fullResults, err := checkFullStack()
	if err != nil {
		return err
	}
	results = append(results, fullResults...)

	report := CheckReport{Results: results}
	for _, r := range results {
		if r.Passed {
			report.Passed++
		} else {
			report.Failed++
		}
	}

	if jsonOut {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			mark := "ok  "
			if !r.Passed {
				mark = "FAIL"
			}
			printInfo("%s %s", mark, r.Name)
			if r.Detail != "" && (!r.Passed || verbose) {
				printInfo(" (%s)", r.Detail)
			}
			printInfo("\n")
		}
		printInfo("\n%d checks, %d failed\n", len(results), report.Failed)
	}

	if report.Failed > 0 {
		return fmt.Errorf("%d of %d checks failed", report.Failed, len(results))
	}
	return nil
}

// checkFrameAllocator boots a machine far enough for the frame allocator
// only. With nothing else running the exact frame counts after init are
// known, which the full bring-up would obscure by consuming frames for page
// tables and slab spans.
func checkFrameAllocator() ([]CheckResult, error) {
	machine, err := sim.New(sim.Config{MemSize: memMiB << 20})
	if err != nil {
		return nil, fmt.Errorf("creating machine: %s", err.Message)
	}
	defer machine.Close()
	hal.Register(machine)

	var log bytes.Buffer
	kfmt.SetOutputSink(&log)

	bootinfo.SetInfoPtr(uintptr(machine.PhysToVirt(machine.BootInfo())))
	if iErr := pmm.Init(pmm.DefaultReservedFrames); iErr != nil {
		return nil, fmt.Errorf("frame allocator init: %s", iErr.Message)
	}

	var results []CheckResult
	check := func(name string, passed bool, format string, args ...interface{}) {
		results = append(results, CheckResult{Name: name, Passed: passed, Detail: fmt.Sprintf(format, args...)})
	}

	totalFrames := machine.MemSize() >> mm.PageShift
	stats := pmm.FrameStats()
	check("frame accounting after init",
		stats.TotalFrames == totalFrames &&
			stats.UsedFrames == pmm.DefaultReservedFrames &&
			stats.FreeFrames == totalFrames-pmm.DefaultReservedFrames,
		"total %d, free %d, used %d", stats.TotalFrames, stats.FreeFrames, stats.UsedFrames)

	var frames [3]mm.Frame
	allocOK := true
	for i := range frames {
		frame, aErr := pmm.AllocFrame()
		if aErr != nil {
			allocOK = false
			break
		}
		frames[i] = frame
	}
	check("sequential allocations are distinct and ascending",
		allocOK &&
			frames[0] == mm.Frame(pmm.DefaultReservedFrames) &&
			frames[1] == frames[0]+1 &&
			frames[2] == frames[1]+1,
		"frames %d, %d, %d", frames[0], frames[1], frames[2])

	before := pmm.FrameStats()
	_, bigErr := pmm.AllocFrames(before.FreeFrames + 1)
	check("oversized contiguous request is rejected",
		bigErr != nil && bigErr.Kind == kernel.KindOutOfMemory && pmm.FrameStats() == before,
		"%v", bigErr)

	if allocOK {
		freeErr := pmm.FreeFrame(frames[2])
		before = pmm.FrameStats()
		dblErr := pmm.FreeFrame(frames[2])
		check("double free is detected",
			freeErr == nil && dblErr != nil && dblErr.Kind == kernel.KindCorruption && pmm.FrameStats() == before,
			"%v", dblErr)
	}

	oorErr := pmm.FreeFrame(mm.Frame(totalFrames))
	check("out of range frame is rejected",
		oorErr != nil && oorErr.Kind == kernel.KindInvalidArgument,
		"%v", oorErr)

	stats = pmm.FrameStats()
	check("frame conservation",
		stats.FreeFrames+stats.UsedFrames == stats.TotalFrames,
		"free %d + used %d vs total %d", stats.FreeFrames, stats.UsedFrames, stats.TotalFrames)

	return results, nil
}

// checkFullStack runs the paging, slab and heap checks against a fully
// booted kernel.
func checkFullStack() ([]CheckResult, error) {
	machine, _, err := bootKernel()
	if err != nil {
		return nil, err
	}
	defer machine.Close()

	var results []CheckResult
	check := func(name string, passed bool, format string, args ...interface{}) {
		results = append(results, CheckResult{Name: name, Passed: passed, Detail: fmt.Sprintf(format, args...)})
	}

	ks := vmm.KernelSpace()

	// Map, translate, unmap round trip on a page nothing else uses.
	page := mm.PageFromAddress(vmm.KernelSpaceStart + (uintptr(1) << 30))
	roundTrip := false
	unmapGone := false
	if frame, aErr := pmm.AllocFrame(); aErr == nil {
		if mErr := ks.Map(page, frame, vmm.FlagRW); mErr == nil {
			physAddr, tErr := ks.Translate(page.Address() + 0x7ff)
			roundTrip = tErr == nil && physAddr == frame.Address()+0x7ff

			if uErr := ks.Unmap(page); uErr == nil {
				_, tErr = ks.Translate(page.Address())
				unmapGone = tErr == vmm.ErrInvalidMapping
			}
			pmm.FreeFrame(frame)
		}
	}
	check("map/translate round trip", roundTrip, "page 0x%x", page.Address())
	check("translation stops after unmap", unmapGone, "page 0x%x", page.Address())

	// The slab free list hands back the most recently freed object.
	lifoOK := false
	first, e1 := slab.Alloc(64)
	second, e2 := slab.Alloc(64)
	if e1 == nil && e2 == nil {
		if fErr := slab.Free(first, 64); fErr == nil {
			third, e3 := slab.Alloc(64)
			lifoOK = e3 == nil && third == first
			if e3 == nil {
				slab.Free(third, 64)
			}
		}
		slab.Free(second, 64)
	}
	check("slab free list is reused in LIFO order", lifoOK, "object 0x%x", first)

	// Heap blocks keep their contents across a realloc.
	heapOK := false
	if ptr, hErr := heap.Alloc(48); hErr == nil {
		for i := uintptr(0); i < 48; i++ {
			*(*byte)(unsafe.Pointer(ptr + i)) = byte(i)
		}
		if newPtr, rErr := heap.Realloc(ptr, 48, 300); rErr == nil {
			heapOK = true
			for i := uintptr(0); i < 48; i++ {
				if *(*byte)(unsafe.Pointer(newPtr + i)) != byte(i) {
					heapOK = false
					break
				}
			}
			heap.Free(newPtr, 300)
		}
	}
	check("realloc preserves contents", heapOK, "")

	// A fresh user space shares the kernel root entries, so the first user
	// mapping must allocate the three missing table levels and nothing else.
	tablesOK := false
	cowOK := false
	teardownOK := false
	if us, cErr := vmm.CreateSpace(false); cErr == nil {
		if leaf, lErr := pmm.AllocFrame(); lErr == nil {
			usedBefore := pmm.FrameStats().UsedFrames
			mErr := us.Map(mm.PageFromAddress(vmm.UserSpaceStart), leaf, vmm.FlagRW|vmm.FlagUserAccessible)
			tablesOK = mErr == nil && pmm.FrameStats().UsedFrames == usedBefore+3
		}

		cowPage := mm.PageFromAddress(vmm.UserSpaceStart + (uintptr(1) << 21))
		if mErr := us.Map(cowPage, vmm.ReservedZeroedFrame, vmm.FlagCopyOnWrite|vmm.FlagUserAccessible); mErr == nil {
			vmm.HandleFault(us, cowPage.Address(), 3)
			physAddr, tErr := us.Translate(cowPage.Address())
			cowOK = tErr == nil && physAddr != vmm.ReservedZeroedFrame.Address()
		}

		freeBefore := pmm.FrameStats().FreeFrames
		if dErr := us.Destroy(); dErr == nil {
			after := pmm.FrameStats()
			teardownOK = after.FreeFrames > freeBefore &&
				after.FreeFrames+after.UsedFrames == after.TotalFrames
		}
	}
	check("user mapping allocates exactly the three table levels", tablesOK, "")
	check("copy-on-write fault breaks the shared frame", cowOK, "")
	check("space teardown returns its frames", teardownOK, "")

	return results, nil
}
