package main

import (
	"testing"
)

func TestWorkloadProducesDeterministicCounters(t *testing.T) {
	machine, _, err := bootKernel()
	if err != nil {
		t.Fatal(err)
	}
	defer machine.Close()

	userSpace, err := runWorkload()
	if err != nil {
		t.Fatal(err)
	}

	stats := collectStats(machine, userSpace)

	// Four pages allocated, two freed, plus the copy-on-write page.
	if exp, got := uint64(3), stats.UserMappedPages; got != exp {
		t.Fatalf("expected %d user mapped pages; got %d", exp, got)
	}
	if exp, got := uint64(1), stats.UserPageFaults; got != exp {
		t.Fatalf("expected %d user page fault; got %d", exp, got)
	}

	if stats.HeapLiveBytes == 0 {
		t.Fatal("expected live heap bytes after the workload")
	}
	if stats.HeapAllocs <= stats.HeapFrees {
		t.Fatalf("expected more allocations than frees; got %d allocs, %d frees",
			stats.HeapAllocs, stats.HeapFrees)
	}

	// The sweep touches every size class at least once.
	for _, class := range stats.SlabClasses {
		if class.Slabs == 0 {
			t.Fatalf("expected at least one slab in the %d byte class", class.ObjSize)
		}
	}

	if stats.TLBEntryFlushes == 0 {
		t.Fatal("expected the workload to trigger TLB entry flushes")
	}
	if stats.FreeFrames+stats.UsedFrames != stats.TotalFrames {
		t.Fatalf("frame counters do not add up: %d free + %d used != %d total",
			stats.FreeFrames, stats.UsedFrames, stats.TotalFrames)
	}
}
