package vmm

import (
	"testing"

	"helios/kernel/mm"
	"helios/kernel/mm/pmm"
)

func TestInspectMappedAddress(t *testing.T) {
	newTestEnv(t)

	ks := KernelSpace()
	page := mm.PageFromAddress(KernelSpaceStart)

	frame, err := pmm.AllocFrame()
	if err != nil {
		t.Fatalf("alloc frame: %s", err.Message)
	}
	if mErr := ks.Map(page, frame, FlagRW|FlagNoExecute); mErr != nil {
		t.Fatalf("map: %s", mErr.Message)
	}

	levels, visited, iErr := ks.Inspect(page.Address() + 0x123)
	if iErr != nil {
		t.Fatalf("inspect: %s", iErr.Message)
	}
	if exp := pageLevels; visited != exp {
		t.Fatalf("expected %d visited levels; got %d", exp, visited)
	}

	for level := 0; level < visited; level++ {
		info := levels[level]
		if exp, got := uint8(level), info.Level; got != exp {
			t.Fatalf("expected level %d; got %d", exp, got)
		}
		if exp, got := uint16((page.Address()>>pageLevelShifts[level])&(pageTableEntries-1)), info.Index; got != exp {
			t.Fatalf("level %d: expected index %d; got %d", level, exp, got)
		}
		if !info.Present {
			t.Fatalf("level %d: expected a present entry", level)
		}
		if info.Huge {
			t.Fatalf("level %d: expected no huge-page leaf", level)
		}
	}

	leaf := levels[pageLevels-1]
	if exp, got := frame, leaf.Frame; got != exp {
		t.Fatalf("expected leaf frame %d; got %d", uint64(exp), uint64(got))
	}
	if exp := FlagPresent | FlagRW | FlagNoExecute; leaf.Flags&exp != exp {
		t.Fatalf("expected leaf flags to contain present|rw|nx; got 0x%x", uint64(leaf.Flags))
	}
}

func TestInspectStopsAtAbsentEntry(t *testing.T) {
	newTestEnv(t)

	ks := KernelSpace()
	page := mm.PageFromAddress(KernelSpaceStart)

	frame, err := pmm.AllocFrame()
	if err != nil {
		t.Fatalf("alloc frame: %s", err.Message)
	}
	if mErr := ks.Map(page, frame, FlagRW); mErr != nil {
		t.Fatalf("map: %s", mErr.Message)
	}

	// One gigabyte up shares the root entry but selects an absent
	// second-level entry.
	levels, visited, iErr := ks.Inspect(KernelSpaceStart + (uintptr(1) << 30))
	if iErr != nil {
		t.Fatalf("inspect: %s", iErr.Message)
	}
	if exp := 2; visited != exp {
		t.Fatalf("expected the walk to stop after %d levels; got %d", exp, visited)
	}
	if !levels[0].Present {
		t.Fatal("expected the root entry to be present")
	}
	if levels[1].Present {
		t.Fatal("expected the second-level entry to be absent")
	}
}

func TestInspectRejectsNonCanonical(t *testing.T) {
	newTestEnv(t)

	if _, _, iErr := KernelSpace().Inspect(uintptr(1) << 47); iErr != errNotCanonical {
		t.Fatalf("expected errNotCanonical; got %v", iErr)
	}
}

func TestInspectHugePageLeaf(t *testing.T) {
	var fakeTables [pageLevels]pageTable

	prevTablePtrFn := tablePtrFn
	defer func() { tablePtrFn = prevTablePtrFn }()
	tablePtrFn = func(frame mm.Frame) *pageTable {
		return &fakeTables[int(frame)]
	}

	virtAddr := KernelSpaceStart + 0x1234

	link := &fakeTables[0][(virtAddr>>pageLevelShifts[0])&(pageTableEntries-1)]
	link.SetFrame(mm.Frame(1))
	link.SetFlags(FlagPresent | FlagRW)

	leaf := &fakeTables[1][(virtAddr>>pageLevelShifts[1])&(pageTableEntries-1)]
	leaf.SetFrame(mm.Frame(0x40000))
	leaf.SetFlags(FlagPresent | FlagRW | FlagHugePage)

	space := &AddressSpace{rootFrame: 0, start: 0, end: ^uintptr(0)}

	levels, visited, iErr := space.Inspect(virtAddr)
	if iErr != nil {
		t.Fatalf("inspect: %s", iErr.Message)
	}
	if exp := 2; visited != exp {
		t.Fatalf("expected the walk to stop at the huge leaf after %d levels; got %d", exp, visited)
	}
	if !levels[1].Present || !levels[1].Huge {
		t.Fatal("expected a present huge-page leaf at the second level")
	}
	if exp, got := mm.Frame(0x40000), levels[1].Frame; got != exp {
		t.Fatalf("expected huge leaf frame %d; got %d", uint64(exp), uint64(got))
	}
}
