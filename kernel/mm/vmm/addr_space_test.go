package vmm

import (
	"testing"

	"helios/kernel/hal"
	"helios/kernel/mm"
	"helios/kernel/mm/pmm"
)

func TestCreateSpaceSharesKernelHalf(t *testing.T) {
	newTestEnv(t)
	ks := KernelSpace()

	// Install a kernel mapping so the shared half has a live entry.
	frame, err := mm.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if mapErr := ks.Map(mm.PageFromAddress(KernelSpaceStart), frame, FlagRW); mapErr != nil {
		t.Fatal(mapErr)
	}

	if got, createErr := CreateSpace(true); createErr != nil || got != ks {
		t.Fatalf("expected CreateSpace(true) to return the kernel space; got %p (err: %v)", got, createErr)
	}

	us, err := CreateSpace(false)
	if err != nil {
		t.Fatal(err)
	}

	if us.IsKernel() {
		t.Fatal("expected the new space to not be tagged as kernel")
	}
	if start, end := us.Range(); start != UserSpaceStart || end != UserSpaceEnd {
		t.Fatalf("expected the user range [0x%x, 0x%x); got [0x%x, 0x%x)", UserSpaceStart, UserSpaceEnd, start, end)
	}

	stats := us.Stats()
	if stats.RootFrame != us.RootFrame() || stats.Kernel || stats.Start != UserSpaceStart || stats.MappedPages != 0 {
		t.Fatalf("unexpected stats snapshot for a fresh space: %+v", stats)
	}

	ksRoot := tablePtrFn(ks.RootFrame())
	usRoot := tablePtrFn(us.RootFrame())

	for entryIndex := 0; entryIndex < pageTableEntries; entryIndex++ {
		if entryIndex < kernelUpperHalfStart {
			if usRoot[entryIndex] != 0 {
				t.Fatalf("expected user half entry %d to start out empty; got 0x%x", entryIndex, uintptr(usRoot[entryIndex]))
			}
			continue
		}
		if usRoot[entryIndex] != ksRoot[entryIndex] {
			t.Fatalf("expected kernel half entry %d to be shared with the kernel root", entryIndex)
		}
	}

	// Kernel mappings resolve through the new space as well.
	physAddr, tErr := us.Translate(KernelSpaceStart)
	if tErr != nil || physAddr != frame.Address() {
		t.Fatalf("expected the kernel mapping to be visible through the user space; got 0x%x (err: %v)", physAddr, tErr)
	}
}

func TestCreateSpaceBeforeInit(t *testing.T) {
	prevSpace := kernelSpace
	kernelSpace = nil
	defer func() { kernelSpace = prevSpace }()

	if _, got := CreateSpace(false); got != errNotInitialized {
		t.Fatalf("expected errNotInitialized; got %v", got)
	}
	if _, got := CreateSpace(true); got != errNotInitialized {
		t.Fatalf("expected errNotInitialized; got %v", got)
	}
}

func TestDestroyReleasesSpaceFrames(t *testing.T) {
	newTestEnv(t)

	statsBefore := pmm.FrameStats()

	us, err := CreateSpace(false)
	if err != nil {
		t.Fatal(err)
	}

	if _, err = us.AllocPages(8, FlagRW|FlagUserAccessible); err != nil {
		t.Fatal(err)
	}

	// The root, three intermediate tables and eight leaf frames.
	if exp, got := statsBefore.UsedFrames+12, pmm.FrameStats().UsedFrames; got != exp {
		t.Fatalf("expected used frame count %d; got %d", exp, got)
	}

	if destroyErr := us.Destroy(); destroyErr != nil {
		t.Fatal(destroyErr)
	}

	if got, exp := pmm.FrameStats(), statsBefore; got != exp {
		t.Fatalf("expected frame counters to return to %+v; got %+v", exp, got)
	}

	if got := KernelSpace().Destroy(); got != errKernelSpaceDestroy {
		t.Fatalf("expected the kernel space to refuse destruction; got %v", got)
	}
}

func TestDestroyHonorsRetain(t *testing.T) {
	newTestEnv(t)

	statsBefore := pmm.FrameStats()

	us, err := CreateSpace(false)
	if err != nil {
		t.Fatal(err)
	}

	page, err := us.AllocPages(1, FlagRW|FlagUserAccessible)
	if err != nil {
		t.Fatal(err)
	}

	us.Retain()

	if destroyErr := us.Destroy(); destroyErr != nil {
		t.Fatal(destroyErr)
	}

	// The extra reference keeps the space alive.
	if !us.IsValidAddr(page.Address()) {
		t.Fatal("expected the mapping to survive the first destroy")
	}

	if destroyErr := us.Destroy(); destroyErr != nil {
		t.Fatal(destroyErr)
	}

	if got, exp := pmm.FrameStats(), statsBefore; got != exp {
		t.Fatalf("expected frame counters to return to %+v; got %+v", exp, got)
	}

	// Dropping yet another reference must not tear down a second time.
	if destroyErr := us.Destroy(); destroyErr != nil {
		t.Fatal(destroyErr)
	}
	if got, exp := pmm.FrameStats(), statsBefore; got != exp {
		t.Fatalf("expected the extra destroy to be a no-op; counters %+v; got %+v", exp, got)
	}
}

func TestDestroySkipsSharedZeroedFrame(t *testing.T) {
	newTestEnv(t)

	statsBefore := pmm.FrameStats()

	us, err := CreateSpace(false)
	if err != nil {
		t.Fatal(err)
	}

	if mapErr := us.Map(mm.PageFromAddress(UserSpaceStart), ReservedZeroedFrame, FlagCopyOnWrite|FlagUserAccessible); mapErr != nil {
		t.Fatal(mapErr)
	}

	if destroyErr := us.Destroy(); destroyErr != nil {
		t.Fatal(destroyErr)
	}

	// Only the root and the tables return to the allocator; the shared
	// zeroed frame predates the baseline and must still be allocated.
	if got, exp := pmm.FrameStats(), statsBefore; got != exp {
		t.Fatalf("expected frame counters to return to %+v; got %+v", exp, got)
	}

	if got := *(*byte)(hal.PhysToVirt(ReservedZeroedFrame.Address())); got != 0 {
		t.Fatalf("expected the shared zeroed frame to stay intact; got 0x%x", got)
	}
}
