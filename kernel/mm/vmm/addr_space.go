package vmm

import (
	"sync/atomic"

	"helios/kernel"
	"helios/kernel/hal"
	"helios/kernel/klog"
	"helios/kernel/mm"
	"helios/kernel/sync"
)

var (
	errKernelSpaceDestroy = &kernel.Error{Module: "vmm", Kind: kernel.KindInvalidArgument, Message: "the kernel address space cannot be destroyed"}
	errZeroPageCount      = &kernel.Error{Module: "vmm", Kind: kernel.KindInvalidArgument, Message: "page count must be greater than zero"}
	errNoVirtualSpace     = &kernel.Error{Module: "vmm", Kind: kernel.KindOutOfMemory, Message: "no free virtual address range large enough for the request"}
)

// AddressSpace represents one page table hierarchy together with the
// virtual address range its mappings are confined to. The kernel owns a
// single space whose upper root table half is shared with every user space;
// user spaces are reference counted and release all their frames back to
// the frame allocator when destroyed.
type AddressSpace struct {
	lock sync.Spinlock

	rootFrame mm.Frame
	start     uintptr
	end       uintptr
	kernel    bool

	refCount    int32
	mappedPages uint64
	pageFaults  uint64
}

// SpaceStats groups the usage counters of an address space.
type SpaceStats struct {
	RootFrame   mm.Frame
	Kernel      bool
	Start       uintptr
	End         uintptr
	MappedPages uint64
	PageFaults  uint64
}

// CreateSpace returns the kernel address space when kernelSpaceWanted is
// set. Otherwise it allocates a fresh user address space whose root table
// shares the kernel half of the kernel root so that kernel code keeps
// running after a switch to the new space. The lower half starts out empty.
func CreateSpace(kernelSpaceWanted bool) (*AddressSpace, *kernel.Error) {
	if kernelSpace == nil {
		return nil, errNotInitialized
	}

	if kernelSpaceWanted {
		return kernelSpace, nil
	}

	rootFrame, err := mm.AllocFrame()
	if err != nil {
		klog.Errorf("vmm", "cannot allocate root table for new address space: %s", err.Message)
		return nil, err
	}
	zeroTable(rootFrame)

	space := &AddressSpace{
		rootFrame: rootFrame,
		start:     UserSpaceStart,
		end:       UserSpaceEnd,
		refCount:  1,
	}

	kernelSpace.lock.Acquire()
	src := tablePtrFn(kernelSpace.rootFrame)
	dst := tablePtrFn(rootFrame)
	for entryIndex := kernelUpperHalfStart; entryIndex < pageTableEntries; entryIndex++ {
		dst[entryIndex] = src[entryIndex]
	}
	kernelSpace.lock.Release()

	klog.Debugf("vmm", "created user address space: root frame %d", uint64(rootFrame))
	return space, nil
}

// Retain increments the reference count of this address space. Each Retain
// call must be balanced by a Destroy call.
func (s *AddressSpace) Retain() {
	atomic.AddInt32(&s.refCount, 1)
}

// Destroy drops one reference to this address space. When the last
// reference is dropped, every frame reachable through the user half of the
// hierarchy is released back to the frame allocator together with the
// tables themselves and the root. The kernel address space cannot be
// destroyed.
func (s *AddressSpace) Destroy() *kernel.Error {
	if s.kernel {
		return errKernelSpaceDestroy
	}

	remaining := atomic.AddInt32(&s.refCount, -1)
	if remaining > 0 {
		return nil
	}
	if remaining < 0 {
		klog.Warningf("vmm", "destroy of an already destroyed address space")
		return nil
	}

	s.lock.Acquire()
	released := s.teardown()
	s.lock.Release()

	klog.Debugf("vmm", "destroyed address space: released %d frames", released)
	return nil
}

// teardown releases every frame reachable through the user half of the
// hierarchy and returns the number of frames handed back to the allocator.
// The caller must hold the space lock.
func (s *AddressSpace) teardown() uint64 {
	var released uint64

	root := tablePtrFn(s.rootFrame)
	for entryIndex := 0; entryIndex < kernelUpperHalfStart; entryIndex++ {
		released += s.releaseEntry(&root[entryIndex], 0)
	}

	if mm.FreeFrame(s.rootFrame) == nil {
		released++
	}

	return released
}

// releaseEntry releases every frame reachable through the given entry at
// the given level, including the table frames themselves, and returns the
// number of frames released. The shared zeroed frame is skipped.
func (s *AddressSpace) releaseEntry(pte *pageTableEntry, level uint8) uint64 {
	if !pte.HasFlags(FlagPresent) {
		return 0
	}

	frame := pte.Frame()

	if level == pageLevels-1 || pte.HasFlags(FlagHugePage) {
		if level != pageLevels-1 {
			klog.Warningf("vmm", "address space teardown: releasing huge-page leaf at level %d", level)
		}
		if protectReservedZeroedPage && frame == ReservedZeroedFrame {
			return 0
		}
		if mm.FreeFrame(frame) == nil {
			return 1
		}
		return 0
	}

	var released uint64
	table := tablePtrFn(frame)
	for entryIndex := 0; entryIndex < pageTableEntries; entryIndex++ {
		released += s.releaseEntry(&table[entryIndex], level+1)
	}

	if mm.FreeFrame(frame) == nil {
		released++
	}

	return released
}

// Activate switches the CPU to the page table hierarchy of this address
// space.
func (s *AddressSpace) Activate() {
	hal.SwitchPageTable(s.rootFrame.Address())
}

// RootFrame returns the physical frame holding the root table of this
// address space.
func (s *AddressSpace) RootFrame() mm.Frame {
	return s.rootFrame
}

// IsKernel returns true if this is the kernel address space.
func (s *AddressSpace) IsKernel() bool {
	return s.kernel
}

// Range returns the inclusive start and exclusive end of the virtual
// address range managed by this address space.
func (s *AddressSpace) Range() (uintptr, uintptr) {
	return s.start, s.end
}

// Stats returns a snapshot of the usage counters of this address space.
func (s *AddressSpace) Stats() SpaceStats {
	s.lock.Acquire()
	stats := SpaceStats{
		RootFrame:   s.rootFrame,
		Kernel:      s.kernel,
		Start:       s.start,
		End:         s.end,
		MappedPages: s.mappedPages,
		PageFaults:  atomic.LoadUint64(&s.pageFaults),
	}
	s.lock.Release()

	return stats
}
