package pmm

import (
	"math/bits"
	"unsafe"

	"helios/kernel"
	"helios/kernel/bootinfo"
	"helios/kernel/hal"
	"helios/kernel/klog"
	"helios/kernel/mm"
	"helios/kernel/sync"
)

var (
	errOutOfMemory      = &kernel.Error{Module: "pmm", Kind: kernel.KindOutOfMemory, Message: "out of physical memory"}
	errZeroFrameCount   = &kernel.Error{Module: "pmm", Kind: kernel.KindInvalidArgument, Message: "frame count must be greater than zero"}
	errFrameOutOfRange  = &kernel.Error{Module: "pmm", Kind: kernel.KindInvalidArgument, Message: "frame is not managed by this allocator"}
	errDoubleFree       = &kernel.Error{Module: "pmm", Kind: kernel.KindCorruption, Message: "frame is already free"}
	errNoUsableMemory   = &kernel.Error{Module: "pmm", Kind: kernel.KindInternal, Message: "no usable memory regions reported"}
	errReservedTooSmall = &kernel.Error{Module: "pmm", Kind: kernel.KindInternal, Message: "reserved prefix cannot hold the frame bitmap"}
)

// Stats describes a point-in-time snapshot of the allocator counters.
type Stats struct {
	// TotalFrames is the number of frames tracked by the allocator.
	TotalFrames uint64

	// FreeFrames is the number of frames available for allocation.
	FreeFrames uint64

	// UsedFrames is the number of frames currently reserved or allocated.
	UsedFrames uint64
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations using a bitmap spanning all of the machine's physical memory.
// Each bit corresponds to one frame; a set bit marks the frame as allocated
// or otherwise unavailable.
//
// The bitmap storage itself is carved out of the tail of the boot-reserved
// frame prefix. As the prefix is already marked as used, the allocator never
// hands out the frames that back its own bookkeeping and needs no secondary
// allocator to bootstrap itself.
type BitmapAllocator struct {
	lock sync.Spinlock

	// bitmap tracks the allocation status of each frame. Bit i of word
	// i/64 corresponds to frame i; trailing bits past totalFrames are
	// permanently set so scans cannot step outside the managed range.
	bitmap []uint64

	// totalFrames tracks the number of frames up to the end of the
	// highest usable memory region.
	totalFrames uint64

	// freeFrames tracks the number of unallocated frames. The invariant
	// freeFrames + usedFrames == totalFrames holds at all times.
	freeFrames uint64

	// reservedFrames is the length of the boot-reserved prefix that was
	// marked as used at initialization time.
	reservedFrames uint64

	// firstFreeHint caches the lowest frame that may be free. No free
	// frame ever exists below the hint, which makes the common
	// allocate/free/allocate pattern effectively O(1).
	firstFreeHint mm.Frame
}

// init scans the memory regions reported by the boot stage, overlays the
// frame bitmap onto the tail of the reserved prefix and marks every
// non-usable region as well as the first reservedFrames frames as allocated.
func (alloc *BitmapAllocator) init(reservedFrames uint64) *kernel.Error {
	pageSizeMinus1 := uint64(mm.PageSize - 1)

	alloc.totalFrames = 0
	bootinfo.VisitMemRegions(func(region *bootinfo.MemRegion) bool {
		if region.Type != bootinfo.MemUsable || region.Length < uint64(mm.PageSize) {
			return true
		}

		endFrame := ((region.PhysAddress + region.Length) & ^pageSizeMinus1) >> mm.PageShift
		if endFrame > alloc.totalFrames {
			alloc.totalFrames = endFrame
		}
		return true
	})

	if alloc.totalFrames == 0 || reservedFrames >= alloc.totalFrames {
		return errNoUsableMemory
	}

	// The bitmap occupies the last frames of the reserved prefix; the
	// prefix must be long enough to hold it on top of the boot structures
	// that live at its start.
	bitmapWords := (alloc.totalFrames + 63) >> 6
	bitmapFrames := ((bitmapWords << mm.PointerShift) + pageSizeMinus1) >> mm.PageShift
	if reservedFrames < bitmapFrames {
		return errReservedTooSmall
	}

	bitmapFrame := mm.Frame(reservedFrames - bitmapFrames)
	bitmapStart := uintptr(hal.PhysToVirt(bitmapFrame.Address()))
	bitmapEnd := bitmapStart + uintptr(bitmapWords<<mm.PointerShift)

	// Overlaying the bitmap on top of the boot info block would destroy
	// the memory map while it is still being consumed.
	if infoStart, infoSize := bootinfo.InfoRegion(); infoStart < bitmapEnd && infoStart+uintptr(infoSize) > bitmapStart {
		return errReservedTooSmall
	}

	alloc.bitmap = unsafe.Slice((*uint64)(unsafe.Pointer(bitmapStart)), int(bitmapWords))

	// Flag everything as unavailable and then clear the bits backed by a
	// usable region. Gaps between regions keep their set bits and are
	// never handed out.
	for i := range alloc.bitmap {
		alloc.bitmap[i] = ^uint64(0)
	}

	bootinfo.VisitMemRegions(func(region *bootinfo.MemRegion) bool {
		if region.Type != bootinfo.MemUsable || region.Length < uint64(mm.PageSize) {
			return true
		}

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame.
		startFrame := mm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
		endFrame := mm.Frame(((region.PhysAddress + region.Length) & ^pageSizeMinus1) >> mm.PageShift)
		for frame := startFrame; frame < endFrame; frame++ {
			alloc.markFree(frame)
		}
		return true
	})

	for frame := mm.Frame(0); uint64(frame) < reservedFrames; frame++ {
		alloc.markUsed(frame)
	}

	for frame := mm.Frame(alloc.totalFrames); frame < mm.Frame(bitmapWords<<6); frame++ {
		alloc.markUsed(frame)
	}

	alloc.freeFrames = 0
	for _, word := range alloc.bitmap {
		alloc.freeFrames += uint64(bits.OnesCount64(^word))
	}

	alloc.reservedFrames = reservedFrames
	alloc.firstFreeHint = mm.Frame(reservedFrames)
	return nil
}

// printMemoryMap scans the memory region information provided by the boot
// stage and prints out the system memory map together with the allocator
// placement summary.
func (alloc *BitmapAllocator) printMemoryMap() {
	klog.Infof("pmm", "system memory map:")
	var totalFree uint64
	bootinfo.VisitMemRegions(func(region *bootinfo.MemRegion) bool {
		klog.Infof("pmm", "  [0x%10x - 0x%10x], size: %10d, type: %s",
			region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == bootinfo.MemUsable {
			totalFree += region.Length
		}
		return true
	})
	klog.Infof("pmm", "usable memory: %dKb", totalFree/uint64(mm.Kb))
	klog.Infof("pmm", "managing %d frames; %d boot-reserved, %d free",
		alloc.totalFrames, alloc.reservedFrames, alloc.freeFrames)
}

func (alloc *BitmapAllocator) markUsed(frame mm.Frame) {
	alloc.bitmap[frame>>6] |= 1 << (frame & 63)
}

func (alloc *BitmapAllocator) markFree(frame mm.Frame) {
	alloc.bitmap[frame>>6] &^= 1 << (frame & 63)
}

func (alloc *BitmapAllocator) isFree(frame mm.Frame) bool {
	return alloc.bitmap[frame>>6]&(1<<(frame&63)) == 0
}

// AllocFrame reserves the first free frame at or above the free hint and
// returns it. The scan skips fully allocated bitmap words; as no free frame
// exists below the hint, the first clear bit found is always the lowest free
// frame.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.lock.Acquire()

	if alloc.freeFrames == 0 {
		alloc.lock.Release()
		return mm.InvalidFrame, errOutOfMemory
	}

	for wordIndex := int(alloc.firstFreeHint >> 6); wordIndex < len(alloc.bitmap); wordIndex++ {
		if alloc.bitmap[wordIndex] == ^uint64(0) {
			continue
		}

		bitIndex := bits.TrailingZeros64(^alloc.bitmap[wordIndex])
		frame := mm.Frame(wordIndex<<6 + bitIndex)
		alloc.bitmap[wordIndex] |= 1 << uint(bitIndex)
		alloc.freeFrames--
		if frame == alloc.firstFreeHint {
			alloc.firstFreeHint = frame + 1
		}

		alloc.lock.Release()
		return frame, nil
	}

	alloc.lock.Release()
	return mm.InvalidFrame, errOutOfMemory
}

// AllocFrames reserves a contiguous run of count frames using a first-fit
// scan and returns the first frame in the run. Either the entire run is
// marked as allocated or, if no suitable run exists, the bitmap is left
// untouched. The scan cost is linear in the bitmap size; callers needing
// physically contiguous memory are expected to be rare.
func (alloc *BitmapAllocator) AllocFrames(count uint64) (mm.Frame, *kernel.Error) {
	if count == 0 {
		return mm.InvalidFrame, errZeroFrameCount
	} else if count == 1 {
		return alloc.AllocFrame()
	}

	alloc.lock.Acquire()

	if count > alloc.freeFrames {
		alloc.lock.Release()
		klog.Errorf("pmm", "cannot allocate %d contiguous frames; %d free", count, alloc.freeFrames)
		return mm.InvalidFrame, errOutOfMemory
	}

	for start := alloc.firstFreeHint; uint64(start)+count <= alloc.totalFrames; start++ {
		runFree := true
		for i := uint64(0); i < count; i++ {
			if !alloc.isFree(start + mm.Frame(i)) {
				runFree = false
				break
			}
		}

		if !runFree {
			continue
		}

		for i := uint64(0); i < count; i++ {
			alloc.markUsed(start + mm.Frame(i))
		}
		alloc.freeFrames -= count

		alloc.lock.Release()
		return start, nil
	}

	alloc.lock.Release()
	klog.Errorf("pmm", "cannot allocate %d contiguous frames; free memory is fragmented", count)
	return mm.InvalidFrame, errOutOfMemory
}

// FreeFrame releases a previously allocated frame. Freeing a frame outside
// the managed range or a frame that is already free is reported and rejected
// without touching the allocator counters.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	alloc.lock.Acquire()

	if uint64(frame) >= alloc.totalFrames {
		alloc.lock.Release()
		klog.Errorf("pmm", "attempt to free out of range frame %d", uint64(frame))
		return errFrameOutOfRange
	}

	if alloc.isFree(frame) {
		alloc.lock.Release()
		klog.Warningf("pmm", "attempt to free already free frame %d", uint64(frame))
		return errDoubleFree
	}

	alloc.markFree(frame)
	alloc.freeFrames++
	if frame < alloc.firstFreeHint {
		alloc.firstFreeHint = frame
	}

	alloc.lock.Release()
	return nil
}

// FreeFrames releases count frames starting at frame. Each frame is released
// individually; the frames need not have been allocated as one contiguous
// run. Errors do not stop the scan so that one corrupt entry cannot leak the
// remaining frames; the first error encountered is returned.
func (alloc *BitmapAllocator) FreeFrames(frame mm.Frame, count uint64) *kernel.Error {
	if count == 0 {
		return errZeroFrameCount
	}

	var firstErr *kernel.Error
	for i := uint64(0); i < count; i++ {
		if err := alloc.FreeFrame(frame + mm.Frame(i)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns a snapshot of the allocator counters.
func (alloc *BitmapAllocator) Stats() Stats {
	alloc.lock.Acquire()
	snapshot := Stats{
		TotalFrames: alloc.totalFrames,
		FreeFrames:  alloc.freeFrames,
		UsedFrames:  alloc.totalFrames - alloc.freeFrames,
	}
	alloc.lock.Release()
	return snapshot
}
