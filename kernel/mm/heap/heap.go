// Package heap implements the kernel's allocation facade. Requests up to
// the largest slab class are routed to the slab allocator; anything bigger
// is served with contiguous physical frames. The facade also keeps the
// running counters behind the kernel's memory statistics.
//
// Allocations carry no header: callers supply the allocation size again
// when freeing, and that size alone picks the release path. Freeing with a
// different size routes the pointer to the wrong allocator and is reported
// as corruption by the layer that detects it.
package heap

import (
	"sync/atomic"

	"helios/kernel"
	"helios/kernel/hal"
	"helios/kernel/klog"
	"helios/kernel/mm"
	"helios/kernel/mm/pmm"
	"helios/kernel/mm/slab"
)

var (
	errNotInitialized = &kernel.Error{Module: "heap", Kind: kernel.KindInternal, Message: "allocation facade not initialized"}
	errZeroSize       = &kernel.Error{Module: "heap", Kind: kernel.KindInvalidArgument, Message: "zero-size allocation"}
	errNilPointer     = &kernel.Error{Module: "heap", Kind: kernel.KindInvalidArgument, Message: "free of a nil pointer"}
	errMisalignedPtr  = &kernel.Error{Module: "heap", Kind: kernel.KindInvalidArgument, Message: "frame-backed pointer is not page-aligned"}
)

// Stats is a point-in-time snapshot of the facade counters. Byte counts
// measure the memory actually reserved for a request, its slab class size
// or its whole-frame span, not the size the caller asked for.
type Stats struct {
	// LiveBytes is the amount of memory currently handed out.
	LiveBytes uint64

	// PeakBytes is the largest value LiveBytes has reached.
	PeakBytes uint64

	// Allocs is the number of allocations served.
	Allocs uint64

	// Frees is the number of allocations released.
	Frees uint64
}

var (
	initialized bool

	liveBytes uint64
	peakBytes uint64
	allocs    uint64
	frees     uint64
)

// Init resets the facade counters and marks the facade ready. The physical
// memory manager and the slab allocator must be initialized first.
func Init() {
	atomic.StoreUint64(&liveBytes, 0)
	atomic.StoreUint64(&peakBytes, 0)
	atomic.StoreUint64(&allocs, 0)
	atomic.StoreUint64(&frees, 0)
	initialized = true

	klog.Infof("heap", "allocation facade ready: slab classes up to %d bytes, whole frames beyond", slab.MaxObjectSize)
}

// Alloc reserves at least size bytes of kernel memory and returns the
// virtual address of the reservation. The memory is not zeroed.
func Alloc(size uintptr) (uintptr, *kernel.Error) {
	if !initialized {
		return 0, errNotInitialized
	}
	if size == 0 {
		return 0, errZeroSize
	}

	if classSize, ok := slab.ClassSize(size); ok {
		ptr, err := slab.Alloc(size)
		if err != nil {
			return 0, err
		}
		noteAlloc(uint64(classSize))
		return ptr, nil
	}

	frameCount := frameSpan(size)
	frame, err := pmm.AllocFrames(frameCount)
	if err != nil {
		return 0, err
	}
	noteAlloc(frameCount << mm.PageShift)
	return uintptr(hal.PhysToVirt(frame.Address())), nil
}

// Free releases the allocation at ptr. The size must be the value passed
// to Alloc for that pointer; it alone decides whether ptr goes back to the
// slab allocator or to the frame allocator.
func Free(ptr, size uintptr) *kernel.Error {
	if !initialized {
		return errNotInitialized
	}
	if ptr == 0 {
		return errNilPointer
	}
	if size == 0 {
		return errZeroSize
	}

	if classSize, ok := slab.ClassSize(size); ok {
		if err := slab.Free(ptr, size); err != nil {
			return err
		}
		noteFree(uint64(classSize))
		return nil
	}

	if ptr&(mm.PageSize-1) != 0 {
		klog.Errorf("heap", "free of a frame-backed allocation at unaligned address 0x%x", ptr)
		return errMisalignedPtr
	}

	frameCount := frameSpan(size)
	if err := pmm.FreeFrames(mm.FrameFromAddress(hal.VirtToPhys(ptr)), frameCount); err != nil {
		return err
	}
	noteFree(frameCount << mm.PageShift)
	return nil
}

// Realloc resizes the allocation at ptr from oldSize to newSize by
// allocating a new block, copying min(oldSize, newSize) bytes and freeing
// the old block; blocks are never grown in place. A nil ptr behaves like
// Alloc and a zero newSize behaves like Free. On allocation failure the
// old block is left untouched.
func Realloc(ptr, oldSize, newSize uintptr) (uintptr, *kernel.Error) {
	if !initialized {
		return 0, errNotInitialized
	}
	if ptr == 0 {
		return Alloc(newSize)
	}
	if newSize == 0 {
		return 0, Free(ptr, oldSize)
	}
	if oldSize == 0 {
		return 0, errZeroSize
	}

	newPtr, err := Alloc(newSize)
	if err != nil {
		return 0, err
	}
	kernel.Memcopy(ptr, newPtr, min(oldSize, newSize))

	if err := Free(ptr, oldSize); err != nil {
		// The data already moved; the old block stays lost until the
		// caller's size bookkeeping is fixed.
		klog.Warningf("heap", "realloc could not release the old block at 0x%x: %s", ptr, err.Message)
	}
	return newPtr, nil
}

// AllocStats returns a snapshot of the facade counters.
func AllocStats() Stats {
	return Stats{
		LiveBytes: atomic.LoadUint64(&liveBytes),
		PeakBytes: atomic.LoadUint64(&peakBytes),
		Allocs:    atomic.LoadUint64(&allocs),
		Frees:     atomic.LoadUint64(&frees),
	}
}

// frameSpan returns the number of whole frames backing a frame-routed
// allocation of size bytes.
func frameSpan(size uintptr) uint64 {
	return uint64((size + mm.PageSize - 1) >> mm.PageShift)
}

func noteAlloc(bytes uint64) {
	atomic.AddUint64(&allocs, 1)
	live := atomic.AddUint64(&liveBytes, bytes)
	for {
		peak := atomic.LoadUint64(&peakBytes)
		if live <= peak || atomic.CompareAndSwapUint64(&peakBytes, peak, live) {
			return
		}
	}
}

func noteFree(bytes uint64) {
	atomic.AddUint64(&frees, 1)
	atomic.AddUint64(&liveBytes, ^(bytes - 1))
}
