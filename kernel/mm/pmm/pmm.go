// Package pmm implements the kernel's physical memory manager. It tracks
// every physical frame in a bitmap and serves single-frame and contiguous
// multi-frame allocations to the rest of the kernel. It must be initialized
// before any component that requests physical memory.
package pmm

import (
	"helios/kernel"
	"helios/kernel/mm"
)

// DefaultReservedFrames is the length of the physical frame prefix that the
// boot stage hands over as occupied. It covers the kernel image, the boot
// information block and the frame bitmap itself.
const DefaultReservedFrames = 256

// frameAllocator is the BitmapAllocator instance that serves as the primary
// allocator for reserving pages.
var frameAllocator BitmapAllocator

// Init sets up the kernel physical memory allocation sub-system and
// registers it as the frame source for the virtual memory manager. The first
// reservedFrames frames are marked as allocated and never handed out.
func Init(reservedFrames uint64) *kernel.Error {
	if err := frameAllocator.init(reservedFrames); err != nil {
		return err
	}
	frameAllocator.printMemoryMap()

	mm.SetFrameAllocator(allocFrame)
	mm.SetFrameFreer(freeFrame)
	return nil
}

// allocFrame is a helper that delegates a frame allocation request to the
// package allocator instance. This function is passed as an argument to
// mm.SetFrameAllocator instead of frameAllocator.AllocFrame. The latter
// confuses the compiler's escape analysis into thinking that the allocator
// instance escapes to heap.
func allocFrame() (mm.Frame, *kernel.Error) {
	return frameAllocator.AllocFrame()
}

// freeFrame is a helper that delegates a frame release request to the
// package allocator instance; see allocFrame.
func freeFrame(frame mm.Frame) *kernel.Error {
	return frameAllocator.FreeFrame(frame)
}

// AllocFrame reserves the first available free frame and returns it.
func AllocFrame() (mm.Frame, *kernel.Error) {
	return frameAllocator.AllocFrame()
}

// AllocFrames reserves a contiguous run of count frames and returns the
// first frame in the run.
func AllocFrames(count uint64) (mm.Frame, *kernel.Error) {
	return frameAllocator.AllocFrames(count)
}

// FreeFrame releases a previously allocated frame.
func FreeFrame(frame mm.Frame) *kernel.Error {
	return frameAllocator.FreeFrame(frame)
}

// FreeFrames releases count frames starting at frame.
func FreeFrames(frame mm.Frame, count uint64) *kernel.Error {
	return frameAllocator.FreeFrames(frame, count)
}

// FrameStats returns a snapshot of the frame allocator counters.
func FrameStats() Stats {
	return frameAllocator.Stats()
}
