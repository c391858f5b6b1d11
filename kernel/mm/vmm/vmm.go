// Package vmm implements the kernel's virtual memory manager. It maintains
// the 4-level page table hierarchy behind each address space and provides
// page granular map, unmap, protect and translate primitives on top of the
// physical frames handed out by the frame allocator.
package vmm

import (
	"helios/kernel"
	"helios/kernel/hal"
	"helios/kernel/klog"
	"helios/kernel/mm"
)

var (
	errNotInitialized = &kernel.Error{Module: "vmm", Kind: kernel.KindInternal, Message: "virtual memory manager is not initialized"}

	// kernelSpace is the address space that all kernel mappings live in. It
	// is created by Init and shared, via the upper half of its root table,
	// with every user address space created afterwards.
	kernelSpace *AddressSpace

	// ReservedZeroedFrame is a physical frame filled with zeros that backs
	// copy-on-write mappings of demand-zeroed pages. It must never be
	// mapped writable.
	ReservedZeroedFrame mm.Frame

	// protectReservedZeroedPage is set once ReservedZeroedFrame has been
	// allocated and arms the checks that keep that frame read-only.
	protectReservedZeroedPage bool
)

// Init bootstraps the virtual memory manager. It adopts the active page
// table as the kernel address space root, allocating and installing a fresh
// root when the platform reports none, and sets aside the reserved zeroed
// frame that backs demand-zero mappings. The frame allocator must be
// initialized before Init is called.
func Init() *kernel.Error {
	resetTLBAccounting()

	rootAddr := hal.ActivePageTable()
	rootFrame := mm.FrameFromAddress(rootAddr)

	if rootAddr == 0 {
		var err *kernel.Error
		if rootFrame, err = mm.AllocFrame(); err != nil {
			return err
		}
		zeroTable(rootFrame)
		hal.SwitchPageTable(rootFrame.Address())
	}

	kernelSpace = &AddressSpace{
		rootFrame: rootFrame,
		start:     KernelSpaceStart,
		end:       KernelSpaceEnd,
		kernel:    true,
		refCount:  1,
	}

	if err := reserveZeroedFrame(); err != nil {
		return err
	}

	klog.Infof("vmm", "kernel space: 0x%16x - 0x%16x", KernelSpaceStart, KernelSpaceEnd-1)
	klog.Infof("vmm", "user space:   0x%16x - 0x%16x", UserSpaceStart, UserSpaceEnd-1)
	return nil
}

// KernelSpace returns the kernel address space or nil before Init has run.
func KernelSpace() *AddressSpace {
	return kernelSpace
}

// reserveZeroedFrame allocates and clears the frame behind all demand-zero
// copy-on-write mappings.
func reserveZeroedFrame() *kernel.Error {
	frame, err := mm.AllocFrame()
	if err != nil {
		return err
	}

	kernel.Memset(uintptr(hal.PhysToVirt(frame.Address())), 0, mm.PageSize)
	ReservedZeroedFrame = frame
	protectReservedZeroedPage = true

	return nil
}
