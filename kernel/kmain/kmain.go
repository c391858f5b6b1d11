// Package kmain drives the bring-up of the kernel's memory-management
// core. The boot stage registers a hal.Backend for the machine it runs on
// and then hands control to Kmain, which initializes every allocator layer
// in dependency order.
package kmain

import (
	"helios/kernel"
	"helios/kernel/bootinfo"
	"helios/kernel/hal"
	"helios/kernel/klog"
	"helios/kernel/mm/heap"
	"helios/kernel/mm/pmm"
	"helios/kernel/mm/slab"
	"helios/kernel/mm/vmm"
)

var errNoBackend = &kernel.Error{Module: "kmain", Kind: kernel.KindInternal, Message: "no hardware backend registered"}

// Kmain initializes the memory-management core: boot memory map, physical
// frame allocator, virtual memory manager, slab allocator and the
// allocation facade, in that order. The hardware backend must be
// registered before the call.
//
// Unlike a bare-metal kernel entry point, Kmain returns: its callers are
// tooling and tests that keep using the machine afterwards.
func Kmain() *kernel.Error {
	if hal.Active() == nil {
		return errNoBackend
	}

	klog.Infof("kmain", "initializing memory management")
	bootinfo.SetInfoPtr(uintptr(hal.PhysToVirt(hal.BootInfo())))

	if err := pmm.Init(pmm.DefaultReservedFrames); err != nil {
		return err
	}
	if err := vmm.Init(); err != nil {
		return err
	}
	slab.Init()
	heap.Init()

	frames := pmm.FrameStats()
	klog.Infof("kmain", "memory management initialized: %d/%d frames free",
		frames.FreeFrames, frames.TotalFrames)
	return nil
}
