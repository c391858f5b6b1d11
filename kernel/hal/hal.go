// Package hal exposes the privileged hardware operations that the memory
// manager depends on behind a single capability interface. Exactly one
// Backend implementation is registered at boot time; bare metal ports
// register a thin wrapper over their architecture's instructions while tests
// and tooling register the simulated machine from hal/sim.
package hal

import "unsafe"

// Backend describes the hardware capabilities required by the kernel. All
// methods must be safe to call from any kernel context; none of them may
// block.
type Backend interface {
	// BootInfo returns the physical address of the boot information block
	// that describes the machine's physical memory map.
	BootInfo() uintptr

	// PhysToVirt returns a pointer through which the kernel can access
	// the supplied physical address.
	PhysToVirt(physAddr uintptr) unsafe.Pointer

	// VirtToPhys translates an address previously produced by PhysToVirt
	// back to the physical address it refers to.
	VirtToPhys(virtAddr uintptr) uintptr

	// FlushTLBEntry flushes the TLB entry for a particular virtual
	// address on the current CPU.
	FlushTLBEntry(virtAddr uintptr)

	// FlushTLB flushes the entire TLB on the current CPU by reloading
	// the active page table root.
	FlushTLB()

	// SwitchPageTable sets the root page table to the given physical
	// address and flushes the TLB.
	SwitchPageTable(rootPhysAddr uintptr)

	// ActivePageTable returns the physical address of the currently
	// active root page table.
	ActivePageTable() uintptr

	// Halt stops instruction execution on the current CPU. It does not
	// return.
	Halt()

	// Pause emits a spin-wait hint to the CPU. Spinlocks invoke it
	// between acquisition attempts.
	Pause()
}

// active is the registered Backend implementation.
var active Backend

// Register installs the hardware backend used by all kernel packages. A
// kernel registers its backend once at boot, before any memory-manager
// component is initialized; tests and tooling register a fresh simulated
// machine for every run.
func Register(b Backend) {
	active = b
}

// Active returns the registered hardware backend.
func Active() Backend {
	return active
}

// BootInfo returns the physical address of the boot information block.
func BootInfo() uintptr { return active.BootInfo() }

// PhysToVirt returns a pointer through which the kernel can access the
// supplied physical address.
func PhysToVirt(physAddr uintptr) unsafe.Pointer { return active.PhysToVirt(physAddr) }

// VirtToPhys translates an address previously produced by PhysToVirt back to
// the physical address it refers to.
func VirtToPhys(virtAddr uintptr) uintptr { return active.VirtToPhys(virtAddr) }

// FlushTLBEntry flushes the TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr) { active.FlushTLBEntry(virtAddr) }

// FlushTLB flushes the entire TLB.
func FlushTLB() { active.FlushTLB() }

// SwitchPageTable sets the root page table to the given physical address and
// flushes the TLB.
func SwitchPageTable(rootPhysAddr uintptr) { active.SwitchPageTable(rootPhysAddr) }

// ActivePageTable returns the physical address of the currently active root
// page table.
func ActivePageTable() uintptr { return active.ActivePageTable() }

// Halt stops instruction execution on the current CPU.
func Halt() { active.Halt() }

// Pause emits a spin-wait hint to the CPU.
func Pause() { active.Pause() }
