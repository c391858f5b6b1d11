// Package sim implements hal.Backend as a simulated machine whose physical
// memory lives inside a host memory mapping. It stands in for the boot stage
// and the privileged instruction set so that the kernel's memory manager can
// run, and be exercised by tests and tooling, as an ordinary user process.
//
// Physical address zero corresponds to the first byte of the arena, so frame
// indices are small and dense just like on a real machine that starts its
// RAM at the bottom of the physical address space. The backend also counts
// TLB maintenance operations; tests assert on those counters to verify the
// invalidation behavior of the page-table manager.
package sim

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"helios/kernel"
	"helios/kernel/bootinfo"
	"helios/kernel/hal"
	"helios/kernel/mm"
)

// DefaultMemSize is the amount of simulated physical memory used when the
// Config does not specify one.
const DefaultMemSize = 512 << 20

// bootInfoOffset is the physical address at which New places the boot info
// block. The block occupies the start of the second frame and is expected to
// be covered by the boot-reserved frame prefix.
const bootInfoOffset = mm.PageSize

var (
	errArenaSetup  = &kernel.Error{Module: "sim", Kind: kernel.KindOutOfMemory, Message: "unable to reserve memory for the machine arena"}
	errMemTooSmall = &kernel.Error{Module: "sim", Kind: kernel.KindInvalidArgument, Message: "machine memory cannot hold the boot info block"}
)

// Config controls the geometry of a simulated machine.
type Config struct {
	// MemSize is the amount of simulated physical memory in bytes. The
	// value is rounded up to a multiple of the page size; zero selects
	// DefaultMemSize.
	MemSize uint64

	// Regions overrides the memory map published through the boot info
	// block. When nil, the map consists of a single usable region
	// covering [0, MemSize).
	Regions []bootinfo.MemRegion
}

// Machine is a simulated hardware backend. Its zero value is not usable;
// instances must be obtained through New.
type Machine struct {
	mem  []byte
	base uintptr

	activeRoot   uint64
	entryFlushes uint64
	fullFlushes  uint64
}

var _ hal.Backend = (*Machine)(nil)

// New constructs a simulated machine, reserves its physical memory arena and
// writes the boot info block that describes the memory map.
func New(conf Config) (*Machine, *kernel.Error) {
	size := conf.MemSize
	if size == 0 {
		size = DefaultMemSize
	}
	size = (size + uint64(mm.PageSize) - 1) &^ (uint64(mm.PageSize) - 1)

	mem, err := mapArena(int(size))
	if err != nil {
		return nil, errArenaSetup
	}

	m := &Machine{
		mem:  mem,
		base: uintptr(unsafe.Pointer(&mem[0])),
	}

	regions := conf.Regions
	if regions == nil {
		regions = []bootinfo.MemRegion{
			{PhysAddress: 0, Length: size, Type: bootinfo.MemUsable},
		}
	}

	blockSize := bootinfo.BlockSize(len(regions))
	blockStart := int(bootInfoOffset)
	if blockStart+blockSize > len(m.mem) {
		_ = unmapArena(m.mem)
		return nil, errMemTooSmall
	}

	if _, wErr := bootinfo.Write(m.mem[blockStart:blockStart+blockSize], regions); wErr != nil {
		_ = unmapArena(m.mem)
		return nil, wErr
	}

	return m, nil
}

// Close releases the machine's memory arena. The machine must not be used
// after Close returns.
func (m *Machine) Close() error {
	mem := m.mem
	m.mem = nil
	m.base = 0
	return unmapArena(mem)
}

// MemSize returns the amount of simulated physical memory in bytes.
func (m *Machine) MemSize() uint64 {
	return uint64(len(m.mem))
}

// BootInfo returns the physical address of the boot info block.
func (m *Machine) BootInfo() uintptr {
	return bootInfoOffset
}

// PhysToVirt returns a pointer to the arena byte backing the supplied
// physical address. Accessing a physical address outside the installed
// memory triggers the simulator's equivalent of a machine check.
func (m *Machine) PhysToVirt(physAddr uintptr) unsafe.Pointer {
	if physAddr >= uintptr(len(m.mem)) {
		panic(fmt.Sprintf("sim: access to unmapped physical address 0x%x", physAddr))
	}
	return unsafe.Pointer(m.base + physAddr)
}

// VirtToPhys translates an arena pointer back to the physical address it was
// produced from. Pointers that do not fall inside the arena trigger the
// simulator's equivalent of a machine check.
func (m *Machine) VirtToPhys(virtAddr uintptr) uintptr {
	if virtAddr < m.base || virtAddr >= m.base+uintptr(len(m.mem)) {
		panic(fmt.Sprintf("sim: reverse translation of foreign address 0x%x", virtAddr))
	}
	return virtAddr - m.base
}

// FlushTLBEntry records a single-page TLB invalidation.
func (m *Machine) FlushTLBEntry(virtAddr uintptr) {
	atomic.AddUint64(&m.entryFlushes, 1)
}

// FlushTLB records a full TLB flush.
func (m *Machine) FlushTLB() {
	atomic.AddUint64(&m.fullFlushes, 1)
}

// SwitchPageTable sets the active root page table. Switching roots implies a
// full TLB flush, exactly as a CR3 reload would.
func (m *Machine) SwitchPageTable(rootPhysAddr uintptr) {
	atomic.StoreUint64(&m.activeRoot, uint64(rootPhysAddr))
	atomic.AddUint64(&m.fullFlushes, 1)
}

// ActivePageTable returns the physical address of the active root page
// table.
func (m *Machine) ActivePageTable() uintptr {
	return uintptr(atomic.LoadUint64(&m.activeRoot))
}

// Halt stops the simulated CPU.
func (m *Machine) Halt() {
	panic("sim: cpu halted")
}

// Pause yields the host CPU; it stands in for the spin-wait hint
// instruction.
func (m *Machine) Pause() {
	runtime.Gosched()
}

// TLBEntryFlushes returns the number of single-page TLB invalidations
// performed so far.
func (m *Machine) TLBEntryFlushes() uint64 {
	return atomic.LoadUint64(&m.entryFlushes)
}

// TLBFullFlushes returns the number of full TLB flushes performed so far,
// including those implied by page table switches.
func (m *Machine) TLBFullFlushes() uint64 {
	return atomic.LoadUint64(&m.fullFlushes)
}
