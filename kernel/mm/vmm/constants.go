package vmm

import "helios/kernel/mm"

// PageTableEntryFlag describes the attribute bits of a page table entry.
type PageTableEntryFlag uintptr

const (
	// pageLevels is the depth of the page table hierarchy.
	pageLevels = 4

	// pageTableEntries is the number of entries in each page table.
	pageTableEntries = 512

	// kernelUpperHalfStart is the index of the first root table entry that
	// belongs to the kernel half of the address space. Root entries at or
	// above this index are shared between all address spaces so that kernel
	// mappings remain visible after a table switch.
	kernelUpperHalfStart = 256

	// ptePhysPageMask selects the physical frame bits of a page table entry.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// tlbFlushThreshold is the number of pending per-page TLB invalidations
	// at which a batch operation replaces them with a single full flush.
	tlbFlushThreshold = 64

	// pageSize1G and pageSize2M are the huge page sizes that address
	// translation understands when it encounters boot-loader mappings.
	pageSize1G = uintptr(1) << 30
	pageSize2M = uintptr(1) << 21
)

// The boundaries of the two usable virtual address regions. User mappings
// live in the low canonical half; the first 4Mb are kept unmapped so that
// nil dereferences with small offsets still fault. Kernel mappings live in
// the top 2Gb of the high canonical half. The topmost page is excluded so
// that KernelSpaceEnd remains representable as a uintptr. Both end values
// are exclusive.
const (
	UserSpaceStart   uintptr = 0x0000000000400000
	UserSpaceEnd     uintptr = 0x0000800000000000
	KernelSpaceStart uintptr = 0xffffffff80000000
	KernelSpaceEnd   uintptr = ^uintptr(0) &^ (mm.PageSize - 1)
)

// pageLevelShifts is the shift amount that extracts the table index for
// each level out of a virtual address.
var pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

const (
	// FlagPresent is set when the entry maps a page that is present in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the mapped page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode code can access the mapped page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and
	// write-back caching otherwise.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents the mapped page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when the mapped page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when the mapped page is modified.
	FlagDirty

	// FlagHugePage marks an intermediate entry as a 1Gb or 2Mb leaf mapping
	// instead of a link to the next table level.
	FlagHugePage

	// FlagGlobal exempts the mapped page from TLB invalidation on a page
	// table switch.
	FlagGlobal

	// FlagCopyOnWrite marks a read-only page whose contents are copied to a
	// private frame on the first write. This flag and FlagRW are mutually
	// exclusive.
	FlagCopyOnWrite

	// FlagNoExecute marks the mapped page as non-executable.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

// isCanonical returns true if bits 48 to 63 of virtAddr are copies of
// bit 47 as required for addresses fed to the page table walker.
func isCanonical(virtAddr uintptr) bool {
	upperBits := virtAddr >> 47
	return upperBits == 0 || upperBits == 0x1ffff
}
