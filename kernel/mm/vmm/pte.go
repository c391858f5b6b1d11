package vmm

import (
	"helios/kernel"
	"helios/kernel/hal"
	"helios/kernel/mm"
)

// pageTableEntry describes an entry in one of the tables of the page table
// hierarchy. Entries either link to the table at the next level or, at the
// last level, map a virtual page to a physical frame.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the given flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the given flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the given flags on this entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) | uintptr(flags))
}

// ClearFlags clears the given flags from this entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical frame this entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates this entry to point to the given physical frame without
// touching its flag bits.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = pageTableEntry((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// pageTable describes the layout of every table in the hierarchy.
type pageTable [pageTableEntries]pageTableEntry

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the level of the current entry together with a pointer
// to the entry itself. Returning false aborts the walk.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// tablePtrFn returns a pointer to the page table stored at the given
// physical frame. It is declared as a variable so that tests can redirect
// table accesses to fake tables allocated on the Go heap.
var tablePtrFn = func(frame mm.Frame) *pageTable {
	return (*pageTable)(hal.PhysToVirt(frame.Address()))
}

// walk descends the page table hierarchy rooted at rootFrame towards the
// entry that maps virtAddr, invoking walkFn with the entry visited at each
// level. The descent stops early when walkFn returns false; it is the
// callback's job to check entry presence before allowing the walker to
// follow a link into the next level.
func walk(rootFrame mm.Frame, virtAddr uintptr, walkFn pageTableWalker) {
	tableFrame := rootFrame
	for level := uint8(0); level < pageLevels; level++ {
		table := tablePtrFn(tableFrame)
		pte := &table[(virtAddr>>pageLevelShifts[level])&(pageTableEntries-1)]

		if !walkFn(level, pte) {
			return
		}

		tableFrame = pte.Frame()
	}
}

// zeroTable clears the page table stored at the given physical frame.
func zeroTable(frame mm.Frame) {
	kernel.Memset(uintptr(hal.PhysToVirt(frame.Address())), 0, mm.PageSize)
}
