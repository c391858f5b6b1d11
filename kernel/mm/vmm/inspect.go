package vmm

import (
	"helios/kernel"
	"helios/kernel/mm"
)

// MappingLevel describes one page-table entry visited while resolving a
// virtual address.
type MappingLevel struct {
	// Level is the table depth; 0 is the root table.
	Level uint8

	// Index is the entry index the virtual address selects at this level.
	Index uint16

	// Present reports whether the entry points at a frame.
	Present bool

	// Huge reports whether the entry is a huge-page leaf.
	Huge bool

	// Frame is the physical frame the entry points at. Only valid when
	// Present is set.
	Frame mm.Frame

	// Flags is the entry's flag set with the frame bits masked off. Only
	// valid when Present is set.
	Flags PageTableEntryFlag
}

// Inspect resolves virtAddr through the space's tables and reports every
// level visited, for diagnostic tooling. The walk stops at the first
// absent entry, at a huge-page leaf, or at the final level. Like
// Translate it accepts any canonical address regardless of the space's
// range.
func (s *AddressSpace) Inspect(virtAddr uintptr) ([pageLevels]MappingLevel, int, *kernel.Error) {
	var levels [pageLevels]MappingLevel

	if !isCanonical(virtAddr) {
		return levels, 0, errNotCanonical
	}

	visited := 0

	s.lock.Acquire()
	walk(s.rootFrame, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		info := MappingLevel{
			Level: pteLevel,
			Index: uint16((virtAddr >> pageLevelShifts[pteLevel]) & (pageTableEntries - 1)),
		}
		if pte.HasFlags(FlagPresent) {
			info.Present = true
			info.Huge = pte.HasAnyFlag(FlagHugePage)
			info.Frame = pte.Frame()
			info.Flags = PageTableEntryFlag(uintptr(*pte) &^ ptePhysPageMask)
		}
		levels[pteLevel] = info
		visited++

		return info.Present && !info.Huge
	})
	s.lock.Release()

	return levels, visited, nil
}
