// Package bootinfo provides access to the boot information block that the
// boot stage hands to the kernel. The block describes the machine's physical
// memory layout and is the only input the memory manager receives from the
// outside world.
//
// The block consists of a fixed header followed by a series of 8-byte
// aligned tags. Each tag starts with a tagHeader and ends where the next tag
// begins; a tag of type tagSectionEnd terminates the list. The only tag the
// kernel currently consumes is the memory map tag which carries a packed
// list of MemRegion entries.
package bootinfo

import (
	"unsafe"
)

var infoData uintptr

type tagType uint32

const (
	tagSectionEnd tagType = iota
	tagMemoryMap
)

// info describes the boot info block header.
type info struct {
	// Total size of the boot info block including this header.
	totalSize uint32

	// Always set to zero; reserved for future use
	reserved uint32
}

// tagHeader describes the header that precedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. Each tag starts at a 8-byte aligned address.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// MemRegionType defines the type of a MemRegion.
type MemRegionType uint32

const (
	// MemUsable indicates that the memory region is available for use.
	MemUsable MemRegionType = iota + 1

	// MemReserved indicates that the memory region is not available for
	// use.
	MemReserved

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemRegionType.
func (t MemRegionType) String() string {
	switch t {
	case MemUsable:
		return "usable"
	case MemReserved:
		return "reserved"
	default:
		return "unknown"
	}
}

// MemRegion describes a physical memory region, namely its physical address,
// its length and its type.
type MemRegion struct {
	// The physical address where this memory region begins.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this region.
	Type MemRegionType

	reserved uint32
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region described by the boot stage. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(*MemRegion) bool

// SetInfoPtr updates the internal boot info block pointer to the given
// value. The pointer must be usable for direct memory access; callers that
// receive a physical block address must translate it first. This function
// must be invoked before invoking any other function exported by this
// package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// InfoRegion returns the address of the boot info block together with its
// total size in bytes. Components that overlay their own data structures
// onto boot-owned memory use it to stay clear of the block. The returned
// size is zero if no block pointer has been set.
func InfoRegion() (uintptr, uint32) {
	if infoData == 0 {
		return 0, 0
	}
	return infoData, (*info)(unsafe.Pointer(infoData)).totalSize
}

// VisitMemRegions invokes the supplied visitor for each memory region that
// is defined by the boot info block.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	var entry *MemRegion
	for curPtr != endPtr {
		entry = (*MemRegion)(unsafe.Pointer(curPtr))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}

		curPtr += uintptr(ptrMapHeader.entrySize)
	}
}

// findTagByType scans the boot info block looking for the start of the
// specified tag type. It returns a pointer to the tag contents start offset
// and the content length excluding the tag header.
//
// If the tag is not present in the block, findTagByType will return (0,0).
func findTagByType(tag tagType) (uintptr, uint32) {
	var ptrTagHeader *tagHeader

	curPtr := infoData + 8
	for ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tag {
			return curPtr + 8, ptrTagHeader.size - 8
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}

	return 0, 0
}
