package bootinfo

import (
	"unsafe"

	"helios/kernel"
)

// ErrBufferTooSmall is returned by Write when the supplied buffer cannot
// hold the encoded boot info block.
var ErrBufferTooSmall = &kernel.Error{Module: "bootinfo", Kind: kernel.KindInvalidArgument, Message: "buffer too small to hold the boot info block"}

// BlockSize returns the encoded size of a boot info block that describes
// regionCount memory regions.
func BlockSize(regionCount int) int {
	// header + memory map tag (tag header + mmap header + entries) +
	// end tag
	return 8 + 8 + 8 + regionCount*int(unsafe.Sizeof(MemRegion{})) + 8
}

// Write encodes a boot info block describing the supplied memory regions
// into buf and returns the number of bytes written. It is invoked by the
// boot stage (or by a simulated machine backend standing in for it) before
// control is handed to the kernel; the kernel itself only parses blocks.
func Write(buf []byte, regions []MemRegion) (int, *kernel.Error) {
	total := BlockSize(len(regions))
	if len(buf) < total {
		return 0, ErrBufferTooSmall
	}

	base := uintptr(unsafe.Pointer(&buf[0]))

	ptrInfo := (*info)(unsafe.Pointer(base))
	ptrInfo.totalSize = uint32(total)
	ptrInfo.reserved = 0

	entrySize := uint32(unsafe.Sizeof(MemRegion{}))

	ptrMapTag := (*tagHeader)(unsafe.Pointer(base + 8))
	ptrMapTag.tagType = tagMemoryMap
	ptrMapTag.size = 8 + 8 + uint32(len(regions))*entrySize

	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(base + 16))
	ptrMapHeader.entrySize = entrySize
	ptrMapHeader.entryVersion = 0

	entryPtr := base + 24
	for regionIndex := 0; regionIndex < len(regions); regionIndex++ {
		entry := (*MemRegion)(unsafe.Pointer(entryPtr))
		*entry = regions[regionIndex]
		entryPtr += uintptr(entrySize)
	}

	ptrEndTag := (*tagHeader)(unsafe.Pointer(entryPtr))
	ptrEndTag.tagType = tagSectionEnd
	ptrEndTag.size = 8

	return total, nil
}
