package vmm

import (
	"helios/kernel"
	"helios/kernel/kfmt"
	"helios/kernel/klog"
	"helios/kernel/mm"
)

var (
	// ErrInvalidMapping is returned when a virtual address lookup fails
	// because no mapping is present for it.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Kind: kernel.KindInvalidArgument, Message: "virtual address does not point to a mapped physical page"}

	errNotCanonical                = &kernel.Error{Module: "vmm", Kind: kernel.KindInvalidArgument, Message: "virtual address is not canonical"}
	errAddressOutOfRange           = &kernel.Error{Module: "vmm", Kind: kernel.KindInvalidArgument, Message: "virtual address is outside the address space range"}
	errTableCorrupted              = &kernel.Error{Module: "vmm", Kind: kernel.KindCorruption, Message: "page table contains a huge-page leaf where a table link was expected"}
	errAttemptToRWMapReservedFrame = &kernel.Error{Module: "vmm", Kind: kernel.KindInvalidArgument, Message: "the reserved zeroed frame cannot be mapped with a RW flag"}
)

// Map establishes a mapping from a virtual page in this address space to a
// physical frame with the given flags. Missing intermediate tables are
// allocated on demand and linked with present and writable entries; the
// user-accessible bit of flags is propagated to them so that lowering a
// mapping to user mode does not require revisiting the links. Remapping an
// already mapped page replaces the previous mapping without releasing its
// frame.
func (s *AddressSpace) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if protectReservedZeroedPage && frame == ReservedZeroedFrame && (flags&FlagRW) != 0 {
		return errAttemptToRWMapReservedFrame
	}

	if err := s.checkAddr(page.Address()); err != nil {
		return err
	}

	s.lock.Acquire()
	err := s.mapPage(page, frame, flags)
	s.lock.Release()

	return err
}

// Unmap removes the mapping for a virtual page in this address space. The
// backing frame is not released; that is the caller's responsibility.
// Unmapping a page that is not mapped is a no-op.
func (s *AddressSpace) Unmap(page mm.Page) *kernel.Error {
	if err := s.checkAddr(page.Address()); err != nil {
		return err
	}

	s.lock.Acquire()
	err := s.unmapPage(page)
	s.lock.Release()

	return err
}

// Protect replaces the flags of an existing mapping, keeping its frame. The
// present bit is always retained. Attempting to change the protection of a
// page that is not mapped returns ErrInvalidMapping.
func (s *AddressSpace) Protect(page mm.Page, flags PageTableEntryFlag) *kernel.Error {
	if err := s.checkAddr(page.Address()); err != nil {
		return err
	}

	s.lock.Acquire()
	err := s.protectPage(page, flags)
	s.lock.Release()

	return err
}

// Translate returns the physical address that the given virtual address
// maps to. Translation follows huge-page leaves installed by the boot
// loader. As a read-only query it is not restricted to the address space
// range; addresses without a mapping yield ErrInvalidMapping.
func (s *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	if !isCanonical(virtAddr) {
		return 0, errNotCanonical
	}

	s.lock.Acquire()
	physAddr, err := s.translate(virtAddr)
	s.lock.Release()

	return physAddr, err
}

// IsValidAddr returns true if the given virtual address is backed by a
// mapping in this address space.
func (s *AddressSpace) IsValidAddr(virtAddr uintptr) bool {
	_, err := s.Translate(virtAddr)
	return err == nil
}

// AllocPages reserves a contiguous run of count free virtual pages in this
// address space, backs each one with a freshly allocated physical frame and
// maps it with the given flags. On failure any partially established
// mappings are undone and their frames released before the error is
// returned. It returns the first page of the run.
func (s *AddressSpace) AllocPages(count uint64, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	if count == 0 {
		return 0, errZeroPageCount
	}

	s.lock.Acquire()

	startPage, err := s.findFreeRange(count)
	if err != nil {
		s.lock.Release()
		klog.Errorf("vmm", "cannot reserve %d pages: %s", count, err.Message)
		return 0, err
	}

	for pageIndex := uint64(0); pageIndex < count; pageIndex++ {
		page := startPage + mm.Page(pageIndex)

		var frame mm.Frame
		if frame, err = mm.AllocFrame(); err == nil {
			if err = s.mapPage(page, frame, flags); err != nil {
				mm.FreeFrame(frame)
			}
		}

		if err != nil {
			s.releaseRange(startPage, pageIndex)
			s.lock.Release()
			klog.Errorf("vmm", "cannot allocate %d pages: %s", count, err.Message)
			return 0, err
		}
	}

	maybeFlushAll()
	s.lock.Release()

	return startPage, nil
}

// FreePages unmaps count contiguous virtual pages starting at startPage and
// releases their backing frames to the frame allocator. Pages in the run
// that are not mapped are skipped.
func (s *AddressSpace) FreePages(startPage mm.Page, count uint64) *kernel.Error {
	if count == 0 {
		return errZeroPageCount
	}

	if err := s.checkAddr(startPage.Address()); err != nil {
		return err
	}

	s.lock.Acquire()
	s.releaseRange(startPage, count)
	maybeFlushAll()
	s.lock.Release()

	klog.Debugf("vmm", "released %d pages starting at 0x%x", count, startPage.Address())
	return nil
}

// PageOffset returns the offset of virtAddr within its page.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mm.PageSize - 1)
}

// checkAddr rejects addresses that are either non-canonical or outside of
// the virtual address range managed by this address space.
func (s *AddressSpace) checkAddr(virtAddr uintptr) *kernel.Error {
	if !isCanonical(virtAddr) {
		return errNotCanonical
	}

	if virtAddr < s.start || virtAddr >= s.end {
		return errAddressOutOfRange
	}

	return nil
}

// mapPage establishes a mapping for page without acquiring the space lock.
// Freshly allocated tables are zeroed before they are linked into the
// hierarchy so that a concurrent walker can never observe stale entries.
func (s *AddressSpace) mapPage(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	linkFlags := FlagPresent | FlagRW | (flags & FlagUserAccessible)

	walk(s.rootFrame, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			if !pte.HasFlags(FlagPresent) {
				s.mappedPages++
			}
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			InvalidatePage(page.Address())
			return true
		}

		if pte.HasFlags(FlagPresent) {
			if pte.HasFlags(FlagHugePage) {
				kfmt.Panic(errTableCorrupted)
			}
			return true
		}

		var tableFrame mm.Frame
		if tableFrame, err = mm.AllocFrame(); err != nil {
			return false
		}

		zeroTable(tableFrame)
		*pte = 0
		pte.SetFrame(tableFrame)
		pte.SetFlags(linkFlags)
		return true
	})

	return err
}

// unmapPage removes the mapping for page without acquiring the space lock.
// A missing mapping, including a missing intermediate table, is treated as
// a no-op.
func (s *AddressSpace) unmapPage(page mm.Page) *kernel.Error {
	walk(s.rootFrame, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			klog.Debugf("vmm", "unmap 0x%x: no mapping at level %d", page.Address(), pteLevel)
			return false
		}

		if pteLevel == pageLevels-1 {
			*pte = 0
			s.mappedPages--
			InvalidatePage(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			kfmt.Panic(errTableCorrupted)
		}

		return true
	})

	return nil
}

// protectPage replaces the flags of the mapping for page without acquiring
// the space lock.
func (s *AddressSpace) protectPage(page mm.Page, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	walk(s.rootFrame, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pteLevel == pageLevels-1 {
			frame := pte.Frame()
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			InvalidatePage(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			kfmt.Panic(errTableCorrupted)
		}

		return true
	})

	return err
}

// translate resolves virtAddr to a physical address without acquiring the
// space lock. Huge-page leaves at the second and third level resolve using
// the 1Gb and 2Mb frame masks; a huge-page leaf in the root table is not a
// valid mapping.
func (s *AddressSpace) translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		resolved bool
	)

	walk(s.rootFrame, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 {
			physAddr = pte.Frame().Address() + PageOffset(virtAddr)
			resolved = true
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			switch pteLevel {
			case 1:
				physAddr = (pte.Frame().Address() &^ (pageSize1G - 1)) + (virtAddr & (pageSize1G - 1))
				resolved = true
			case 2:
				physAddr = (pte.Frame().Address() &^ (pageSize2M - 1)) + (virtAddr & (pageSize2M - 1))
				resolved = true
			}
			return false
		}

		return true
	})

	if !resolved {
		return 0, ErrInvalidMapping
	}

	return physAddr, nil
}

// findFreeRange scans the address space range for the first run of count
// consecutive unmapped pages. To keep probing cheap for large runs, the
// first and last page of each candidate window are checked before the pages
// in between; a window containing a mapped page is skipped past that page.
// The caller must hold the space lock.
func (s *AddressSpace) findFreeRange(count uint64) (mm.Page, *kernel.Error) {
	rangeLen := s.end - s.start
	if count > uint64(rangeLen>>mm.PageShift) {
		return 0, errNoVirtualSpace
	}
	needed := uintptr(count) << mm.PageShift

	for addr := s.start; addr <= s.end-needed; {
		if _, err := s.translate(addr); err == nil {
			addr += mm.PageSize
			continue
		}

		if _, err := s.translate(addr + needed - mm.PageSize); err == nil {
			addr += needed
			continue
		}

		var pageIndex uint64
		free := true
		for pageIndex = 1; pageIndex < count-1; pageIndex++ {
			if _, err := s.translate(addr + uintptr(pageIndex)<<mm.PageShift); err == nil {
				free = false
				break
			}
		}

		if free {
			return mm.PageFromAddress(addr), nil
		}

		addr += uintptr(pageIndex+1) << mm.PageShift
	}

	return 0, errNoVirtualSpace
}

// releaseRange unmaps count pages starting at startPage and returns their
// backing frames to the frame allocator, skipping unmapped pages and the
// shared zeroed frame. The caller must hold the space lock.
func (s *AddressSpace) releaseRange(startPage mm.Page, count uint64) {
	for pageIndex := uint64(0); pageIndex < count; pageIndex++ {
		page := startPage + mm.Page(pageIndex)

		physAddr, err := s.translate(page.Address())
		if err != nil {
			continue
		}

		s.unmapPage(page)

		frame := mm.FrameFromAddress(physAddr)
		if protectReservedZeroedPage && frame == ReservedZeroedFrame {
			continue
		}
		mm.FreeFrame(frame)
	}
}
