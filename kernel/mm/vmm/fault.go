package vmm

import (
	"sync/atomic"

	"helios/kernel"
	"helios/kernel/hal"
	"helios/kernel/kfmt"
	"helios/kernel/mm"
)

var errUnrecoverableFault = &kernel.Error{Module: "vmm", Kind: kernel.KindInternal, Message: "page fault could not be recovered"}

// HandleFault services a page fault that was raised while the given address
// space was active. Faults on present read-only pages that carry the
// copy-on-write flag are resolved by copying the shared frame into a
// private one and upgrading the mapping to writable. Every other fault is
// unrecoverable: the fault is decoded, dumped to the active output sink and
// the kernel panics.
func HandleFault(space *AddressSpace, faultAddr uintptr, errorCode uint64) {
	atomic.AddUint64(&space.pageFaults, 1)

	faultPage := mm.PageFromAddress(faultAddr)

	space.lock.Acquire()

	var pageEntry *pageTableEntry
	walk(space.rootFrame, faultPage.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}
		if pteLevel == pageLevels-1 {
			pageEntry = pte
		}
		return true
	})

	if pageEntry != nil && !pageEntry.HasFlags(FlagRW) && pageEntry.HasFlags(FlagCopyOnWrite) {
		newFrame, err := mm.AllocFrame()
		if err != nil {
			space.lock.Release()
			nonRecoverableFault(faultAddr, errorCode, err)
			return
		}

		kernel.Memcopy(
			uintptr(hal.PhysToVirt(pageEntry.Frame().Address())),
			uintptr(hal.PhysToVirt(newFrame.Address())),
			mm.PageSize,
		)

		pageEntry.ClearFlags(FlagCopyOnWrite)
		pageEntry.SetFrame(newFrame)
		pageEntry.SetFlags(FlagPresent | FlagRW)
		InvalidatePage(faultPage.Address())

		space.lock.Release()
		return
	}

	space.lock.Release()
	nonRecoverableFault(faultAddr, errorCode, errUnrecoverableFault)
}

// nonRecoverableFault dumps the decoded fault details and panics.
func nonRecoverableFault(faultAddr uintptr, errorCode uint64, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\n", faultAddr)
	kfmt.Printf("Reason: %s\n", faultReason(errorCode))
	kfmt.Panic(err)
}

// faultReason decodes the error code pushed by the CPU for a page fault.
func faultReason(errorCode uint64) string {
	switch errorCode {
	case 0:
		return "read from non-present page"
	case 1:
		return "page protection violation (read)"
	case 2:
		return "write to non-present page"
	case 3:
		return "page protection violation (write)"
	case 4:
		return "page-fault in user-mode"
	case 8:
		return "page table has reserved bit set"
	case 16:
		return "instruction fetch"
	default:
		return "unknown"
	}
}
