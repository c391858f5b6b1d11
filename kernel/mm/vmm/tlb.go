package vmm

import (
	"sync/atomic"

	"helios/kernel/hal"
	"helios/kernel/klog"
	"helios/kernel/mm"
)

var (
	// tlbGeneration counts the full TLB flushes performed since boot. It
	// starts at 1 so that a zero value can be used as a "never synced"
	// marker by code that caches translations.
	tlbGeneration uint64 = 1

	// pendingFlushes counts the per-page invalidations issued since the
	// last full flush.
	pendingFlushes uint64
)

// InvalidatePage removes the translation for the page containing virtAddr
// from the TLB.
func InvalidatePage(virtAddr uintptr) {
	hal.FlushTLBEntry(virtAddr &^ (mm.PageSize - 1))
	atomic.AddUint64(&pendingFlushes, 1)
}

// FlushAll flushes the entire TLB and starts a new flush generation.
func FlushAll() {
	atomic.AddUint64(&tlbGeneration, 1)
	atomic.StoreUint64(&pendingFlushes, 0)
	hal.FlushTLB()
	klog.Debugf("vmm", "full TLB flush; generation %d", TLBGeneration())
}

// maybeFlushAll upgrades the per-page invalidations accumulated by a batch
// operation to a single full flush once their count reaches the flush
// threshold.
func maybeFlushAll() {
	if atomic.LoadUint64(&pendingFlushes) >= tlbFlushThreshold {
		FlushAll()
	}
}

// resetTLBAccounting restores the boot-time counter values. Init calls it so
// that the counters always describe the TLB of the machine the manager was
// initialized on.
func resetTLBAccounting() {
	atomic.StoreUint64(&tlbGeneration, 1)
	atomic.StoreUint64(&pendingFlushes, 0)
}

// TLBGeneration returns the current TLB flush generation.
func TLBGeneration() uint64 {
	return atomic.LoadUint64(&tlbGeneration)
}

// PendingFlushes returns the number of per-page invalidations issued since
// the last full flush.
func PendingFlushes() uint64 {
	return atomic.LoadUint64(&pendingFlushes)
}
