// Package slab implements the kernel's slab allocator. Small allocations
// are served from per-size-class caches; each cache owns a chain of slabs
// and every slab owns the frames holding its header and objects. Freed
// objects are threaded into an intrusive per-slab free list and reused in
// LIFO order.
//
// Slabs are never returned to the physical memory manager, even when every
// object in them is free. This bounds the work done on the free path at
// the cost of capping reclaimable memory.
package slab

import (
	"unsafe"

	"helios/kernel"
	"helios/kernel/hal"
	"helios/kernel/klog"
	"helios/kernel/mm"
	"helios/kernel/mm/pmm"
	"helios/kernel/sync"
)

// MaxObjectSize is the largest object size served from slabs. Bigger
// requests must be satisfied with whole frames.
const MaxObjectSize uintptr = 4096

// classSizes lists the object sizes served from slabs, in ascending order.
var classSizes = [...]uintptr{16, 32, 64, 128, 256, 512, 1024, 2048, MaxObjectSize}

// NumClasses is the number of slab size classes.
const NumClasses = len(classSizes)

var (
	errNotInitialized   = &kernel.Error{Module: "slab", Kind: kernel.KindInternal, Message: "allocator not initialized"}
	errZeroSize         = &kernel.Error{Module: "slab", Kind: kernel.KindInvalidArgument, Message: "zero-size allocation"}
	errSizeTooLarge     = &kernel.Error{Module: "slab", Kind: kernel.KindInvalidArgument, Message: "size exceeds the largest slab class"}
	errNilPointer       = &kernel.Error{Module: "slab", Kind: kernel.KindInvalidArgument, Message: "free of a nil pointer"}
	errUnknownPointer   = &kernel.Error{Module: "slab", Kind: kernel.KindCorruption, Message: "pointer does not belong to any slab of its class"}
	errMisalignedObject = &kernel.Error{Module: "slab", Kind: kernel.KindCorruption, Message: "pointer is not aligned to an object boundary"}
	errDoubleFree       = &kernel.Error{Module: "slab", Kind: kernel.KindCorruption, Message: "free of an object that is already free"}
	errFreeListCorrupt  = &kernel.Error{Module: "slab", Kind: kernel.KindCorruption, Message: "slab free count and free list disagree"}
)

// slab is the header placed at the start of the frame span owned by one
// slab. The remainder of the span is partitioned into totalCount objects of
// objSize bytes starting at objBase.
type slab struct {
	next       *slab
	freeList   *freeObject
	objBase    uintptr
	objSize    uintptr
	totalCount uint32
	freeCount  uint32
}

// slabHeaderSize is the number of bytes the header occupies at the start of
// a slab's frame span.
const slabHeaderSize = unsafe.Sizeof(slab{})

// freeObject is the view written into the first word of every free object.
// An object is either caller storage (live) or a freeObject node (free),
// never both; the smallest class size keeps the node inside the object.
type freeObject struct {
	next *freeObject
}

// sizeClassCache tracks the slab chain serving one object size.
type sizeClassCache struct {
	lock    sync.Spinlock
	objSize uintptr
	slabs   *slab
}

// ClassStats is a point-in-time snapshot of one size class, aggregated
// across every slab in its chain.
type ClassStats struct {
	// ObjSize is the object size the class serves, in bytes.
	ObjSize uintptr

	// Slabs is the number of slabs in the class chain.
	Slabs uint64

	// TotalObjects is the object capacity of the chain.
	TotalObjects uint64

	// FreeObjects is the number of objects available for allocation.
	FreeObjects uint64

	// UsedObjects is the number of objects currently handed out.
	UsedObjects uint64
}

// Allocator serves fixed-size objects out of per-class slab chains. Each
// class is guarded by its own lock so concurrent allocations in different
// classes never contend.
type Allocator struct {
	caches      [NumClasses]sizeClassCache
	initialized bool
}

// objectAllocator is the Allocator instance that serves the kernel's small
// object allocations.
var objectAllocator Allocator

// Init sets up the slab allocator size classes. The physical memory manager
// must be initialized first. Calling Init again abandons any existing slab
// chains; this is only sound when the physical memory backing them has been
// torn down as well.
func Init() {
	objectAllocator.init()
}

func (a *Allocator) init() {
	for i := range a.caches {
		a.caches[i] = sizeClassCache{objSize: classSizes[i]}
	}
	a.initialized = true

	klog.Infof("slab", "initialized %d size classes: %d - %d bytes",
		NumClasses, classSizes[0], classSizes[NumClasses-1])
}

// ClassSize returns the object size of the class that would serve an
// allocation of size bytes. The second return value is false when size
// exceeds the largest class and the request must be served with whole
// frames instead.
func ClassSize(size uintptr) (uintptr, bool) {
	class, ok := classFor(size)
	if !ok {
		return 0, false
	}
	return classSizes[class], true
}

// classFor returns the index of the first class able to hold size bytes.
func classFor(size uintptr) (int, bool) {
	for i, objSize := range classSizes {
		if size <= objSize {
			return i, true
		}
	}
	return 0, false
}

// Alloc reserves an object of at least size bytes from the matching size
// class and returns its virtual address. The object's contents are
// undefined. Sizes above the largest class cannot be served from slabs and
// fail with an invalid argument error.
func Alloc(size uintptr) (uintptr, *kernel.Error) {
	return objectAllocator.Alloc(size)
}

// Alloc reserves an object of at least size bytes; see the package-level
// Alloc.
func (a *Allocator) Alloc(size uintptr) (uintptr, *kernel.Error) {
	if !a.initialized {
		return 0, errNotInitialized
	}
	if size == 0 {
		return 0, errZeroSize
	}
	class, ok := classFor(size)
	if !ok {
		return 0, errSizeTooLarge
	}
	return a.caches[class].alloc()
}

// Free returns the object at ptr to the size class that served it. The size
// must be the same value supplied to Alloc; it is what routes the pointer
// back to its class, as objects carry no header of their own.
func Free(ptr, size uintptr) *kernel.Error {
	return objectAllocator.Free(ptr, size)
}

// Free returns the object at ptr to its size class; see the package-level
// Free.
func (a *Allocator) Free(ptr, size uintptr) *kernel.Error {
	if !a.initialized {
		return errNotInitialized
	}
	if ptr == 0 {
		return errNilPointer
	}
	if size == 0 {
		return errZeroSize
	}
	class, ok := classFor(size)
	if !ok {
		return errSizeTooLarge
	}
	return a.caches[class].free(ptr)
}

// Stats returns a snapshot of every size class.
func Stats() [NumClasses]ClassStats {
	return objectAllocator.Stats()
}

// Stats returns a snapshot of every size class; see the package-level
// Stats.
func (a *Allocator) Stats() [NumClasses]ClassStats {
	var out [NumClasses]ClassStats
	for i := range a.caches {
		c := &a.caches[i]

		c.lock.Acquire()
		st := ClassStats{ObjSize: classSizes[i]}
		for s := c.slabs; s != nil; s = s.next {
			st.Slabs++
			st.TotalObjects += uint64(s.totalCount)
			st.FreeObjects += uint64(s.freeCount)
		}
		st.UsedObjects = st.TotalObjects - st.FreeObjects
		c.lock.Release()

		out[i] = st
	}
	return out
}

// alloc pops an object from the first slab in the chain that has one,
// creating and prepending a fresh slab when the whole chain is full.
func (c *sizeClassCache) alloc() (uintptr, *kernel.Error) {
	c.lock.Acquire()

	s := c.slabs
	for s != nil && s.freeCount == 0 {
		s = s.next
	}
	if s == nil {
		var err *kernel.Error
		if s, err = createSlab(c.objSize); err != nil {
			c.lock.Release()
			return 0, err
		}
		s.next = c.slabs
		c.slabs = s
	}

	obj := s.freeList
	if obj == nil {
		// freeCount claimed an available object; the list disagrees.
		freeCount := s.freeCount
		c.lock.Release()
		klog.Errorf("slab", "class %d: free count %d with an empty free list", c.objSize, freeCount)
		return 0, errFreeListCorrupt
	}
	s.freeList = obj.next
	s.freeCount--

	c.lock.Release()
	return uintptr(unsafe.Pointer(obj)), nil
}

// free locates the slab owning ptr by scanning the chain and pushes the
// object back onto that slab's free list.
func (c *sizeClassCache) free(ptr uintptr) *kernel.Error {
	c.lock.Acquire()

	for s := c.slabs; s != nil; s = s.next {
		spanEnd := s.objBase + uintptr(s.totalCount)*s.objSize
		if ptr < s.objBase || ptr >= spanEnd {
			continue
		}

		if (ptr-s.objBase)%s.objSize != 0 {
			c.lock.Release()
			klog.Errorf("slab", "class %d: free of mid-object pointer 0x%x", c.objSize, ptr)
			return errMisalignedObject
		}
		if s.freeCount == s.totalCount {
			c.lock.Release()
			klog.Errorf("slab", "class %d: free of 0x%x but its slab is entirely free", c.objSize, ptr)
			return errDoubleFree
		}

		obj := (*freeObject)(unsafe.Pointer(ptr))
		obj.next = s.freeList
		s.freeList = obj
		s.freeCount++

		c.lock.Release()
		return nil
	}

	c.lock.Release()
	klog.Errorf("slab", "class %d: free of unknown pointer 0x%x", c.objSize, ptr)
	return errUnknownPointer
}

// createSlab allocates the frame span backing one new slab and threads
// every object onto the slab's free list. The head of the list ends up
// being the object at the highest address.
func createSlab(objSize uintptr) (*slab, *kernel.Error) {
	span := slabSpan(objSize)
	frame, err := pmm.AllocFrames(span)
	if err != nil {
		return nil, err
	}

	spanBytes := uintptr(span) << mm.PageShift
	s := (*slab)(hal.PhysToVirt(frame.Address()))
	s.next = nil
	s.freeList = nil
	s.objBase = uintptr(unsafe.Pointer(s)) + slabHeaderSize
	s.objSize = objSize
	s.totalCount = uint32((spanBytes - slabHeaderSize) / objSize)
	s.freeCount = s.totalCount

	for i := uintptr(0); i < uintptr(s.totalCount); i++ {
		obj := (*freeObject)(unsafe.Pointer(s.objBase + i*objSize))
		obj.next = s.freeList
		s.freeList = obj
	}

	return s, nil
}

// slabSpan returns the number of contiguous frames backing one slab of the
// given class. A single frame serves every class whose header and at least
// one object fit together; the largest class spills onto a second frame.
func slabSpan(objSize uintptr) uint64 {
	return uint64((slabHeaderSize + objSize + mm.PageSize - 1) >> mm.PageShift)
}
