package slab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helios/kernel"
	"helios/kernel/bootinfo"
	"helios/kernel/hal"
	"helios/kernel/hal/sim"
	"helios/kernel/mm/pmm"
)

func TestClassSize(t *testing.T) {
	tests := []struct {
		size      uintptr
		classSize uintptr
		ok        bool
	}{
		{1, 16, true},
		{16, 16, true},
		{17, 32, true},
		{100, 128, true},
		{2049, 4096, true},
		{4096, 4096, true},
		{4097, 0, false},
	}

	for _, tc := range tests {
		classSize, ok := ClassSize(tc.size)
		assert.Equal(t, tc.ok, ok, "size %d", tc.size)
		assert.Equal(t, tc.classSize, classSize, "size %d", tc.size)
	}
}

func TestAllocValidation(t *testing.T) {
	bootAllocator(t)

	_, err := Alloc(0)
	assert.Equal(t, errZeroSize, err)

	_, err = Alloc(classSizes[NumClasses-1] + 1)
	assert.Equal(t, errSizeTooLarge, err)

	var uninitialized Allocator
	_, err = uninitialized.Alloc(16)
	assert.Equal(t, errNotInitialized, err)
	assert.Equal(t, errNotInitialized, uninitialized.Free(0x1000, 16))
}

func TestAllocReusesFreedObjectsLIFO(t *testing.T) {
	bootAllocator(t)

	first, err := Alloc(32)
	require.Nil(t, err)
	second, err := Alloc(32)
	require.Nil(t, err)

	// The free list is threaded from the highest object down, so
	// successive allocations descend through the slab.
	require.NotEqual(t, first, second)
	assert.Equal(t, first-32, second)

	st := Stats()[1]
	assert.Equal(t, uint64(1), st.Slabs)
	assert.Equal(t, uint64(2), st.UsedObjects)

	require.Nil(t, Free(first, 32))
	third, err := Alloc(32)
	require.Nil(t, err)
	assert.Equal(t, first, third)
}

func TestSlabCapacities(t *testing.T) {
	bootAllocator(t)

	// One frame of objects next to the 40-byte header, except the
	// largest class which spans a second frame.
	expected := map[uintptr]uint64{
		16:   253,
		32:   126,
		64:   63,
		128:  31,
		256:  15,
		512:  7,
		1024: 3,
		2048: 1,
		4096: 1,
	}

	for _, objSize := range classSizes {
		_, err := Alloc(objSize)
		require.Nil(t, err, "class %d", objSize)
	}

	for i, st := range Stats() {
		assert.Equal(t, classSizes[i], st.ObjSize)
		assert.Equal(t, uint64(1), st.Slabs, "class %d", st.ObjSize)
		assert.Equal(t, expected[st.ObjSize], st.TotalObjects, "class %d", st.ObjSize)
		assert.Equal(t, uint64(1), st.UsedObjects, "class %d", st.ObjSize)
	}
}

func TestLargestClassSpansTwoFrames(t *testing.T) {
	bootAllocator(t)

	base := pmm.FrameStats()
	_, err := Alloc(4096)
	require.Nil(t, err)
	assert.Equal(t, base.UsedFrames+2, pmm.FrameStats().UsedFrames)

	base = pmm.FrameStats()
	_, err = Alloc(16)
	require.Nil(t, err)
	assert.Equal(t, base.UsedFrames+1, pmm.FrameStats().UsedFrames)
}

func TestFullChainGrowsAndScansForFreeSlabs(t *testing.T) {
	bootAllocator(t)

	// 16-byte objects remaining in a frame after the 40-byte header.
	const perSlab = 253

	var objects []uintptr
	for i := 0; i < perSlab; i++ {
		ptr, err := Alloc(16)
		require.Nil(t, err)
		objects = append(objects, ptr)
	}
	require.Equal(t, uint64(1), Stats()[0].Slabs)

	// The next allocation creates a second slab and prepends it to the
	// chain.
	_, err := Alloc(16)
	require.Nil(t, err)
	st := Stats()[0]
	assert.Equal(t, uint64(2), st.Slabs)
	assert.Equal(t, uint64(2*perSlab), st.TotalObjects)
	assert.Equal(t, uint64(perSlab+1), st.UsedObjects)

	// Fill the second slab too, then free one object in the first; the
	// chain scan must locate the only slab with a free object.
	for i := 0; i < perSlab-1; i++ {
		_, err := Alloc(16)
		require.Nil(t, err)
	}
	require.Equal(t, uint64(0), Stats()[0].FreeObjects)

	require.Nil(t, Free(objects[10], 16))
	ptr, err := Alloc(16)
	require.Nil(t, err)
	assert.Equal(t, objects[10], ptr)
	assert.Equal(t, uint64(2), Stats()[0].Slabs)
}

func TestFreeValidation(t *testing.T) {
	bootAllocator(t)

	assert.Equal(t, errNilPointer, Free(0, 16))
	assert.Equal(t, errZeroSize, Free(0x1000, 0))
	assert.Equal(t, errSizeTooLarge, Free(0x1000, 8192))

	ptr, err := Alloc(64)
	require.Nil(t, err)

	// Mid-object pointers and pointers routed to the wrong class are
	// rejected without touching any free list.
	assert.Equal(t, errMisalignedObject, Free(ptr+8, 64))
	assert.Equal(t, errUnknownPointer, Free(ptr, 128))
	assert.Equal(t, uint64(1), Stats()[2].UsedObjects)

	require.Nil(t, Free(ptr, 64))
	assert.Equal(t, uint64(0), Stats()[2].UsedObjects)
}

func TestDoubleFreeOfFullSlab(t *testing.T) {
	bootAllocator(t)

	ptr, err := Alloc(256)
	require.Nil(t, err)
	require.Nil(t, Free(ptr, 256))

	// The slab is entirely free again; a second free cannot name a live
	// object.
	assert.Equal(t, errDoubleFree, Free(ptr, 256))
	st := Stats()[4]
	assert.Equal(t, uint64(15), st.FreeObjects)
	assert.Equal(t, uint64(15), st.TotalObjects)
}

func TestFreeListCorruptionDetected(t *testing.T) {
	bootAllocator(t)

	_, err := Alloc(512)
	require.Nil(t, err)

	s := objectAllocator.caches[5].slabs
	require.NotNil(t, s)
	require.NotZero(t, s.freeCount)
	s.freeList = nil

	_, err = Alloc(512)
	assert.Equal(t, errFreeListCorrupt, err)
}

func TestAllocPropagatesFrameExhaustion(t *testing.T) {
	bootAllocator(t)

	// Consume every free frame so slab creation has nothing to draw on.
	for {
		if _, err := pmm.AllocFrame(); err != nil {
			break
		}
	}

	_, err := Alloc(64)
	require.NotNil(t, err)
	assert.Equal(t, kernel.KindOutOfMemory, err.Kind)
	assert.Equal(t, uint64(0), Stats()[2].Slabs)
}

func TestStatsEmptyClasses(t *testing.T) {
	bootAllocator(t)

	for i, st := range Stats() {
		assert.Equal(t, classSizes[i], st.ObjSize)
		assert.Zero(t, st.Slabs)
		assert.Zero(t, st.TotalObjects)
	}
}

// bootAllocator brings up a simulated machine, the physical memory manager
// and a fresh set of slab caches for one test.
func bootAllocator(t *testing.T) *sim.Machine {
	t.Helper()

	machine, err := sim.New(sim.Config{MemSize: 64 << 20})
	require.Nil(t, err)
	t.Cleanup(func() { machine.Close() })

	hal.Register(machine)
	bootinfo.SetInfoPtr(uintptr(machine.PhysToVirt(machine.BootInfo())))
	require.Nil(t, pmm.Init(pmm.DefaultReservedFrames))

	Init()
	return machine
}
