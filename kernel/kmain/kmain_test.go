package kmain

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helios/kernel/hal"
	"helios/kernel/hal/sim"
	"helios/kernel/kfmt"
	"helios/kernel/mm"
	"helios/kernel/mm/heap"
	"helios/kernel/mm/pmm"
	"helios/kernel/mm/slab"
	"helios/kernel/mm/vmm"
)

func TestKmainRequiresBackend(t *testing.T) {
	hal.Register(nil)

	assert.Equal(t, errNoBackend, Kmain())
}

func TestKmainBringsUpTheAllocatorStack(t *testing.T) {
	machine, err := sim.New(sim.Config{MemSize: 64 << 20})
	require.Nil(t, err)
	t.Cleanup(func() { machine.Close() })
	hal.Register(machine)

	prevSink := kfmt.GetOutputSink()
	defer kfmt.SetOutputSink(prevSink)
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	require.Nil(t, Kmain())

	log := buf.String()
	assert.True(t, strings.Contains(log, "initializing memory management"), "boot log:\n%s", log)
	assert.True(t, strings.Contains(log, "memory management initialized"), "boot log:\n%s", log)

	// Every layer must be live afterwards.
	frame, err := pmm.AllocFrame()
	require.Nil(t, err)
	require.Nil(t, pmm.FreeFrame(frame))

	require.NotNil(t, vmm.KernelSpace())

	obj, err := slab.Alloc(64)
	require.Nil(t, err)
	require.Nil(t, slab.Free(obj, 64))

	ptr, err := heap.Alloc(2 * mm.PageSize)
	require.Nil(t, err)
	require.Nil(t, heap.Free(ptr, 2*mm.PageSize))
}
