//go:build unix

package sim

import "golang.org/x/sys/unix"

// mapArena reserves size bytes of zeroed memory for use as simulated
// physical memory. The mapping is anonymous and lazily committed, so a large
// machine only consumes host memory for the frames the kernel actually
// touches.
func mapArena(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
}

// unmapArena releases an arena obtained through mapArena.
func unmapArena(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}
