//go:build !unix

package sim

// mapArena allocates size bytes of zeroed memory for use as simulated
// physical memory on platforms without anonymous memory mappings. The
// allocation is committed up front in this case.
func mapArena(size int) ([]byte, error) {
	return make([]byte, size), nil
}

// unmapArena releases an arena obtained through mapArena.
func unmapArena(mem []byte) error {
	return nil
}
