package kernel

// Kind classifies kernel errors so that callers can react to a failure
// class without comparing against every sentinel value a module defines.
type Kind uint8

// The list of supported error kinds.
const (
	// KindInternal tags errors that fit no other kind.
	KindInternal Kind = iota

	// KindOutOfMemory tags allocation failures. They are surfaced to the
	// caller and are never fatal by themselves.
	KindOutOfMemory

	// KindInvalidArgument tags requests rejected before touching any
	// shared state: misaligned or out-of-range addresses, non-canonical
	// virtual addresses, zero-size allocations and the like. The
	// offending operation is a no-op.
	KindInvalidArgument

	// KindCorruption tags inconsistencies detected in allocator state,
	// for example a double free or a pointer that does not belong to any
	// tracked slab. Corruption detected on an allocation or free path is
	// logged and the call fails without mutating shared counters.
	KindCorruption
)

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that errors are compared by pointer and may be raised from
// contexts where allocating a fresh error value is not an option.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error kind.
	Kind Kind

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
