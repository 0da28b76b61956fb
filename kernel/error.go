package kernel

// Error describes a failure reported by the memory management core. Errors
// are declared as package-level pointers to Error and compared by identity;
// creating one must never allocate on the failure path of an allocator.
type Error struct {
	// The module that reported the error, e.g. "pmm" or "kheap".
	Module string

	// The error message
	Message string
}

// Error implements the error interface so that host-side tooling can wrap
// kernel errors.
func (e *Error) Error() string {
	return e.Message
}
