package kernel

// Error describes a kernel error. Kernel errors are always defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that the Go allocator may not be available at the time the
// error is raised so we cannot use errors.New.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
