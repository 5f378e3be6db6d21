package kernel

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. Most of the memory core
// runs before the kernel heap exists so errors.New and fmt.Errorf cannot be
// used; errors are compared by identity instead.
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
