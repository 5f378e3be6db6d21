package kernel

import "testing"

func TestKernelError(t *testing.T) {
	err := &Error{
		Module:  "pmm",
		Message: "out of physical frames",
	}

	if err.Error() != err.Message {
		t.Fatalf("expected to err.Error() to return %q; got %q", err.Message, err.Error())
	}

	var asError error = err
	if asError != error(err) {
		t.Fatal("expected kernel errors to be comparable by identity")
	}
}
