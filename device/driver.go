// Package device defines the contract shared by the kernel's device drivers.
package device

import (
	"gophermm/kernel"
	"io"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. If the driver init code
	// needs to log some output, it can use the supplied io.Writer in
	// conjunction with a call to kfmt.Fprintf.
	DriverInit(io.Writer) *kernel.Error
}

// LogSink is implemented by drivers that can receive the kernel log.
type LogSink interface {
	Driver
	io.Writer
}

// ProbeFn is a function that scans for the presence of a particular
// piece of hardware and returns a driver for it or nil if the hardware is
// not present.
type ProbeFn func() Driver
