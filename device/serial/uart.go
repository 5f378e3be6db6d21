// Package serial implements a driver for 16550-compatible UARTs that is used
// as the sink for the kernel log.
package serial

import (
	"gophermm/device"
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/kfmt"
	"io"
)

// COM1 is the I/O port base of the first serial port.
const COM1 = uint16(0x3f8)

// Register offsets relative to the port base.
const (
	regData        = 0
	regIntEnable   = 1
	regFifoControl = 2
	regLineControl = 3
	regModemCtrl   = 4
	regLineStatus  = 5
	regScratch     = 7

	lineControlDLAB = 0x80
	lineControl8N1  = 0x03
	lineStatusTHRE  = 0x20

	// divisor for 38400 baud
	baudDivisor = 3

	// maxTHREPolls bounds the busy-wait for the transmitter so a missing
	// or stuck UART cannot hang the kernel.
	maxTHREPolls = 1 << 16

	scratchProbeValue = 0xae
)

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte

	errNoDevice = &kernel.Error{Module: "serial", Message: "no UART detected at port"}
)

// UART drives a 16550-compatible serial port.
type UART struct {
	base uint16
}

// NewUART returns a driver for the UART located at the supplied I/O port
// base.
func NewUART(base uint16) UART {
	return UART{base: base}
}

// DriverName returns the name of this driver.
func (u *UART) DriverName() string {
	return "uart_16550"
}

// DriverVersion returns the version of this driver.
func (u *UART) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

// DriverInit checks that the UART is present and configures it for 38400
// baud, 8 data bits, no parity and 1 stop bit with FIFOs enabled.
func (u *UART) DriverInit(w io.Writer) *kernel.Error {
	// The scratch register is read-write on every 16550 compatible UART.
	portWriteByteFn(u.base+regScratch, scratchProbeValue)
	if portReadByteFn(u.base+regScratch) != scratchProbeValue {
		return errNoDevice
	}

	portWriteByteFn(u.base+regIntEnable, 0)
	portWriteByteFn(u.base+regLineControl, lineControlDLAB)
	portWriteByteFn(u.base+regData, baudDivisor&0xff)
	portWriteByteFn(u.base+regIntEnable, baudDivisor>>8)
	portWriteByteFn(u.base+regLineControl, lineControl8N1)
	portWriteByteFn(u.base+regFifoControl, 0xc7)
	portWriteByteFn(u.base+regModemCtrl, 0x0b)

	kfmt.Fprintf(w, "port 0x%x, 38400 8N1\n", u.base)
	return nil
}

// Write implements io.Writer. Line feeds are expanded to CR-LF.
func (u *UART) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' {
			u.writeByte('\r')
		}
		u.writeByte(b)
	}

	return len(p), nil
}

func (u *UART) writeByte(b byte) {
	for polls := 0; polls < maxTHREPolls && portReadByteFn(u.base+regLineStatus)&lineStatusTHRE == 0; polls++ {
	}
	portWriteByteFn(u.base+regData, b)
}

// com1 is the COM1 driver instance handed out by ProbeForCOM1.
var com1 = NewUART(COM1)

// ProbeForCOM1 returns the COM1 driver.
func ProbeForCOM1() device.Driver {
	return &com1
}

var _ device.LogSink = (*UART)(nil)
