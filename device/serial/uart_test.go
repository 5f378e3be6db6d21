package serial

import (
	"bytes"
	"gophermm/device"
	"testing"
)

type portWrite struct {
	port uint16
	val  uint8
}

func TestUARTDriverInit(t *testing.T) {
	defer func(origWrite func(uint16, uint8), origRead func(uint16) uint8) {
		portWriteByteFn = origWrite
		portReadByteFn = origRead
	}(portWriteByteFn, portReadByteFn)

	var (
		writes  []portWrite
		scratch uint8
	)
	portWriteByteFn = func(port uint16, val uint8) {
		if port == COM1+regScratch {
			scratch = val
		}
		writes = append(writes, portWrite{port, val})
	}
	portReadByteFn = func(port uint16) uint8 {
		if port == COM1+regScratch {
			return scratch
		}
		return 0
	}

	u := NewUART(COM1)
	var buf bytes.Buffer
	if err := u.DriverInit(&buf); err != nil {
		t.Fatal(err)
	}

	exp := []portWrite{
		{COM1 + regScratch, scratchProbeValue},
		{COM1 + regIntEnable, 0},
		{COM1 + regLineControl, lineControlDLAB},
		{COM1 + regData, baudDivisor},
		{COM1 + regIntEnable, 0},
		{COM1 + regLineControl, lineControl8N1},
		{COM1 + regFifoControl, 0xc7},
		{COM1 + regModemCtrl, 0x0b},
	}

	if len(writes) != len(exp) {
		t.Fatalf("expected %d port writes; got %d", len(exp), len(writes))
	}
	for specIndex, spec := range exp {
		if writes[specIndex] != spec {
			t.Errorf("[spec %d] expected write %+v; got %+v", specIndex, spec, writes[specIndex])
		}
	}

	if exp, got := "port 0x3f8, 38400 8N1\n", buf.String(); got != exp {
		t.Fatalf("expected init output %q; got %q", exp, got)
	}
}

func TestUARTDriverInitMissingDevice(t *testing.T) {
	defer func(origWrite func(uint16, uint8), origRead func(uint16) uint8) {
		portWriteByteFn = origWrite
		portReadByteFn = origRead
	}(portWriteByteFn, portReadByteFn)

	portWriteByteFn = func(_ uint16, _ uint8) {}
	portReadByteFn = func(_ uint16) uint8 { return 0xff }

	u := NewUART(COM1)
	if err := u.DriverInit(&bytes.Buffer{}); err != errNoDevice {
		t.Fatalf("expected errNoDevice; got %v", err)
	}
}

func TestUARTWrite(t *testing.T) {
	defer func(origWrite func(uint16, uint8), origRead func(uint16) uint8) {
		portWriteByteFn = origWrite
		portReadByteFn = origRead
	}(portWriteByteFn, portReadByteFn)

	var (
		out       []byte
		busyPolls int
	)
	portWriteByteFn = func(port uint16, val uint8) {
		if port != COM1+regData {
			t.Fatalf("unexpected write to port 0x%x", port)
		}
		out = append(out, val)
	}
	portReadByteFn = func(port uint16) uint8 {
		if port != COM1+regLineStatus {
			t.Fatalf("unexpected read from port 0x%x", port)
		}

		// Report a busy transmitter every other poll
		busyPolls++
		if busyPolls%2 == 1 {
			return 0
		}
		return lineStatusTHRE
	}

	u := NewUART(COM1)
	n, err := u.Write([]byte("mm ok\nheap"))
	if err != nil {
		t.Fatal(err)
	}

	if n != 10 {
		t.Fatalf("expected Write to report 10 bytes; got %d", n)
	}

	if exp := "mm ok\r\nheap"; string(out) != exp {
		t.Fatalf("expected %q to be sent; got %q", exp, string(out))
	}
}

func TestProbeForCOM1(t *testing.T) {
	drv := ProbeForCOM1()
	if drv == nil {
		t.Fatal("expected ProbeForCOM1 to return a driver")
	}

	if _, ok := drv.(device.LogSink); !ok {
		t.Fatal("expected the COM1 driver to be usable as a log sink")
	}

	if exp, got := "uart_16550", drv.DriverName(); got != exp {
		t.Fatalf("expected driver name %q; got %q", exp, got)
	}
}
