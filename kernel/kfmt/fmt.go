// Package kfmt implements the allocation-free formatted output used by the
// memory core. Everything in this package must work before the kernel heap
// exists, so it never relies on the fmt package or on interface method
// tables that require runtime initialization.
package kfmt

import (
	"io"
	"unsafe"
)

var (
	errMissingArg   = []byte("%!(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errBadVerb      = []byte("%!(BADVERB)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	digits = "0123456789abcdef"

	// numBuf holds the digits of the number being formatted. It is large
	// enough for a 64-bit value in base 8, a sign and the max padding.
	numBuf [34]byte

	// singleByte is used as a shared buffer for passing single characters
	// to doWrite.
	singleByte = []byte(" ")

	// earlyPrintBuffer stores Printf output until an output sink is
	// attached.
	earlyPrintBuffer ringBuffer

	// outputSink is where Printf sends its output. While nil, output is
	// captured by earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and flushes
// any output accumulated in the early print buffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf writes formatted output to the active output sink. It supports the
// following subset of the fmt verbs:
//
//  %s  string or []byte
//  %d  base 10 integer
//  %x  base 16 integer, lower-case
//  %o  base 8 integer
//  %t  bool
//  %%  a literal percent sign
//
// An optional decimal width may precede the verb. Strings and base-10
// integers are left-padded with spaces; base-8 and base-16 integers are
// left-padded with zeroes.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		width    int
		verb     byte
	)

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			writeByte(w, format[i])
			continue
		}

		for width, i = 0, i+1; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == len(format) {
			doWrite(w, errNoVerb)
			break
		}

		if verb = format[i]; verb == '%' {
			writeByte(w, '%')
			continue
		}

		if argIndex == len(args) {
			doWrite(w, errMissingArg)
			continue
		}

		switch verb {
		case 'd':
			fmtInt(w, args[argIndex], 10, width)
		case 'x':
			fmtInt(w, args[argIndex], 16, width)
		case 'o':
			fmtInt(w, args[argIndex], 8, width)
		case 's':
			fmtString(w, args[argIndex], width)
		case 't':
			fmtBool(w, args[argIndex])
		default:
			doWrite(w, errBadVerb)
		}
		argIndex++
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case b:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		writeRepeat(w, ' ', width-len(s))
		// converting s to a []byte would allocate
		for i := 0; i < len(s); i++ {
			writeByte(w, s[i])
		}
	case []byte:
		writeRepeat(w, ' ', width-len(s))
		doWrite(w, s)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtInt formats any built-in integer type in base 8, 10 or 16.
func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	var (
		uval uint64
		sval int64
		neg  bool
	)

	switch n := v.(type) {
	case uint8:
		uval = uint64(n)
	case uint16:
		uval = uint64(n)
	case uint32:
		uval = uint64(n)
	case uint64:
		uval = n
	case uint:
		uval = uint64(n)
	case uintptr:
		uval = uint64(n)
	case int8:
		sval = int64(n)
	case int16:
		sval = int64(n)
	case int32:
		sval = int64(n)
	case int64:
		sval = n
	case int:
		sval = int64(n)
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if sval < 0 {
		neg, uval = true, uint64(-sval)
	} else if sval > 0 {
		uval = uint64(sval)
	}

	if maxWidth := len(numBuf) - 1; width > maxWidth {
		width = maxWidth
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}

	pos := len(numBuf)
	for {
		pos--
		numBuf[pos] = digits[uval%base]
		if uval /= base; uval == 0 {
			break
		}
	}

	// Space padding goes before the sign; zero padding after it.
	if neg && padCh == ' ' {
		pos--
		numBuf[pos] = '-'
	}

	signWidth := 0
	if neg && padCh == '0' {
		signWidth = 1
	}

	for len(numBuf)-pos+signWidth < width {
		pos--
		numBuf[pos] = padCh
	}

	if signWidth != 0 {
		pos--
		numBuf[pos] = '-'
	}

	doWrite(w, numBuf[pos:])
}

func writeRepeat(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

func writeByte(w io.Writer, ch byte) {
	singleByte[0] = ch
	doWrite(w, singleByte)
}

// doWrite hides p from the compiler's escape analysis. Without it the call
// through the io.Writer interface marks p as escaping and every Printf call
// performs a heap allocation, which crashes the kernel if it happens before
// the heap is mapped.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		_, _ = w.Write(p)
	} else {
		_, _ = earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
