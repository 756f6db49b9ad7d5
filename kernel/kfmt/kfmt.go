package kfmt

import (
	"io"
	"unsafe"
)

// numBufSize is large enough for a 64-bit value in base 8 plus a sign.
const numBufSize = 24

var (
	errMissingArg = []byte("%!(MISSING)")
	errBadVerb    = []byte("%!(BADVERB)")
	errBadType    = []byte("%!(BADTYPE)")
	errExtraArg   = []byte("%!(EXTRA)")
	trueValue     = []byte("true")
	falseValue    = []byte("false")

	numBuf [numBufSize]byte

	// singleByte is a shared one-byte buffer used to funnel individual
	// characters into emit without converting strings to byte slices.
	singleByte = []byte{0}

	// earlyRing buffers Printf output generated before a sink is registered.
	earlyRing outputRing

	// outputSink is the io.Writer that receives Printf output. While nil,
	// output accumulates in earlyRing.
	outputSink io.Writer
)

// SetOutputSink routes the output of future Printf calls to w and drains any
// output accumulated in the early boot ring buffer into it. Passing nil
// reverts to ring buffering.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyRing)
	}
}

// Printf formats its arguments and writes them to the active output sink. It
// is safe to call before the Go allocator is available: no memory is
// allocated and output produced before SetOutputSink lands in a fixed ring
// buffer.
//
// The supported verbs are a subset of the fmt package verbs:
//
//	%s	string or []byte contents
//	%d	base 10 integer
//	%x	base 16 integer, lower-case
//	%o	base 8 integer
//	%t	"true" or "false"
//	%c	single ASCII character from an integer value
//	%%	literal percent sign
//
// An optional decimal width before the verb left-pads the value with spaces;
// a leading 0 in the width pads integers with zeroes instead (e.g. %016x).
//
// Pointer verbs are intentionally unsupported: formatting pointers drags in
// the reflect package whose itable setup calls the allocator, which would
// crash early boot code. Print pointer-like values with %x instead.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but writes the formatted output to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var argIndex int

	for i := 0; i < len(format); {
		if format[i] != '%' {
			emitByte(w, format[i])
			i++
			continue
		}

		i++
		if i == len(format) {
			emit(w, errBadVerb)
			break
		}
		if format[i] == '%' {
			emitByte(w, '%')
			i++
			continue
		}

		var zeroPad bool
		if format[i] == '0' {
			zeroPad = true
			i++
		}
		var width int
		for ; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}
		if i == len(format) {
			emit(w, errBadVerb)
			break
		}

		verb := format[i]
		i++

		switch verb {
		case 'd', 'x', 'o', 's', 't', 'c':
			if argIndex >= len(args) {
				emit(w, errMissingArg)
				continue
			}
			arg := args[argIndex]
			argIndex++

			switch verb {
			case 'd':
				fmtInt(w, arg, 10, width, zeroPad)
			case 'x':
				fmtInt(w, arg, 16, width, zeroPad)
			case 'o':
				fmtInt(w, arg, 8, width, zeroPad)
			case 's':
				fmtString(w, arg, width)
			case 't':
				fmtBool(w, arg)
			case 'c':
				fmtChar(w, arg)
			}
		default:
			emit(w, errBadVerb)
		}
	}

	for ; argIndex < len(args); argIndex++ {
		emit(w, errExtraArg)
	}
}

func fmtBool(w io.Writer, arg interface{}) {
	v, ok := arg.(bool)
	if !ok {
		emit(w, errBadType)
		return
	}
	if v {
		emit(w, trueValue)
	} else {
		emit(w, falseValue)
	}
}

func fmtChar(w io.Writer, arg interface{}) {
	switch v := arg.(type) {
	case byte:
		emitByte(w, v)
	case rune:
		emitByte(w, byte(v))
	case int:
		emitByte(w, byte(v))
	default:
		emit(w, errBadType)
	}
}

func fmtString(w io.Writer, arg interface{}, width int) {
	switch v := arg.(type) {
	case string:
		for pad := width - len(v); pad > 0; pad-- {
			emitByte(w, ' ')
		}
		// slicing v would convert it to a byte slice and allocate, so the
		// contents go out one byte at a time.
		for i := 0; i < len(v); i++ {
			emitByte(w, v[i])
		}
	case []byte:
		for pad := width - len(v); pad > 0; pad-- {
			emitByte(w, ' ')
		}
		emit(w, v)
	default:
		emit(w, errBadType)
	}
}

// fmtInt formats any built-in integer type in the requested base. The digits
// are rendered right to left into numBuf; padding never touches the buffer
// so widths larger than numBufSize are fine.
func fmtInt(w io.Writer, arg interface{}, base, width int, zeroPad bool) {
	var (
		val uint64
		neg bool
	)

	switch v := arg.(type) {
	case uint8:
		val = uint64(v)
	case uint16:
		val = uint64(v)
	case uint32:
		val = uint64(v)
	case uint64:
		val = v
	case uint:
		val = uint64(v)
	case uintptr:
		val = uint64(v)
	case int8:
		neg = v < 0
		val = uint64(abs64(int64(v)))
	case int16:
		neg = v < 0
		val = uint64(abs64(int64(v)))
	case int32:
		neg = v < 0
		val = uint64(abs64(int64(v)))
	case int64:
		neg = v < 0
		val = uint64(abs64(v))
	case int:
		neg = v < 0
		val = uint64(abs64(int64(v)))
	default:
		emit(w, errBadType)
		return
	}

	i := numBufSize
	for {
		i--
		digit := byte(val % uint64(base))
		if digit < 10 {
			numBuf[i] = '0' + digit
		} else {
			numBuf[i] = 'a' + digit - 10
		}
		val /= uint64(base)
		if val == 0 {
			break
		}
	}

	printed := numBufSize - i
	if neg {
		printed++
	}

	if zeroPad {
		if neg {
			emitByte(w, '-')
		}
		for ; printed < width; printed++ {
			emitByte(w, '0')
		}
	} else {
		for ; printed < width; printed++ {
			emitByte(w, ' ')
		}
		if neg {
			emitByte(w, '-')
		}
	}
	emit(w, numBuf[i:])
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func emitByte(w io.Writer, b byte) {
	singleByte[0] = b
	emit(w, singleByte)
}

// emit hides p from escape analysis via the runtime.noescape trick. Without
// it the compiler cannot prove that p does not escape through the io.Writer
// call and boxes every argument on the heap, which crashes Printf calls made
// before the allocator is initialized.
func emit(w io.Writer, p []byte) {
	emitRaw(w, noEscape(unsafe.Pointer(&p)))
}

func emitRaw(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyRing.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. Copied from runtime/stubs.go.
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
