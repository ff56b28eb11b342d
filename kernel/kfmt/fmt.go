// Package kfmt implements an allocation-free subset of fmt.Printf that the
// memory manager can use for diagnostics before, and while, the memory
// allocators are brought up.
package kfmt

import (
	"io"
	"unsafe"

	"github.com/CodeStix/kokos-sub000/kernel/sync"
)

// maxBufSize defines the buffer size for formatting numbers. It fits a
// 31-character padded number plus its sign.
const maxBufSize = 32

const digits = "0123456789abcdef"

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// earlyPrintBuffer is a ring buffer that stores Printf output until an
	// output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// std holds the scratch buffers shared by all Printf/Fprintf calls. Any
	// access to it (and to the early buffer) is serialized by printLock.
	std       printer
	printLock sync.Spinlock
)

// printer holds the scratch space used while formatting. Package-level
// storage is used instead of locals so that formatting never triggers a heap
// allocation.
type printer struct {
	numBuf     [maxBufSize]byte
	singleByte [1]byte
}

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	printLock.Acquire()
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
	printLock.Release()
}

// GetOutputSink returns the currently active output sink or nil if output is
// still being captured by the early ring buffer.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf provides a minimal Printf implementation that can be safely used
// before the Go runtime has been properly initialized. This implementation
// does not allocate any memory.
//
// Similar to fmt.Printf, this version of printf supports the following subset
// of formatting verbs:
//
// Strings:
//		%s the uninterpreted bytes of the string or byte slice
//
// Integers:
//		%o base 8
//		%d base 10
//		%x base 16, with lower-case letters for a-f
//
// Booleans:
//		%t "true" or "false"
//
// Width is specified by an optional decimal number immediately preceding the
// verb. String values and base-10 integers are left-padded with spaces while
// base-8 and base-16 integers are left-padded with zeroes.
//
// Pointers (%p) are not supported as printing them requires reflection which
// makes the compiler emit allocating runtime calls.
//
// Output goes to the sink installed via SetOutputSink. If no sink is
// available, the output is buffered into a ring-buffer and flushed to the
// sink once one gets attached.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	printLock.Acquire()
	std.fprintf(w, format, args)
	printLock.Release()
}

func (p *printer) fprintf(w io.Writer, format string, args []interface{}) {
	var (
		nextArgIndex int
		padLen       int
		fmtLen       = len(format)
	)

	for i := 0; i < fmtLen; i++ {
		if format[i] != '%' {
			// passing a format sub-slice to the writer triggers a
			// memory allocation so we need to do this one byte at a time.
			p.writeByte(w, format[i])
			continue
		}

		padLen = 0
		for i++; ; i++ {
			if i == fmtLen {
				// reached end of formatting string without finding a verb
				p.write(w, errNoVerb)
				break
			}

			ch := format[i]
			if ch >= '0' && ch <= '9' {
				padLen = (padLen * 10) + int(ch-'0')
				continue
			}

			if ch == '%' {
				p.writeByte(w, '%')
				break
			}

			if ch != 'd' && ch != 'x' && ch != 'o' && ch != 's' && ch != 't' {
				p.write(w, errNoVerb)
				break
			}

			if nextArgIndex >= len(args) {
				p.write(w, errMissingArg)
				break
			}

			switch ch {
			case 'o':
				p.fmtInt(w, args[nextArgIndex], 8, padLen)
			case 'd':
				p.fmtInt(w, args[nextArgIndex], 10, padLen)
			case 'x':
				p.fmtInt(w, args[nextArgIndex], 16, padLen)
			case 's':
				p.fmtString(w, args[nextArgIndex], padLen)
			case 't':
				p.fmtBool(w, args[nextArgIndex])
			}
			nextArgIndex++
			break
		}
	}

	for ; nextArgIndex < len(args); nextArgIndex++ {
		p.write(w, errExtraArg)
	}
}

func (p *printer) fmtBool(w io.Writer, v interface{}) {
	bVal, ok := v.(bool)
	switch {
	case !ok:
		p.write(w, errWrongArgType)
	case bVal:
		p.write(w, trueValue)
	default:
		p.write(w, falseValue)
	}
}

func (p *printer) fmtString(w io.Writer, v interface{}, padLen int) {
	switch castedVal := v.(type) {
	case string:
		p.fmtRepeat(w, ' ', padLen-len(castedVal))
		for i := 0; i < len(castedVal); i++ {
			p.writeByte(w, castedVal[i])
		}
	case []byte:
		p.fmtRepeat(w, ' ', padLen-len(castedVal))
		p.write(w, castedVal)
	default:
		p.write(w, errWrongArgType)
	}
}

func (p *printer) fmtRepeat(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		p.writeByte(w, ch)
	}
}

// fmtInt prints out a formatted version of v in the requested base, applying
// the padding specified by padLen. Digits are emitted from the right end of
// numBuf towards its start.
func (p *printer) fmtInt(w io.Writer, v interface{}, base uint64, padLen int) {
	var (
		uval uint64
		neg  bool
	)

	switch t := v.(type) {
	case uint8:
		uval = uint64(t)
	case uint16:
		uval = uint64(t)
	case uint32:
		uval = uint64(t)
	case uint64:
		uval = t
	case uintptr:
		uval = uint64(t)
	case uint:
		uval = uint64(t)
	case int8:
		neg, uval = splitSign(int64(t))
	case int16:
		neg, uval = splitSign(int64(t))
	case int32:
		neg, uval = splitSign(int64(t))
	case int64:
		neg, uval = splitSign(t)
	case int:
		neg, uval = splitSign(int64(t))
	default:
		p.write(w, errWrongArgType)
		return
	}

	if padLen >= maxBufSize {
		padLen = maxBufSize - 1
	}

	end := len(p.numBuf)
	pos := end
	for {
		pos--
		p.numBuf[pos] = digits[uval%base]
		if uval /= base; uval == 0 {
			break
		}
	}

	if base == 10 {
		// the sign sits next to the digits and the padding goes in front
		if neg {
			pos--
			p.numBuf[pos] = '-'
		}
		for ; end-pos < padLen; pos-- {
			p.numBuf[pos-1] = ' '
		}
	} else {
		for ; end-pos < padLen; pos-- {
			p.numBuf[pos-1] = '0'
		}
		if neg {
			pos--
			p.numBuf[pos] = '-'
		}
	}

	p.write(w, p.numBuf[pos:end])
}

func splitSign(v int64) (bool, uint64) {
	if v < 0 {
		return true, uint64(-v)
	}
	return false, uint64(v)
}

func (p *printer) writeByte(w io.Writer, b byte) {
	p.singleByte[0] = b
	p.write(w, p.singleByte[:])
}

// write is a proxy that uses the runtime.noescape hack to hide b from the
// compiler's escape analysis. Without it the compiler flags b as escaping
// (the writer is only known at runtime) and every Printf call ends up
// allocating.
func (p *printer) write(w io.Writer, b []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&b)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	b := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(b)
	} else {
		earlyPrintBuffer.Write(b)
	}
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
