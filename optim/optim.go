// Package optim holds the three operations exported by the native library,
// with Go signatures. The cgo layer in package cabi maps them onto the C ABI.
//
// All operations are stateless and safe to call from any number of
// goroutines; Hello's only effect is the line it writes.
package optim

import (
	"bytes"
	"io"
	"math"

	"github.com/gitph/gitoptim/errors"
)

// DiagnosticLine is written by Hello, followed by a newline.
const DiagnosticLine = "[Go] Hello from the native library! The FFI link is working."

// NullLength is the length reported across the C ABI for a null pointer.
const NullLength int32 = -1

var (
	// ErrNullText is returned by StringLength for a nil slice, the Go form
	// of a null pointer.
	ErrNullText = errors.New("optim: text pointer is null")

	// ErrTextTooLong is returned by StringLength when the byte count exceeds
	// math.MaxInt32.
	ErrTextTooLong = errors.New("optim: text length does not fit in int32")
)

// Hello writes the diagnostic line to w and flushes w when it buffers.
func Hello(w io.Writer) error {
	line := make([]byte, 0, len(DiagnosticLine)+1)
	line = append(line, DiagnosticLine...)
	line = append(line, '\n')
	if _, err := w.Write(line); err != nil {
		return errors.Wrap(err, "optim: writing diagnostic line")
	}
	if f, ok := w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return errors.Wrap(err, "optim: flushing diagnostic line")
		}
	}
	return nil
}

// Calculate returns input*2 + 10. Overflow wraps in two's complement, so
// every int32 input has a defined result.
func Calculate(input int32) int32 {
	return input*2 + 10
}

// StringLength counts the bytes of text before its first nul, or all of
// text when it has none. A nil slice stands for a null pointer.
func StringLength(text []byte) (int32, error) {
	if text == nil {
		return 0, ErrNullText
	}
	n := bytes.IndexByte(text, 0)
	if n < 0 {
		n = len(text)
	}
	return lengthToInt32(uint64(n))
}

// LengthOrSentinel is StringLength shaped for the C ABI: NullLength for nil
// and math.MaxInt32 for lengths that do not fit.
func LengthOrSentinel(text []byte) int32 {
	n, err := StringLength(text)
	return sentinel(n, err)
}

// SaturateLength converts a byte count measured elsewhere (C strlen) with the
// same rules as LengthOrSentinel.
func SaturateLength(n uint64) int32 {
	return sentinel(lengthToInt32(n))
}

func lengthToInt32(n uint64) (int32, error) {
	if n > math.MaxInt32 {
		return math.MaxInt32, ErrTextTooLong
	}
	return int32(n), nil
}

func sentinel(n int32, err error) int32 {
	switch err {
	case nil, ErrTextTooLong:
		return n
	default:
		return NullLength
	}
}
