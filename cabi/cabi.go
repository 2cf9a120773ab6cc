// Package cabi adapts the optim operations to C calling conventions. The
// exported symbols themselves live in cmd/liboptim since cgo only emits
// //export entries from package main.
package cabi

/*
#include <stdint.h>
#include <string.h>

static size_t optim_strlen(const char* text) {
	return strlen(text);
}
*/
import "C"

import (
	"os"
	"unsafe"

	"github.com/gitph/gitoptim/optim"
)

// Hello writes the diagnostic line to standard output. Go writes to fd 1
// without buffering, so the line is visible before Hello returns even when
// the host process keeps its own stdio buffers.
func Hello() {
	_ = optim.Hello(os.Stdout)
}

func Calculate(input int32) int32 {
	return optim.Calculate(input)
}

// StringLength measures the nul-terminated string at text with C strlen.
// A nil text yields optim.NullLength. Any other pointer must reference a
// readable, terminated buffer for the duration of the call.
func StringLength(text unsafe.Pointer) int32 {
	if text == nil {
		return optim.NullLength
	}
	return optim.SaturateLength(uint64(C.optim_strlen((*C.char)(text))))
}

// GoBytes borrows the nul-terminated string at text as a slice that excludes
// the terminator. Nothing is copied: the slice is only valid while the
// caller keeps the C buffer alive. A nil text yields a nil slice.
func GoBytes(text unsafe.Pointer) []byte {
	if text == nil {
		return nil
	}
	n := C.optim_strlen((*C.char)(text))
	if n == 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(text), int(n))
}
