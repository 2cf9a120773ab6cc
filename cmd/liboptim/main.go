// liboptim builds the native library consumed by foreign hosts:
//
//	go build -buildmode=c-shared -o libgit_optim.so ./cmd/liboptim
//	go build -buildmode=c-archive -o libgit_optim.a ./cmd/liboptim
//
// Hosts include optim.h from this directory. The symbol names predate this
// implementation and must not change.
package main

/*
#include <stdint.h>
#include <stdlib.h>
*/
import "C"

import (
	"unsafe"

	"github.com/gitph/gitoptim/cabi"
)

//export hello_from_cpp
func hello_from_cpp() {
	cabi.Hello()
}

//export perform_complex_calculation
func perform_complex_calculation(input C.int32_t) C.int32_t {
	return C.int32_t(cabi.Calculate(int32(input)))
}

// Returns -1 for a null text.
//
//export get_string_length_from_cpp
func get_string_length_from_cpp(text *C.char) C.int32_t {
	return C.int32_t(cabi.StringLength(unsafe.Pointer(text)))
}

// Go-typed wrappers that go through the exported symbols, including the C
// string conversion a host performs. A nil text is passed as NULL.
func callCalculation(input int32) int32 {
	return int32(perform_complex_calculation(C.int32_t(input)))
}

func callStringLength(text []byte) int32 {
	if text == nil {
		return int32(get_string_length_from_cpp(nil))
	}
	ctext := C.CString(string(text))
	defer C.free(unsafe.Pointer(ctext))
	return int32(get_string_length_from_cpp(ctext))
}

// Required by -buildmode=c-shared and c-archive; never runs.
func main() {}
