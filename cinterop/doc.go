// This software package is designed to help interop between legacy C programs
// and the optim operations when linking the native library is not an option.
//
// A process started with StartServer prints a 96 byte handshake on stdout
// (Header, socket path, token). A C program reads it, connects to the unix
// socket, writes the token followed by one opcode byte and then streams work:
//
//	OpHello        no input; the diagnostic line comes back.
//	OpCalculate    little-endian int32 items; one int32 result per item.
//	OpStringLength nul-terminated strings; one varint length per string,
//	               sent as soon as its terminator arrives.
//
// The connection is done once the client shuts down its write side and all
// responses have been read.
package cinterop
