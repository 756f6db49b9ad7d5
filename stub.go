package main

import "github.com/yubrot/ors/kernel/kmain"

var (
	frameBufferPtr uintptr
	memoryMapPtr   uintptr
)

// main makes a dummy call to the actual kernel main entrypoint function. It
// is intentionally defined to prevent the Go compiler from optimizing away the
// real kernel code. On hardware the loader trampoline calls kmain.Kmain
// directly with the boot hand-over pointers; main is never reached.
//
// Global variables are passed as arguments to Kmain to prevent the compiler
// from inlining the actual call and removing Kmain from the generated .o file.
func main() {
	kmain.Kmain(frameBufferPtr, memoryMapPtr)
}
