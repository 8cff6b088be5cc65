//go:build 386

package jit

// callEntry invokes the host machine code at entry as a nullary
// function, implemented in entry_386.s since Go has no other way to
// jump into a raw, non-Go code address as a call.
func callEntry(entry uintptr)
