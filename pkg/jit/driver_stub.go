//go:build !386

package jit

import "github.com/r5vm/r5vm-go/pkg/vm"

// Driver is the non-386 stand-in: there is no host code generator for
// this architecture, so Compile always fails and callers fall back to
// the interpreter in pkg/vm.
type Driver struct {
	DumpPath string
}

// Compiled is never constructed on this architecture; it exists only
// so code written against the Driver/Compiled pair builds on every
// host.
type Compiled struct{}

// Compile always returns ErrUnsupportedHost on a non-386 host.
func (d *Driver) Compile(v *vm.VM) (*Compiled, error) {
	return nil, ErrUnsupportedHost
}

// Run is unreachable: no Compiled value exists on this architecture.
func (c *Compiled) Run(v *vm.VM) error { return ErrUnsupportedHost }

// Close is unreachable: no Compiled value exists on this architecture.
func (c *Compiled) Close() error { return nil }
