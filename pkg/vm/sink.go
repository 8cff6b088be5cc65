package vm

import (
	"errors"
	"log"
	"net"
)

// ErrConsoleDetach indicates the remote console connection failed
// while servicing an ECALL write-byte request.
var ErrConsoleDetach = errors.New("vm: console detached")

// RemoteConsole is an optional ECALL service-1 sink that forwards the
// guest's byte-oriented output to a TCP client, instead of the host's
// own stdout. It implements io.Writer so it can be assigned directly
// to VM.Out.
//
// Adapted from the teacher's SerialTTY: that type modeled a two-way,
// interrupt-driven serial line (status register, input register,
// polled InterruptPending) because the teacher's RiSC-16-derived ISA
// had no other way to talk to the outside world. RV32I's ECALL
// convention needs none of that — it is a one-way, synchronous
// write-one-byte service — so only the accept-and-write half survives
// here; the interrupt/status-register machinery has no RV32I-side
// analogue (no interrupts; spec Non-goal) and was dropped.
type RemoteConsole struct {
	conn net.Conn
}

// AcceptConsole waits for a single controlling TCP connection and
// returns a RemoteConsole wrapping it.
func AcceptConsole() (*RemoteConsole, error) {
	nl, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	log.Printf("vm: waiting for console to attach on %s/tcp...", nl.Addr())
	conn, err := nl.Accept()
	if err != nil {
		return nil, err
	}
	return &RemoteConsole{conn: conn}, nil
}

// LocalAddr returns the address the console listener accepted on.
func (c *RemoteConsole) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Write implements io.Writer, forwarding each byte to the remote
// client as it arrives.
func (c *RemoteConsole) Write(p []byte) (int, error) {
	n, err := c.conn.Write(p)
	if err != nil {
		return n, ErrConsoleDetach
	}
	return n, nil
}

// Close closes the underlying connection.
func (c *RemoteConsole) Close() error { return c.conn.Close() }
