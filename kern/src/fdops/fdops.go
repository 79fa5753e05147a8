// Package fdops defines the operation set every open file description
// must implement, and the console device lazily bound to a process's
// first three file descriptors (spec.md §4.6). Grounded on the teaching
// kernel's own fdops.Fdops_i seam (referenced throughout vm.Vm_t and
// fd.Fd_t as "fops is an interface implemented via a pointer receiver"),
// reconstructed here since this rewrite has no VFS layer behind it.
package fdops

import (
	"bufio"
	"defs"
	"os"
	"sync"
)

// Fdops_i is the operation set an open file description exposes to the
// file-descriptor table (spec.md §4.6 read/write/close, and Copyfd's
// Reopen for fork's FD table duplication).
type Fdops_i interface {
	Read(dst []uint8) (int, defs.Err_t)
	Write(src []uint8) (int, defs.Err_t)
	Close() defs.Err_t
	Reopen() defs.Err_t
}

// Console_t is the lazily-created device bound to a process's FDs 0/1/2
// on first use (spec.md §4.6). Reopen just bumps a reference count: the
// console has no per-open state to duplicate.
type Console_t struct {
	mu  sync.Mutex
	refs int
	in  *bufio.Reader
	out *os.File
}

var console = &Console_t{refs: 1, in: bufio.NewReader(os.Stdin), out: os.Stdout}

// MkConsole returns the shared console device, taking a reference.
func MkConsole() *Console_t {
	console.mu.Lock()
	console.refs++
	console.mu.Unlock()
	return console
}

func (c *Console_t) Read(dst []uint8) (int, defs.Err_t) {
	n, err := c.in.Read(dst)
	if err != nil && n == 0 {
		return 0, -defs.EIO
	}
	return n, 0
}

func (c *Console_t) Write(src []uint8) (int, defs.Err_t) {
	n, err := c.out.Write(src)
	if err != nil {
		return n, -defs.EIO
	}
	return n, 0
}

func (c *Console_t) Close() defs.Err_t {
	c.mu.Lock()
	c.refs--
	c.mu.Unlock()
	return 0
}

func (c *Console_t) Reopen() defs.Err_t {
	c.mu.Lock()
	c.refs++
	c.mu.Unlock()
	return 0
}

// Devnull_t is the /dev/null sink (defs.D_DEVNULL): reads report EOF
// immediately, writes discard everything and report full success.
type Devnull_t struct{}

// MkDevnull returns a /dev/null file description. Unlike the console it
// carries no state, so every open gets its own value rather than sharing
// a singleton.
func MkDevnull() *Devnull_t { return &Devnull_t{} }

func (d *Devnull_t) Read(dst []uint8) (int, defs.Err_t)  { return 0, 0 }
func (d *Devnull_t) Write(src []uint8) (int, defs.Err_t) { return len(src), 0 }
func (d *Devnull_t) Close() defs.Err_t                   { return 0 }
func (d *Devnull_t) Reopen() defs.Err_t                  { return 0 }
