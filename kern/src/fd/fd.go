// Package fd implements the open-file-descriptor table entry, adapted
// from the teaching kernel's own fd.Fd_t. The original pairs an Fdops_i
// with a Ustr-canonicalized cwd via the bpath package; this rewrite has
// no general VFS (the only names it resolves are the well-known device
// paths proc.Open recognizes), so Cwd_t and path joining are dropped, but
// the opened path and device number are still kept on the descriptor
// itself — directly analogous to the original's fd.Cwd_t.Path ustr.Ustr
// field — alongside the per-descriptor offset and access mode spec.md
// §4.6 ("open" / "read"/"write" / "close") requires.
package fd

import (
	"defs"
	"fdops"
	"ustr"
)

// File descriptor access-mode bits, checked against defs.O_RDONLY et al.
// on open (spec.md §4.6: "records offset zero and the access mode").
const (
	FD_READ  = 0x1
	FD_WRITE = 0x2
)

// Fd_t is one entry in a process's open-file table.
type Fd_t struct {
	Fops   fdops.Fdops_i
	Perms  int
	Offset int
	Path   ustr.Ustr
	Dev    uint
}

// MkFd wraps an open file description with the given access permissions,
// the path it was opened from, and its device number (defs.Mkdev).
func MkFd(fops fdops.Fdops_i, perms int, path ustr.Ustr, dev uint) *Fd_t {
	return &Fd_t{Fops: fops, Perms: perms, Path: path, Dev: dev}
}

// Copyfd duplicates an open file descriptor by reopening it, for fork's
// deep copy of the parent's FD table (spec.md §4.6 fork step 1).
func Copyfd(f *Fd_t) (*Fd_t, defs.Err_t) {
	nfd := &Fd_t{}
	*nfd = *f
	if err := nfd.Fops.Reopen(); err != 0 {
		return nil, err
	}
	return nfd, 0
}

// Close_panic closes the descriptor and panics on failure — used where
// the caller has already established the descriptor must still be valid
// (spec.md §7: "assertions guard invariants that must never fail").
func Close_panic(f *Fd_t) {
	if f.Fops.Close() != 0 {
		panic("fd: close must succeed")
	}
}

// Read performs one read through the descriptor, enforcing the access
// mode and advancing the offset by the bytes actually transferred
// (spec.md §4.6).
func (f *Fd_t) Read(dst []uint8) (int, defs.Err_t) {
	if f.Perms&FD_READ == 0 {
		return 0, -defs.EINVAL
	}
	n, err := f.Fops.Read(dst)
	if err != 0 {
		return 0, err
	}
	f.Offset += n
	return n, 0
}

// Write performs one write through the descriptor, enforcing the access
// mode and advancing the offset.
func (f *Fd_t) Write(src []uint8) (int, defs.Err_t) {
	if f.Perms&FD_WRITE == 0 {
		return 0, -defs.EINVAL
	}
	n, err := f.Fops.Write(src)
	if err != 0 {
		return 0, err
	}
	f.Offset += n
	return n, 0
}
