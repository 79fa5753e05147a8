// Package swapdev implements the disk-backed swap store: a page-sized
// block array with a free bitmap and synchronous read/write, per spec.md
// §4.1. It is grounded on original_source/kern/include/swap.h, which pairs
// a single VFS-named block device ("lhd0:" in the original) with a bitmap
// allocator and a lock that protects only the bitmap, never the I/O itself.
package swapdev

import (
	"defs"
	"limits"
	"synch"
	"util"
)

// Device is the VFS collaborator this package assumes: a block device that
// can read or write exactly one page at the given block index. The real implementation lives in the (external) VFS layer and
// performs the transfer through a scatter-gather descriptor, per spec.md
// §6; this interface is the seam the core code is tested against.
type Device interface {
	// ReadBlock reads one page from the device at block index blk into
	// dst, which must be exactly limits.PGSIZE bytes.
	ReadBlock(blk int, dst []uint8) defs.Err_t
	// WriteBlock writes one page from src to block index blk.
	WriteBlock(blk int, src []uint8) defs.Err_t
	// Size returns the device's capacity in bytes.
	Size() int64
}

// Swapdev_t is the swap store: a bitmap of free/owned slots guarded by a
// short spinlock, and a backing Device that performs the actual I/O
// without holding that lock (spec.md §4.1: "read_in/write_out do not hold
// the bitmap lock").
type Swapdev_t struct {
	dev Device

	// lockmu protects only free; it is never held across I/O (spec.md
	// §4.1: "read_in/write_out do not hold the bitmap lock").
	lockmu synch.Spinlock_t
	free   util.Bitmap
}

// MkSwapdev sizes a swap store's free bitmap from the device's reported
// size, per spec.md §4.1 ("its size in bytes is divided by page size").
func MkSwapdev(dev Device) *Swapdev_t {
	nslots := int(dev.Size()) / limits.PGSIZE
	sd := &Swapdev_t{
		dev:  dev,
		free: util.MkBitmap(nslots),
	}
	limits.Syslimit.Swapslots.Given(uint(nslots))
	return sd
}

// Nslots returns the number of addressable slots.
func (sd *Swapdev_t) Nslots() int {
	return sd.free.Len()
}

// Allocate finds a clear bit, sets it, and returns its index. It does not
// zero the backing block (spec.md §4.1).
func (sd *Swapdev_t) Allocate() (int, defs.Err_t) {
	sd.lockmu.Lock()
	defer sd.lockmu.Unlock()
	idx, ok := sd.free.FirstClear()
	if !ok {
		return 0, -defs.ENOSPC
	}
	sd.free.Set(idx)
	limits.Syslimit.Swapslots.Taken(1)
	return idx, 0
}

// Free clears a slot's bit. No I/O is performed.
func (sd *Swapdev_t) Free(slot int) {
	sd.lockmu.Lock()
	sd.free.Clear(slot)
	sd.lockmu.Unlock()
	limits.Syslimit.Swapslots.Give()
}

// ReadIn synchronously reads one page from slot into kvaddr. The bitmap
// lock is not held across this call.
func (sd *Swapdev_t) ReadIn(kvaddr []uint8, slot int) defs.Err_t {
	if len(kvaddr) != limits.PGSIZE {
		panic("bad page buffer")
	}
	return sd.dev.ReadBlock(slot, kvaddr)
}

// WriteOut synchronously writes one page from kvaddr to slot.
func (sd *Swapdev_t) WriteOut(kvaddr []uint8, slot int) defs.Err_t {
	if len(kvaddr) != limits.PGSIZE {
		panic("bad page buffer")
	}
	return sd.dev.WriteBlock(slot, kvaddr)
}
