// Package boot wires the kernel-wide singletons together in the order
// spec.md §9 fixes: "swap before coremap (coremap reserves its own
// backing), coremap before any process creation, PID directory before the
// kernel process is registered." It is grounded on
// original_source/kern/proc/proc.c's proc_bootstrap, which creates the PID
// directory and then the reserved kproc in that order before anything else
// runs; the memory and swap subsystems that must exist even earlier are
// assumed-complete inputs there (global_allocator/vm_bootstrap), so this
// rewrite folds their ordering in explicitly instead. The disk and console
// driver attachment that would precede all of this on real hardware
// belongs to the (external) VFS and device layers spec.md §1 and §6
// assume.
package boot

import (
	"coremap"
	"defs"
	"kconfig"
	"klog"
	"limits"
	"proc"
	"swapdev"
)

// memDevice is an in-memory stand-in for the VFS-backed block device
// swapdev.Device assumes (spec.md §6 names "a disk device" as an external
// collaborator). It exists so Boot can produce a runnable registry without
// a real disk; a hosted deployment would instead hand swapdev.MkSwapdev
// the VFS's own block-device adapter.
type memDevice struct {
	blocks [][]uint8
}

func newMemDevice(bytes int64) *memDevice {
	n := int(bytes) / limits.PGSIZE
	blocks := make([][]uint8, n)
	for i := range blocks {
		blocks[i] = make([]uint8, limits.PGSIZE)
	}
	return &memDevice{blocks: blocks}
}

func (d *memDevice) ReadBlock(blk int, dst []uint8) defs.Err_t {
	if blk < 0 || blk >= len(d.blocks) {
		return -defs.EINVAL
	}
	copy(dst, d.blocks[blk])
	return 0
}

func (d *memDevice) WriteBlock(blk int, src []uint8) defs.Err_t {
	if blk < 0 || blk >= len(d.blocks) {
		return -defs.EINVAL
	}
	copy(d.blocks[blk], src)
	return 0
}

func (d *memDevice) Size() int64 { return int64(len(d.blocks)) * int64(limits.PGSIZE) }

// Kernel bundles the wired-up singletons plus the kernel process itself,
// spec.md §4.6's PID-0 process that owns no user mappings and exists only
// as the PID directory's permanent root occupant and the parent that reaps
// every process Spawn creates. Orphans are not reparented to it: they are
// removed from the directory on their own exit.
type Kernel struct {
	Registry *proc.Registry_t
	Cm       *coremap.Coremap_t
	Sd       *swapdev.Swapdev_t
	KernProc *proc.Proc_t
}

// Boot constructs the swap store, coremap, and process registry in the
// fixed order spec.md §9 requires, logging each step the way klog's own
// doc comment describes the kernel's init-time banner lines.
func Boot(cfg kconfig.Config_t) *Kernel {
	dev := newMemDevice(cfg.SwapBytes)
	sd := swapdev.MkSwapdev(dev)
	klog.Printf("swap: %d bytes", cfg.SwapBytes)

	cm := coremap.MkCoremap(cfg.RAMPages, cfg.EvictionProbes)
	cm.FinishBootstrap()
	klog.Printf("coremap: %d pages", cfg.RAMPages)

	r := proc.MkRegistry(cm, sd)
	klog.Printf("pid directory ready, kernel process registered")

	kern, ok := r.Pids.Get(0)
	if !ok {
		panic("boot: kernel process missing from pid directory")
	}

	return &Kernel{Registry: r, Cm: cm, Sd: sd, KernProc: kern}
}
