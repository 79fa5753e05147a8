package proc

import (
	"coremap"
	"defs"
	"limits"
	"swapdev"
	"testing"
	"vmspace"
)

// memDevice is a minimal in-memory swapdev.Device, the same role
// boot.memDevice and vmspace's own test helper play at their layers.
type memDevice struct {
	blocks [][]uint8
}

func newMemDevice(npages int) *memDevice {
	blocks := make([][]uint8, npages)
	for i := range blocks {
		blocks[i] = make([]uint8, limits.PGSIZE)
	}
	return &memDevice{blocks: blocks}
}

func (d *memDevice) ReadBlock(blk int, dst []uint8) defs.Err_t {
	copy(dst, d.blocks[blk])
	return 0
}

func (d *memDevice) WriteBlock(blk int, src []uint8) defs.Err_t {
	copy(d.blocks[blk], src)
	return 0
}

func (d *memDevice) Size() int64 { return int64(len(d.blocks)) * int64(limits.PGSIZE) }

// newTestRegistry builds a registry backed by a small coremap and swap
// store, mirroring boot.Boot's wiring order without pulling in the boot
// package (which would import proc itself).
func newTestRegistry(t *testing.T) *Registry_t {
	t.Helper()
	cm := coremap.MkCoremap(64, 4)
	cm.FinishBootstrap()
	sd := swapdev.MkSwapdev(newMemDevice(64))
	return MkRegistry(cm, sd)
}

// spawnWithAs spawns a fresh process and installs an empty address space on
// it directly, standing in for what Execv would otherwise do, so Fork has
// something to copy.
func spawnWithAs(t *testing.T, r *Registry_t) (*Proc_t, defs.Pid_t) {
	t.Helper()
	p, pid, err := Spawn(r)
	if err != 0 {
		t.Fatalf("Spawn: %d", err)
	}
	as := vmspace.Create(pid, r.Cm, r.Sd)
	r.Evictors.Register(pid, as)
	p.As = as
	return p, pid
}

// TestForkExitBeforeWait covers spec.md §8 scenario 5: a child that exits
// before its parent ever calls waitpid must still be reaped correctly, not
// leave the parent blocked forever.
func TestForkExitBeforeWait(t *testing.T) {
	r := newTestRegistry(t)
	parent, parentPid := spawnWithAs(t, r)

	child, childPid, err := Fork(r, parent)
	if err != 0 {
		t.Fatalf("Fork: %d", err)
	}
	if child.parent != parentPid {
		t.Fatalf("child.parent = %d, want %d", child.parent, parentPid)
	}

	found := false
	for _, c := range parent.children {
		if c == childPid {
			found = true
		}
	}
	if !found {
		t.Fatalf("parent.children = %v, missing %d", parent.children, childPid)
	}

	Exit(r, child, 42)

	var status int
	if werr := Waitpid(r, parent, childPid, &status, 0); werr != 0 {
		t.Fatalf("Waitpid after child already exited: %d", werr)
	}
	if status != 42 {
		t.Fatalf("status = %d, want 42", status)
	}
	if _, ok := r.Pids.Get(childPid); ok {
		t.Fatalf("child %d still registered after being waited on", childPid)
	}
}

// TestOrphanCollection covers spec.md §8 scenario 6: a parent that exits
// while its child is still running reparents the child to the orphan
// sentinel; the child then self-reaps on its own exit instead of waiting
// for a waitpid that will never come.
func TestOrphanCollection(t *testing.T) {
	r := newTestRegistry(t)
	parent, parentPid := spawnWithAs(t, r)

	child, childPid, err := Fork(r, parent)
	if err != 0 {
		t.Fatalf("Fork: %d", err)
	}

	Exit(r, parent, 0)

	if child.parent != defs.ORPHAN {
		t.Fatalf("child.parent = %d, want ORPHAN (%d)", child.parent, defs.ORPHAN)
	}
	if _, ok := r.Pids.Get(childPid); !ok {
		t.Fatalf("child %d removed from directory too early", childPid)
	}

	parentEntry, ok := r.Pids.Get(parentPid)
	if !ok {
		t.Fatalf("exited parent %d removed before being waited on", parentPid)
	}
	if !parentEntry.exited {
		t.Fatalf("parent %d not marked exited", parentPid)
	}

	Exit(r, child, 7)
	if _, ok := r.Pids.Get(childPid); ok {
		t.Fatalf("orphaned child %d still registered after its own exit", childPid)
	}

	kern, ok := r.Pids.Get(0)
	if !ok {
		t.Fatalf("kernel process missing from directory")
	}
	var status int
	if werr := Waitpid(r, kern, parentPid, &status, 0); werr != 0 {
		t.Fatalf("kernel Waitpid(%d): %d", parentPid, werr)
	}
	if status != 0 {
		t.Fatalf("parent exit status = %d, want 0", status)
	}
}
