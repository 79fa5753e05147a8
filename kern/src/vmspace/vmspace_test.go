package vmspace

import (
	"coremap"
	"defs"
	"limits"
	"pagetable"
	"swapdev"
	"testing"
)

// memDevice is a tiny in-memory stand-in for the VFS-backed block device
// swapdev.Device assumes (spec.md §6); see also boot.memDevice, which
// exists for the same reason at the bootstrap layer.
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

func setup(ramPages, swapPages int) (*coremap.Coremap_t, *swapdev.Swapdev_t, *Tlb_t, *EvictorRegistry_t) {
	cm := coremap.MkCoremap(ramPages, 8)
	cm.FinishBootstrap()
	sd := swapdev.MkSwapdev(newMemDevice(swapPages))
	tlb := MkTlb()
	reg := NewEvictorRegistry(tlb)
	coremap.RegisterEvictor(reg)
	return cm, sd, tlb, reg
}

// TestPageFaultNoSwap covers spec.md §8 scenario 3: in a fresh address
// space with no memory pressure, read faults on a defined region find
// zeroed resident pages, one distinct frame per page, and install a TLB
// line for each.
func TestPageFaultNoSwap(t *testing.T) {
	cm, sd, tlb, reg := setup(64, 16)
	as := Create(1, cm, sd)
	reg.Register(1, as)

	if err := as.DefineRegion(0x10000, 8192, true, true, false); err != 0 {
		t.Fatalf("DefineRegion: %d", err)
	}

	const userstack = 0x80000000
	if err := VmFault(as, tlb, defs.FaultRead, 0x10001, userstack); err != 0 {
		t.Fatalf("VmFault(0x10001): %d", err)
	}
	e1, ok := as.pt.Lookup(0x10000)
	if !ok || e1.Flags()&pagetable.VALID == 0 {
		t.Fatalf("page 0x10000 not resident after fault")
	}
	for _, b := range cm.Dmap(e1.Resident()) {
		if b != 0 {
			t.Fatalf("page 0x10000 not zeroed")
		}
	}
	idx, ok := tlb.probe(vpageOf(0x10000))
	if !ok {
		t.Fatalf("no TLB line installed for page 0x10000")
	}
	if tlb.slots[idx].paddr != e1.Resident() {
		t.Fatalf("TLB line paddr mismatch: got %v want %v", tlb.slots[idx].paddr, e1.Resident())
	}

	if err := VmFault(as, tlb, defs.FaultRead, 0x11001, userstack); err != 0 {
		t.Fatalf("VmFault(0x11001): %d", err)
	}
	e2, ok := as.pt.Lookup(0x11000)
	if !ok {
		t.Fatalf("page 0x11000 not resident after fault")
	}
	if e2.Resident() == e1.Resident() {
		t.Fatalf("second page fault reused the first page's frame")
	}
}

// TestPageFaultWriteToResidentPage checks that an ordinary write fault
// against an already-mapped heap page succeeds and marks the page dirty,
// rather than being rejected by the stack/heap bound check (a write fault
// is valid anywhere at or below the heap break or at or above the stack
// base; only the dead zone between the two is ever rejected).
func TestPageFaultWriteToResidentPage(t *testing.T) {
	cm, sd, tlb, reg := setup(64, 16)
	as := Create(1, cm, sd)
	reg.Register(1, as)

	if err := as.DefineRegion(0x10000, limits.PGSIZE, true, true, false); err != 0 {
		t.Fatalf("DefineRegion: %d", err)
	}

	const userstack = 0x80000000
	if err := VmFault(as, tlb, defs.FaultRead, 0x10001, userstack); err != 0 {
		t.Fatalf("read fault to populate the page: %d", err)
	}

	if err := VmFault(as, tlb, defs.FaultWrite, 0x10001, userstack); err != 0 {
		t.Fatalf("write fault to an already-mapped heap page: %d", err)
	}

	e, ok := as.pt.Lookup(0x10000)
	if !ok {
		t.Fatalf("page 0x10000 lost its page-table entry")
	}
	if e.Flags()&pagetable.DIRTY == 0 {
		t.Fatalf("page 0x10000 not marked dirty after a write fault")
	}
}

// TestSwapRoundTrip covers spec.md §8 scenario 4: more user processes than
// RAM can hold simultaneously, each writing its own PID into the first
// byte of every page; that byte must read back correctly regardless of how
// many times its page was evicted and swapped back in along the way.
func TestSwapRoundTrip(t *testing.T) {
	const ramPages = 6
	const perProc = 4
	const nprocs = 3 // 12 total pages over 6 frames: eviction is unavoidable

	cm, sd, _, reg := setup(ramPages, ramPages*4)

	type proc struct {
		as    *Vm_t
		pid   defs.Pid_t
		pages []uintptr
	}
	procs := make([]proc, nprocs)

	for i := 0; i < nprocs; i++ {
		pid := defs.Pid_t(i + 1)
		as := Create(pid, cm, sd)
		reg.Register(pid, as)
		p := proc{as: as, pid: pid}
		for j := 0; j < perProc; j++ {
			vaddr := uintptr(0x20000 + j*0x1000)
			if err := as.DefineRegion(vaddr, limits.PGSIZE, true, true, false); err != 0 {
				t.Fatalf("proc %d: DefineRegion page %d: %d", pid, j, err)
			}
			e, ok := as.pt.Lookup(vaddr)
			if !ok {
				t.Fatalf("proc %d: page %d not resident right after Pull", pid, j)
			}
			buf := cm.Dmap(e.Resident())
			buf[0] = byte(pid)
			as.pt.MarkDirty(vaddr)
			cm.MarkDirty(e.Resident())
			p.pages = append(p.pages, vaddr)
		}
		procs[i] = p
	}

	for _, p := range procs {
		for _, vaddr := range p.pages {
			e, ok := p.as.pt.Lookup(vaddr)
			if !ok {
				t.Fatalf("pid %d: page %#x lost its page-table entry", p.pid, vaddr)
			}
			for e.Flags()&pagetable.INMEM == 0 {
				if err := p.as.pt.SwapIn(e, vaddr); err != 0 {
					t.Fatalf("pid %d: SwapIn(%#x): %d", p.pid, vaddr, err)
				}
			}
			got := cm.Dmap(e.Resident())[0]
			if got != byte(p.pid) {
				t.Fatalf("pid %d: page %#x read back %d, want %d", p.pid, vaddr, got, p.pid)
			}
		}
	}
}
