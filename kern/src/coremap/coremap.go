// Package coremap is the physical frame manager: allocation, eviction, and
// locking of the machine's RAM page frames, per spec.md §4.2. It is
// grounded on original_source/kern/include/coremap.h for the flag bits and
// the bitmap-as-lock trick, and on sriharikapu-goos-e's pmm.BitmapAllocator
// for the bitmap-scan allocation mechanics (the teaching kernel's own
// mem.Physmem_t uses a refcounted free-list allocator instead of a bitmap,
// which doesn't give spec.md's eviction path — "select any npages
// contiguous run of swappable frames" — anywhere to scan).
package coremap

import (
	"defs"
	"limits"
	"synch"
	"util"
)

// Paddr is a physical frame address: a page-aligned byte offset into RAM.
type Paddr uintptr

// Frame_t is one coremap entry: one per RAM page (spec.md §3).
type Frame_t struct {
	inuse      bool
	swappable  bool
	multi      bool
	dirty      bool
	owningPid  defs.Pid_t
	owningVA   uintptr
	hasOwnerVA bool
}

// Evictor is implemented by the page table and registered with the coremap
// at bootstrap (RegisterEvictor), so the coremap can reclaim a swappable
// frame without importing the page table package — the same
// register-a-callback pattern the teaching kernel uses for
// vm.Cpumap(numtoapicid) to resolve its own layering problem between the
// address space and the (externally supplied) APIC code.
type Evictor interface {
	// Evict writes back the page owned by (pid, vaddr) if dirty, clears
	// its residency in the owning page table, and performs a best-effort
	// TLB invalidation. It must not itself call back into the coremap's
	// allocation path.
	Evict(pid defs.Pid_t, vaddr uintptr, paddr Paddr, dirty bool) defs.Err_t
}

var evictor Evictor

// RegisterEvictor installs the page table's eviction callback. Must be
// called once during bootstrap, after swapdev/coremap init and before any
// user address space is created.
func RegisterEvictor(e Evictor) {
	evictor = e
}

// Coremap_t owns the frame array and the two bitmaps that track it: free
// (a frame is allocated iff its bit is set) and swap, which doubles as the
// per-frame eviction lock (spec.md §4.2/§5): a clear bit means the frame,
// if it is a swappable user frame (Frame_t.swappable), is currently
// un-held and eligible for eviction; a set bit means something — the
// evictor, or a writer fault — currently holds it. LockAcquire claims a
// frame by flipping clear→set; nothing may pick a set-bit frame as an
// eviction victim.
type Coremap_t struct {
	frames []Frame_t

	// shortmu is the short spinlock protecting free/swappable/frames
	// metadata. It is never held across I/O or allocation recursion.
	shortmu synch.Spinlock_t
	free    util.Bitmap
	swap    util.Bitmap

	// sleepmu/cv implement the "wait for a frame to be freed" path.
	// Acquiring sleepmu is only ever done around a CV wait, never
	// across I/O, so it doubles as the spec's "coremap sleep lock".
	sleepmu synch.Sleeplock_t
	cv      synch.Cv_t

	vmUp bool // true once the bitmap-based allocator is usable
	// earlyNext is the bump pointer used before vmUp.
	earlyNext int

	probes int // eviction random-probe budget (kconfig.EvictionProbes)
	rng    uint64

	// ram is the direct-mapped backing store for every frame the coremap
	// manages, mirroring the teaching kernel's mem.Physmem.Dmap: a way
	// to turn a physical address into an addressable byte view without
	// involving the (external, architecture-specific) MMU direct map.
	ram []byte
}

// MkCoremap sizes a coremap for npages frames.
func MkCoremap(npages int, evictionProbes int) *Coremap_t {
	cm := &Coremap_t{
		frames: make([]Frame_t, npages),
		free:   util.MkBitmap(npages),
		swap:   util.MkBitmap(npages),
		probes: evictionProbes,
		rng:    0x2545F4914F6CDD1D,
		ram:    make([]byte, npages*limits.PGSIZE),
	}
	limits.Syslimit.Frames.Given(uint(npages))
	return cm
}

// Dmap returns a direct-mapped byte view of the page at paddr. A frame
// returned by Allocate is zero on first access (spec.md §5 ordering
// guarantee (b)); Go already zeroes newly made slices, and publish below
// re-zeroes every frame Allocate or SwapPageInto hands out.
func (cm *Coremap_t) Dmap(paddr Paddr) []byte {
	off := int(paddr)
	return cm.ram[off : off+limits.PGSIZE]
}

// FinishBootstrap marks the coremap ready to service ordinary allocations;
// until this is called only EarlyAlloc may be used (spec.md §4.2:
// "Allocations initiated before the VM is fully up use the early allocator
// and never evict").
func (cm *Coremap_t) FinishBootstrap() {
	cm.vmUp = true
}

// EarlyAlloc services kernel requests before the bitmaps exist, via a bump
// pointer over raw RAM. It never evicts and never fails short of running
// off the end of the frame array.
func (cm *Coremap_t) EarlyAlloc(npages int) (Paddr, defs.Err_t) {
	cm.shortmu.Lock()
	defer cm.shortmu.Unlock()
	if cm.earlyNext+npages > len(cm.frames) {
		return 0, -defs.ENOMEM
	}
	base := cm.earlyNext
	cm.earlyNext += npages
	for i := 0; i < npages; i++ {
		cm.frames[base+i].inuse = true
		cm.free.Set(base + i)
	}
	return cm.frameAddr(base), 0
}

func (cm *Coremap_t) frameIndex(p Paddr) int {
	return int(p) / limits.PGSIZE
}

func (cm *Coremap_t) frameAddr(idx int) Paddr {
	return Paddr(idx * limits.PGSIZE)
}

// next63 is a tiny xorshift PRNG; the eviction policy only needs cheap,
// non-cryptographic probe positions (spec.md §4.2 "sixteen random
// probes").
func (cm *Coremap_t) next63() uint64 {
	x := cm.rng
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	cm.rng = x
	return x
}

// Allocate finds npages contiguous frames, evicting if necessary, per the
// three-step algorithm in spec.md §4.2.
func (cm *Coremap_t) Allocate(isKernel bool, pid defs.Pid_t, npages int, vaddr uintptr, hasVaddr bool) (Paddr, defs.Err_t) {
	if !cm.vmUp {
		return cm.EarlyAlloc(npages)
	}
	for {
		base, ok := cm.fastAlloc(npages)
		if !ok {
			var everr defs.Err_t
			base, ok, everr = cm.evictAlloc(npages)
			if everr != 0 {
				return 0, everr
			}
			if !ok {
				// No swappable victims at all: wait for a frame to
				// be freed and retry (spec.md §4.2).
				cm.sleepmu.Lock()
				cm.cv.Wait(&cm.sleepmu)
				cm.sleepmu.Unlock()
				continue
			}
		}
		cm.publish(base, npages, isKernel, pid, vaddr, hasVaddr)
		// Frames is a budget mirror of the bitmap scan above, not an
		// independent gate, so Taken cannot legitimately fail here.
		limits.Syslimit.Frames.Taken(uint(npages))
		return cm.frameAddr(base), 0
	}
}

// fastAlloc implements the fast path: scan free frames for the lowest run
// of npages clear bits.
func (cm *Coremap_t) fastAlloc(npages int) (int, bool) {
	cm.shortmu.Lock()
	defer cm.shortmu.Unlock()
	base, ok := cm.free.FirstClearRun(npages)
	if !ok {
		return 0, false
	}
	for i := 0; i < npages; i++ {
		cm.free.Set(base + i)
	}
	return base, true
}

// evictAlloc implements the eviction path: pick a contiguous run of
// swappable frames, evict each, and reuse the run. A "swappable run" means
// npages contiguous frames whose swappable bit is set (candidates for
// reclaim) — the mirror image of fastAlloc's clear-bit scan, so it can't
// reuse util.Bitmap.FirstClearRun directly.
func (cm *Coremap_t) evictAlloc(npages int) (int, bool, defs.Err_t) {
	idx, ok := cm.firstSwappableRun(npages)
	if !ok {
		return 0, false, 0
	}
	// Claim every frame in the run before touching any of them, so a
	// concurrent write fault (which also calls LockAcquire before
	// marking a frame dirty) can't race the eviction (spec.md §5 "the
	// eviction race and how it is resolved").
	for i := 0; i < npages; i++ {
		if !cm.LockAcquire(cm.frameAddr(idx + i)) {
			// Lost the race for one of the run's frames; back off and
			// let the caller's retry loop pick a fresh run. Release
			// whatever we'd already claimed in this run.
			for j := 0; j < i; j++ {
				cm.LockRelease(cm.frameAddr(idx + j))
			}
			return 0, false, 0
		}
	}
	for i := 0; i < npages; i++ {
		fi := idx + i
		cm.shortmu.Lock()
		dirty := cm.frames[fi].dirty
		pid := cm.frames[fi].owningPid
		va := cm.frames[fi].owningVA
		cm.shortmu.Unlock()
		if evictor == nil {
			panic("coremap: evict requested before an evictor was registered")
		}
		if err := evictor.Evict(pid, va, cm.frameAddr(fi), dirty); err != 0 {
			for j := 0; j < npages; j++ {
				cm.LockRelease(cm.frameAddr(idx + j))
			}
			return 0, false, err
		}
	}
	cm.shortmu.Lock()
	for i := 0; i < npages; i++ {
		fi := idx + i
		cm.free.Set(fi)
		cm.swap.Clear(fi)
		cm.frames[fi] = Frame_t{}
	}
	cm.shortmu.Unlock()
	return idx, true, 0
}

// candidate reports whether frame i is a swappable user frame whose lock
// bit is clear, i.e. one eviction may claim.
func (cm *Coremap_t) candidate(i int) bool {
	return cm.frames[i].swappable && !cm.swap.IsSet(i)
}

// firstSwappableRun locates n contiguous swappable frames. For the common
// single-page case it follows spec.md §4.2's eviction policy literally:
// a handful of random probes for a swappable frame, falling back to a
// next-fit linear scan only if every probe misses.
func (cm *Coremap_t) firstSwappableRun(n int) (int, bool) {
	if n == 1 {
		cm.shortmu.Lock()
		total := len(cm.frames)
		for p := 0; p < cm.probes && total > 0; p++ {
			idx := int(cm.next63() % uint64(total))
			if cm.candidate(idx) {
				cm.shortmu.Unlock()
				return idx, true
			}
		}
		cm.shortmu.Unlock()
	}
	cm.shortmu.Lock()
	defer cm.shortmu.Unlock()
	run := 0
	start := 0
	for i := 0; i < len(cm.frames); i++ {
		if cm.candidate(i) {
			if run == 0 {
				start = i
			}
			run++
			if run == n {
				return start, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

func (cm *Coremap_t) publish(base, npages int, isKernel bool, pid defs.Pid_t, vaddr uintptr, hasVaddr bool) {
	for i := 0; i < npages; i++ {
		clear(cm.Dmap(cm.frameAddr(base + i)))
	}
	cm.shortmu.Lock()
	for i := 0; i < npages; i++ {
		fi := base + i
		cm.frames[fi] = Frame_t{
			inuse:      true,
			swappable:  !isKernel,
			multi:      i > 0,
			owningPid:  pid,
			owningVA:   vaddr + uintptr(i)*uintptr(limits.PGSIZE),
			hasOwnerVA: hasVaddr,
		}
		// the swap/lock bit is left clear: a freshly published frame
		// starts out unheld and immediately eligible for eviction,
		// except SwapPageInto's caller which claims it explicitly
		// before this frame's content is readable.
	}
	cm.shortmu.Unlock()
}

// SwapPageInto chooses a victim frame (free if possible, else a random
// swappable frame), evicts it, reads slot into it, and returns the new
// frame address. The returned frame is left coremap-locked; the caller
// (page table swap_in) must publish its mapping and then call
// LockRelease.
func (cm *Coremap_t) SwapPageInto(readPage func(paddr Paddr) defs.Err_t, pid defs.Pid_t, vaddr uintptr) (Paddr, defs.Err_t) {
	base, ok := cm.fastAlloc(1)
	if !ok {
		var err defs.Err_t
		base, ok, err = cm.evictAlloc(1)
		if err != 0 {
			return 0, err
		}
		if !ok {
			return 0, -defs.ENOMEM
		}
	}
	cm.publish(base, 1, false, pid, vaddr, true)
	limits.Syslimit.Frames.Taken(1)
	paddr := cm.frameAddr(base)
	// claim the coremap-lock bit before publishing content so a
	// concurrent evictor can't race the read-in (spec.md §4.2/§5).
	if !cm.LockAcquire(paddr) {
		panic("coremap: freshly allocated frame was already locked")
	}
	if err := readPage(paddr); err != 0 {
		cm.Free(paddr)
		return 0, err
	}
	return paddr, 0
}

// Free clears the run of multi frames starting at paddr, clears both
// bitmaps, and broadcasts the coremap CV. Callable from interrupt context
// (spec.md §5): it only ever takes the short spinlock.
func (cm *Coremap_t) Free(paddr Paddr) {
	base := cm.frameIndex(paddr)
	cm.shortmu.Lock()
	n := 1
	for base+n < len(cm.frames) && cm.frames[base+n].multi {
		n++
	}
	for i := 0; i < n; i++ {
		fi := base + i
		cm.free.Clear(fi)
		cm.swap.Clear(fi)
		cm.frames[fi] = Frame_t{}
	}
	cm.shortmu.Unlock()
	limits.Syslimit.Frames.Given(uint(n))
	// Broadcast bypasses the sleep lock: a correctly written waiter
	// always rechecks its condition after waking, so a spurious wakeup
	// racing a lockless broadcast is harmless (spec.md §5).
	cm.cv.Broadcast(&cm.sleepmu)
}

// LockAcquire claims the swappable-bitmap bit of a resident user frame as
// a short-lived lock against concurrent eviction (spec.md §4.2). It
// returns false if the bit was already set. Never used on kernel frames.
func (cm *Coremap_t) LockAcquire(paddr Paddr) bool {
	fi := cm.frameIndex(paddr)
	cm.shortmu.Lock()
	defer cm.shortmu.Unlock()
	return !cm.swap.TestAndSet(fi)
}

// LockRelease clears the lock bit claimed by LockAcquire.
func (cm *Coremap_t) LockRelease(paddr Paddr) {
	fi := cm.frameIndex(paddr)
	cm.shortmu.Lock()
	cm.swap.Clear(fi)
	cm.shortmu.Unlock()
}

// MarkDirty/MarkClean update a frame's dirty flag.
func (cm *Coremap_t) MarkDirty(paddr Paddr) {
	cm.shortmu.Lock()
	cm.frames[cm.frameIndex(paddr)].dirty = true
	cm.shortmu.Unlock()
}

func (cm *Coremap_t) MarkClean(paddr Paddr) {
	cm.shortmu.Lock()
	cm.frames[cm.frameIndex(paddr)].dirty = false
	cm.shortmu.Unlock()
}

// Owner returns the (pid, vaddr) recorded for a user frame.
func (cm *Coremap_t) Owner(paddr Paddr) (defs.Pid_t, uintptr, bool) {
	cm.shortmu.Lock()
	defer cm.shortmu.Unlock()
	f := cm.frames[cm.frameIndex(paddr)]
	return f.owningPid, f.owningVA, f.hasOwnerVA
}

// Inspect returns a copy of a frame's metadata, for callers (tests, the
// evictor) that need a consistent snapshot without holding the short lock
// themselves.
func (cm *Coremap_t) Inspect(paddr Paddr) Frame_t {
	cm.shortmu.Lock()
	defer cm.shortmu.Unlock()
	return cm.frames[cm.frameIndex(paddr)]
}

// NPages returns the number of frames the coremap manages.
func (cm *Coremap_t) NPages() int {
	return len(cm.frames)
}
