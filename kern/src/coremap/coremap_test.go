package coremap

import (
	"defs"
	"testing"
)

// TestAllocateFreeContiguous covers spec.md §8 scenario 1: allocate four
// contiguous user pages, check their published metadata and zeroed
// content, then free and check both bitmaps are clear again.
func TestAllocateFreeContiguous(t *testing.T) {
	cm := MkCoremap(64, 4)
	cm.FinishBootstrap()

	base, err := cm.Allocate(false, 7, 4, 0x4000, true)
	if err != 0 {
		t.Fatalf("Allocate: %d", err)
	}

	idx := cm.frameIndex(base)
	for i := 0; i < 4; i++ {
		f := cm.Inspect(cm.frameAddr(idx + i))
		if !f.inuse || !f.swappable {
			t.Fatalf("frame %d: inuse=%v swappable=%v, want both true", i, f.inuse, f.swappable)
		}
		if i == 0 && f.multi {
			t.Errorf("frame 0: multi=true, want false")
		}
		if i > 0 && !f.multi {
			t.Errorf("frame %d: multi=false, want true", i)
		}
		if f.owningPid != 7 {
			t.Errorf("frame %d: owningPid=%d, want 7", i, f.owningPid)
		}
		for _, b := range cm.Dmap(cm.frameAddr(idx + i)) {
			if b != 0 {
				t.Fatalf("frame %d: not zeroed", i)
			}
		}
	}

	cm.Free(base)
	for i := 0; i < 4; i++ {
		fi := idx + i
		if cm.free.IsSet(fi) {
			t.Errorf("frame %d: free bit still set after Free", i)
		}
		if cm.swap.IsSet(fi) {
			t.Errorf("frame %d: swap bit still set after Free", i)
		}
	}
}

// TestAllocateEvictsWhenFull checks that Allocate falls back to eviction,
// not ENOMEM, once the fast path is exhausted and a registered evictor can
// supply a victim.
func TestAllocateEvictsWhenFull(t *testing.T) {
	cm := MkCoremap(2, 4)
	cm.FinishBootstrap()

	RegisterEvictor(evictorFunc(func(pid defs.Pid_t, vaddr uintptr, paddr Paddr, dirty bool) defs.Err_t {
		return 0
	}))
	defer RegisterEvictor(nil)

	base1, err := cm.Allocate(false, 1, 1, 0x1000, true)
	if err != 0 {
		t.Fatalf("first Allocate: %d", err)
	}
	if _, err := cm.Allocate(false, 2, 1, 0x1000, true); err != 0 {
		t.Fatalf("second Allocate: %d", err)
	}

	// publish() leaves each frame's coremap lock bit clear and nothing else
	// takes it, so both frames are already eviction candidates.
	_, err = cm.Allocate(false, 3, 1, 0x1000, true)
	if err != 0 {
		t.Fatalf("third Allocate (should evict frame %d or %d): %d", cm.frameIndex(base1), cm.frameIndex(base1)+1, err)
	}
}

type evictorFunc func(pid defs.Pid_t, vaddr uintptr, paddr Paddr, dirty bool) defs.Err_t

func (f evictorFunc) Evict(pid defs.Pid_t, vaddr uintptr, paddr Paddr, dirty bool) defs.Err_t {
	return f(pid, vaddr, paddr, dirty)
}

func TestEarlyAllocBeforeBootstrap(t *testing.T) {
	cm := MkCoremap(4, 4)
	p, err := cm.EarlyAlloc(2)
	if err != 0 {
		t.Fatalf("EarlyAlloc: %d", err)
	}
	if p != 0 {
		t.Errorf("first EarlyAlloc base = %d, want 0", p)
	}
	p2, err := cm.EarlyAlloc(1)
	if err != 0 {
		t.Fatalf("second EarlyAlloc: %d", err)
	}
	if cm.frameIndex(p2) != 2 {
		t.Errorf("second EarlyAlloc base = %d, want 2", cm.frameIndex(p2))
	}
	if _, err := cm.EarlyAlloc(100); err == 0 {
		t.Fatalf("EarlyAlloc past the end of RAM should fail")
	}
}
