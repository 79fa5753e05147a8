package piddir

import (
	"defs"
	"limits"
	"testing"
)

// inorder walks the tree collecting every occupied PID in strictly
// increasing order, the shape spec.md §8 scenario 2 checks directly.
func inorder[T any](n *node_t[T], out *[]defs.Pid_t) {
	if n == nil {
		return
	}
	for i := 0; i < dirSize; i++ {
		// slot i's own pid always sorts before its subtree's contents:
		// slotRange starts the subtree one past it.
		if n.occupied[i] {
			*out = append(*out, n.pids[i])
		}
		inorder(n.subtrees[i], out)
	}
}

func TestFillAndRecycle257(t *testing.T) {
	d := Create[int](-1)

	const n = 257
	pids := make([]defs.Pid_t, 0, n)
	seen := map[defs.Pid_t]bool{0: true} // PID 0 is the reserved kernel slot
	for i := 0; i < n; i++ {
		d.Acquire()
		pid, err := d.Allocate(i)
		d.Release()
		if err != 0 {
			t.Fatalf("Allocate #%d: %d", i, err)
		}
		if pid < defs.Pid_t(limits.PID_MIN) || pid > defs.Pid_t(limits.PID_MAX) {
			t.Fatalf("Allocate #%d: pid %d out of range", i, pid)
		}
		if seen[pid] {
			t.Fatalf("Allocate #%d: pid %d already allocated", i, pid)
		}
		seen[pid] = true
		pids = append(pids, pid)
	}

	var order []defs.Pid_t
	inorder(d.root, &order)
	for i := 1; i < len(order); i++ {
		if order[i] <= order[i-1] {
			t.Fatalf("in-order traversal not strictly increasing at %d: %d <= %d", i, order[i], order[i-1])
		}
	}

	for i := len(pids) - 1; i >= 0; i-- {
		d.Acquire()
		_, ok := d.Remove(pids[i])
		d.Release()
		if !ok {
			t.Fatalf("Remove(%d) (#%d): not found", pids[i], i)
		}
	}
	d.Destroy() // panics if anything but PID 0 remains

	seen2 := map[defs.Pid_t]bool{0: true}
	for i := 0; i < n; i++ {
		d.Acquire()
		pid, err := d.Allocate(i)
		d.Release()
		if err != 0 {
			t.Fatalf("second round Allocate #%d: %d", i, err)
		}
		if seen2[pid] {
			t.Fatalf("second round Allocate #%d: pid %d already allocated this round", i, pid)
		}
		seen2[pid] = true
	}
}

func TestGetRemoveRoundTrip(t *testing.T) {
	d := Create[string]("kernel")
	d.Acquire()
	pid, err := d.Allocate("alpha")
	d.Release()
	if err != 0 {
		t.Fatalf("Allocate: %d", err)
	}

	d.Acquire()
	got, ok := d.Get(pid)
	d.Release()
	if !ok || got != "alpha" {
		t.Fatalf("Get(%d) = %q, %v; want \"alpha\", true", pid, got, ok)
	}

	d.Acquire()
	removed, ok := d.Remove(pid)
	d.Release()
	if !ok || removed != "alpha" {
		t.Fatalf("Remove(%d) = %q, %v; want \"alpha\", true", pid, removed, ok)
	}

	d.Acquire()
	_, ok = d.Get(pid)
	d.Release()
	if ok {
		t.Fatalf("Get(%d) after Remove still found an entry", pid)
	}
}
