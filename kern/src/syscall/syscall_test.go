package syscall

import (
	"coremap"
	"defs"
	"limits"
	"proc"
	"swapdev"
	"testing"
	"vmspace"
)

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

func newTestRegistry(t *testing.T) *proc.Registry_t {
	t.Helper()
	cm := coremap.MkCoremap(64, 4)
	cm.FinishBootstrap()
	sd := swapdev.MkSwapdev(newMemDevice(64))
	return proc.MkRegistry(cm, sd)
}

func spawnWithAs(t *testing.T, r *proc.Registry_t) *proc.Proc_t {
	t.Helper()
	p, pid, err := proc.Spawn(r)
	if err != 0 {
		t.Fatalf("Spawn: %d", err)
	}
	as := vmspace.Create(pid, r.Cm, r.Sd)
	r.Evictors.Register(pid, as)
	p.As = as
	return p
}

type idleSched struct{}

func (idleSched) Spl() int           { return 0 }
func (idleSched) SpinlockDepth() int { return 0 }

type busySched struct{ spl int }

func (s busySched) Spl() int           { return s.spl }
func (s busySched) SpinlockDepth() int { return 0 }

// stubLoader satisfies proc.Loader without mapping anything: DefineStack,
// called unconditionally after Load in Execv, supplies all the memory this
// test's argv-marshalling step needs.
type stubLoader struct{ entry uintptr }

func (l stubLoader) Load(path string, as *vmspace.Vm_t) (uintptr, defs.Err_t) {
	return l.entry, 0
}

func TestDispatchGetpid(t *testing.T) {
	r := newTestRegistry(t)
	cur := spawnWithAs(t, r)

	tf := &Trapframe_t{V0: uint64(defs.SYS_GETPID), Epc: 0x1000}
	forked := Dispatch(tf, cur, r, stubLoader{}, idleSched{})
	if forked != nil {
		t.Fatalf("getpid returned a ForkedChild")
	}
	if tf.V0 != uint64(cur.Pid) {
		t.Fatalf("v0 = %d, want pid %d", tf.V0, cur.Pid)
	}
	if tf.A3 != 0 {
		t.Fatalf("a3 = %d, want 0", tf.A3)
	}
	if tf.Epc != 0x1004 {
		t.Fatalf("epc = %#x, want %#x", tf.Epc, 0x1004)
	}
}

func TestDispatchSbrkUnknownSyscallAndErrorEncoding(t *testing.T) {
	r := newTestRegistry(t)
	cur := spawnWithAs(t, r)
	if err := cur.As.DefineRegion(0x10000, limits.PGSIZE, true, true, false); err != 0 {
		t.Fatalf("DefineRegion: %d", err)
	}

	tf := &Trapframe_t{V0: uint64(defs.SYS_SBRK), A0: 0}
	Dispatch(tf, cur, r, stubLoader{}, idleSched{})
	firstBrk := tf.V0

	tf = &Trapframe_t{V0: uint64(defs.SYS_SBRK), A0: uint64(limits.PGSIZE)}
	Dispatch(tf, cur, r, stubLoader{}, idleSched{})
	if tf.V0 != firstBrk {
		t.Fatalf("sbrk growth returned %d, want old break %d", tf.V0, firstBrk)
	}
	if tf.A3 != 0 {
		t.Fatalf("sbrk a3 = %d, want success", tf.A3)
	}

	tf = &Trapframe_t{V0: 0xffff}
	Dispatch(tf, cur, r, stubLoader{}, idleSched{})
	if tf.A3 != 1 {
		t.Fatalf("unknown syscall a3 = %d, want 1 (failure)", tf.A3)
	}
	if int32(tf.V0) != int32(defs.ENOSYS) {
		t.Fatalf("unknown syscall v0 = %d, want ENOSYS %d", int32(tf.V0), defs.ENOSYS)
	}
}

func TestDispatchForkRewritesChildFrame(t *testing.T) {
	r := newTestRegistry(t)
	cur := spawnWithAs(t, r)

	tf := &Trapframe_t{V0: uint64(defs.SYS_FORK), Epc: 0x2000}
	forked := Dispatch(tf, cur, r, stubLoader{}, idleSched{})
	if forked == nil {
		t.Fatalf("fork did not return a ForkedChild")
	}
	if forked.Pid != defs.Pid_t(tf.V0) {
		t.Fatalf("parent retval pid %d != forked.Pid %d", tf.V0, forked.Pid)
	}
	if forked.Tf.V0 != 0 || forked.Tf.A3 != 0 {
		t.Fatalf("child frame v0/a3 = %d/%d, want 0/0", forked.Tf.V0, forked.Tf.A3)
	}
	if forked.Tf.Epc != tf.Epc {
		t.Fatalf("child frame epc %#x != parent's rewritten epc %#x", forked.Tf.Epc, tf.Epc)
	}
	if tf.A3 != 0 {
		t.Fatalf("parent a3 = %d, want success", tf.A3)
	}
}

func TestDispatchExecv(t *testing.T) {
	r := newTestRegistry(t)
	cur := spawnWithAs(t, r)

	// Stage path and argv in the caller's own address space first, the way
	// a real userspace program's argv would already live there.
	if err := cur.As.DefineRegion(0x40000, limits.PGSIZE, true, true, false); err != 0 {
		t.Fatalf("DefineRegion: %d", err)
	}
	path := "/bin/init\x00"
	if err := cur.As.WriteUser(0x40000, []byte(path)); err != 0 {
		t.Fatalf("WriteUser path: %d", err)
	}
	arg0 := "/bin/init\x00"
	argStrAddr := uintptr(0x40000 + 0x100)
	if err := cur.As.WriteUser(argStrAddr, []byte(arg0)); err != 0 {
		t.Fatalf("WriteUser arg0: %d", err)
	}
	argvAddr := uintptr(0x40000 + 0x200)
	var ptrBuf [8]byte
	v := uint32(argStrAddr)
	ptrBuf[0], ptrBuf[1], ptrBuf[2], ptrBuf[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	// ptrBuf[4:8] left zero: the NULL terminator.
	if err := cur.As.WriteUser(argvAddr, ptrBuf[:]); err != 0 {
		t.Fatalf("WriteUser argv: %d", err)
	}

	tf := &Trapframe_t{V0: uint64(defs.SYS_EXECV), A0: 0x40000, A1: uint64(argvAddr), Epc: 0x3000}
	forked := Dispatch(tf, cur, r, stubLoader{entry: 0x5000}, idleSched{})
	if forked != nil {
		t.Fatalf("execv returned a ForkedChild")
	}
	if tf.Epc != 0x5000 {
		t.Fatalf("epc = %#x, want program entry 0x5000", tf.Epc)
	}
	if tf.A0 != 1 {
		t.Fatalf("a0 (argc) = %d, want 1", tf.A0)
	}
	if tf.A1 != uint64(tf.Sp) {
		t.Fatalf("a1 (argv) = %#x, want sp %#x", tf.A1, tf.Sp)
	}
}

func TestCheckSchedPanicsOnNonzeroInterruptLevel(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("checkSched did not panic with nonzero Spl")
		}
	}()
	checkSched(busySched{spl: 1})
}
