// Package proc is the process registry: process control blocks, the
// parent/child relation, and the fork/waitpid/exit/execv/file-descriptor
// operations that glue the address-space and page-table layers to the
// (assumed, external) syscall trap path (spec.md §4.6). Grounded on
// original_source/kern/proc/proc.c's proc_create/proc_exit/proc_destroy for
// the orphan-collection and exit-then-wait protocol, and on the teaching
// kernel's fd.Fd_t/fdops.Fdops_i for the open-file table this rewrite reuses
// rather than reinventing.
package proc

import (
	"coremap"
	"defs"
	"fd"
	"fdops"
	"limits"
	"piddir"
	"swapdev"
	"sync"
	"synch"
	"ustr"
	"vmspace"
)

// Proc_t is one process control block. Unlike the original's p_name/p_cwd
// fields (no VFS, no process naming in this rewrite's scope) it keeps only
// what spec.md §4.6 names: the parent link, the live children, the open
// file table, the address space, and the exit/wait bookkeeping.
//
// parent, children, exited, exitVal, and waitpid are protected by the PID
// directory lock, not a field of their own — exactly as
// original_source/kern/proc/proc.c guards proc->waitpid/exited/children
// with pids->lock and pairs proc->wait with that same lock in cv_wait.
// Every exported function that touches them documents that the caller (or
// the function itself) holds Registry_t.Pids. fdMu is independent: the
// plain read/write/open/close syscalls never need the PID lock.
type Proc_t struct {
	Pid    defs.Pid_t
	parent defs.Pid_t

	As *vmspace.Vm_t

	children []defs.Pid_t
	exited   bool
	exitVal  int

	// waitpid records which child, if any, this process is currently
	// blocked on inside Waitpid, so an exiting child knows whether to
	// broadcast this process's wait CV (spec.md §4.6: "updating
	// cur.waitpid so the exiting child can signal the right waiter").
	waitpid defs.Pid_t
	wait    synch.Cv_t

	fdMu   sync.Mutex
	fds    map[int]*fd.Fd_t
	nextFd int
}

// Registry_t bundles the PID directory with the subsystems a process
// lifecycle operation needs to reach: the coremap and swap store address
// spaces are built from, and the shared TLB/evictor registry a fresh
// address space must register with (spec.md §9's explicit-context-object
// design note — none of these are package-level globals).
type Registry_t struct {
	Pids     *piddir.Piddir_t[*Proc_t]
	Cm       *coremap.Coremap_t
	Sd       *swapdev.Swapdev_t
	Tlb      *vmspace.Tlb_t
	Evictors *vmspace.EvictorRegistry_t

	// execMu is the "global execv lock" spec.md §4.6 calls for, serializing
	// the multi-step address-space replacement across all processes.
	execMu sync.Mutex
}

// MkRegistry builds the process registry and wires the coremap's evictor
// callback to it, in the bootstrap order spec.md §9 requires: swap and
// coremap must already exist, and nothing may be allocated from either
// before the kernel process is registered.
func MkRegistry(cm *coremap.Coremap_t, sd *swapdev.Swapdev_t) *Registry_t {
	tlb := vmspace.MkTlb()
	evr := vmspace.NewEvictorRegistry(tlb)
	coremap.RegisterEvictor(evr)

	kern := mkProc(0, defs.NOPID)
	pids := piddir.Create[*Proc_t](kern)

	return &Registry_t{Pids: pids, Cm: cm, Sd: sd, Tlb: tlb, Evictors: evr}
}

func mkProc(pid, parent defs.Pid_t) *Proc_t {
	return &Proc_t{Pid: pid, parent: parent, waitpid: defs.NOPID, fds: map[int]*fd.Fd_t{}}
}

// --- file descriptors ---

// fdFor returns the file descriptor numbered n, lazily binding 0/1/2 to the
// console device on first use (spec.md §4.6: "missing FDs 0/1/2 ... trigger
// lazy creation bound to the console device").
func (p *Proc_t) fdFor(n int) (*fd.Fd_t, defs.Err_t) {
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	if f, ok := p.fds[n]; ok {
		return f, 0
	}
	if n != 0 && n != 1 && n != 2 {
		return nil, -defs.EBADF
	}
	f := fd.MkFd(fdops.MkConsole(), fd.FD_READ|fd.FD_WRITE, ustr.MkUstr(), defs.Mkdev(defs.D_CONSOLE, 0))
	p.fds[n] = f
	if n >= p.nextFd {
		p.nextFd = n + 1
	}
	return f, 0
}

// Open resolves path against the handful of well-known device names this
// rewrite's scope recognizes (there is no general VFS — spec.md §1 treats
// one as an external collaborator) and, on a match, allocates the next
// free descriptor bound to that device, recording the path and device
// number on the new Fd_t (spec.md §4.6: "open a path, allocate the next
// small integer FD, record offset zero and the access mode"). Any other
// path fails with ENOENT, since nothing backs it.
func (p *Proc_t) Open(path ustr.Ustr, flags int) (int, defs.Err_t) {
	var perms int
	switch flags & 0x3 {
	case defs.O_RDONLY:
		perms = fd.FD_READ
	case defs.O_WRONLY:
		perms = fd.FD_WRITE
	case defs.O_RDWR:
		perms = fd.FD_READ | fd.FD_WRITE
	default:
		return 0, -defs.EINVAL
	}

	var fops fdops.Fdops_i
	var dev uint
	switch path.String() {
	case "/dev/console":
		fops = fdops.MkConsole()
		dev = defs.Mkdev(defs.D_CONSOLE, 0)
	case "/dev/null":
		fops = fdops.MkDevnull()
		dev = defs.Mkdev(defs.D_DEVNULL, 0)
	default:
		return 0, -defs.ENOENT
	}

	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	if len(p.fds) >= limits.NOFILE {
		return 0, -defs.EMFILE
	}
	n := p.nextFd
	p.nextFd++
	p.fds[n] = fd.MkFd(fops, perms, path, dev)
	return n, 0
}

// Read performs one read through descriptor n (spec.md §4.6).
func (p *Proc_t) Read(n int, dst []uint8) (int, defs.Err_t) {
	f, err := p.fdFor(n)
	if err != 0 {
		return 0, err
	}
	return f.Read(dst)
}

// Write performs one write through descriptor n (spec.md §4.6).
func (p *Proc_t) Write(n int, src []uint8) (int, defs.Err_t) {
	f, err := p.fdFor(n)
	if err != 0 {
		return 0, err
	}
	return f.Write(src)
}

// Close removes the descriptor entry and releases its underlying device
// (spec.md §4.6: "close removes the FD entry and releases its VFS handle").
func (p *Proc_t) Close(n int) defs.Err_t {
	p.fdMu.Lock()
	f, ok := p.fds[n]
	if !ok {
		p.fdMu.Unlock()
		return -defs.EBADF
	}
	delete(p.fds, n)
	p.fdMu.Unlock()
	return f.Fops.Close()
}

// closeFrom closes every descriptor numbered at least n, for exit's
// "closes every file descriptor >= 3" (spec.md §4.6).
func (p *Proc_t) closeFrom(n int) {
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	for k, f := range p.fds {
		if k >= n {
			fd.Close_panic(f)
			delete(p.fds, k)
		}
	}
}

// --- lifecycle ---

// Spawn registers a brand-new process with no address space and no open
// files beyond the standard three lazily-bound console FDs, parented to
// the kernel process. It is the bootstrap entry point the scheduler calls
// once to start the first user program — the counterpart to fork for a
// process with no running parent to copy from — grounded on
// original_source/kern/proc/proc.c's proc_create_runprogram, whose PCB
// likewise starts with p_addrspace == NULL until runprogram's later
// as_create call. The returned *Proc_t's As field is nil until Execv
// installs one.
func Spawn(r *Registry_t) (*Proc_t, defs.Pid_t, defs.Err_t) {
	r.Pids.Acquire()
	defer r.Pids.Release()

	child := mkProc(defs.NOPID, 0)
	pid, err := r.Pids.Allocate(child)
	if err != 0 {
		return nil, defs.NOPID, err
	}
	child.Pid = pid

	if kern, ok := r.Pids.Get(0); ok {
		kern.children = append(kern.children, pid)
	}
	return child, pid, 0
}

// Fork implements spec.md §4.6's fork(parent_tf, &err) -> child_pid, minus
// the scheduler's thread start (an external collaborator per spec.md §1):
// the PCB, FD table, and address space are all fully duplicated here,
// leaving only "bind a thread to the new PCB and enter user mode with a
// zeroed trap frame" to the caller.
func Fork(r *Registry_t, parent *Proc_t) (*Proc_t, defs.Pid_t, defs.Err_t) {
	r.Pids.Acquire()
	defer r.Pids.Release()

	child := mkProc(defs.NOPID, parent.Pid)

	pid, err := r.Pids.Allocate(child)
	if err != 0 {
		return nil, defs.NOPID, err
	}
	child.Pid = pid

	parent.fdMu.Lock()
	for n, f := range parent.fds {
		nf, err := fd.Copyfd(f)
		if err != 0 {
			parent.fdMu.Unlock()
			r.Pids.Remove(pid)
			return nil, defs.NOPID, err
		}
		child.fds[n] = nf
	}
	child.nextFd = parent.nextFd
	parent.fdMu.Unlock()

	as, err := vmspace.Copy(parent.As, pid, r.Evictors)
	if err != 0 {
		r.Pids.Remove(pid)
		return nil, defs.NOPID, err
	}
	child.As = as

	parent.children = append(parent.children, pid)

	return child, pid, 0
}

// Waitpid implements spec.md §4.6's waitpid(pid, status, options) -> 0|err.
// Marshalling status into or out of user space (the "validate status points
// into a writable user region" step) is the syscall dispatcher's job, an
// external collaborator here; this function takes the already-resolved
// *int, nil meaning "caller passed a null status pointer". Held for the
// whole call, r.Pids's lock both protects cur/child's PCB fields and pairs
// with cur.wait's condition variable, exactly as pids->lock does in
// original_source/kern/proc/proc.c.
func Waitpid(r *Registry_t, cur *Proc_t, pid defs.Pid_t, status *int, options int) defs.Err_t {
	if options != 0 {
		return -defs.EINVAL
	}

	r.Pids.Acquire()
	defer r.Pids.Release()

	isChild := false
	for _, c := range cur.children {
		if c == pid {
			isChild = true
			break
		}
	}
	if !isChild {
		return -defs.ECHILD
	}

	child, ok := r.Pids.Get(pid)
	if !ok {
		return -defs.ESRCH
	}

	cur.waitpid = pid
	for !child.exited {
		cur.wait.Wait(r.Pids.Locker())
	}
	if status != nil {
		*status = child.exitVal
	}
	cur.waitpid = defs.NOPID
	cur.children = removePid(cur.children, pid)

	r.Pids.Remove(pid)
	return 0
}

func removePid(pids []defs.Pid_t, pid defs.Pid_t) []defs.Pid_t {
	for i, p := range pids {
		if p == pid {
			return append(pids[:i], pids[i+1:]...)
		}
	}
	return pids
}

// Exit implements spec.md §4.6's exit(code): orphans each child
// (destroying any already-exited child immediately, since nothing will
// ever waitpid it now), closes every descriptor numbered 3 or above,
// destroys the address space, and either destroys the PCB outright (no
// parent left to reap it) or marks it exited and wakes a waiting parent.
// The address space is torn down before the PID lock is taken, matching
// original_source's proc_detatch-before-pid-list-surgery ordering: as.Destroy
// does I/O (writeback) and must not run with a spinlock-class lock held.
func Exit(r *Registry_t, cur *Proc_t, code int) {
	cur.As.Destroy()
	r.Evictors.Unregister(cur.Pid)

	r.Pids.Acquire()
	defer r.Pids.Release()

	children := cur.children
	cur.children = nil
	parent := cur.parent

	for _, cpid := range children {
		child, ok := r.Pids.Get(cpid)
		if !ok {
			continue
		}
		if child.exited {
			r.Pids.Remove(cpid)
		} else {
			child.parent = defs.ORPHAN
		}
	}

	cur.closeFrom(3)

	if parent == defs.ORPHAN {
		r.Pids.Remove(cur.Pid)
		return
	}
	parentProc, ok := r.Pids.Get(parent)
	if !ok {
		r.Pids.Remove(cur.Pid)
		return
	}

	cur.exited = true
	cur.exitVal = code

	if parentProc.waitpid == cur.Pid {
		parentProc.wait.Broadcast(r.Pids.Locker())
	}
}

// Loader is the (assumed, external) ELF loader execv hands a fresh address
// space to — the boot sequence's and VFS's sibling collaborator spec.md §1
// excludes from this core. It populates as with the program image and
// reports the entry point.
type Loader interface {
	Load(path string, as *vmspace.Vm_t) (entry uintptr, err defs.Err_t)
}

// Execv implements spec.md §4.6's execv(path, argv) -> never|err, short of
// the "enter user mode" step itself (the trap-return trampoline is external
// per spec.md §1). path and argv are assumed already marshalled into kernel
// storage by the syscall dispatcher, bounded by PATH_MAX and ARG_MAX; this
// function rejects anything over those bounds defensively since a second
// caller might not. It constructs the fresh address space, activates it,
// invokes the loader, defines the stack, and copies argv onto it 4-byte
// aligned with a NULL-terminated pointer array beneath — the layout the
// external user-mode entry stub expects as (argc, argv) in registers a0/a1.
// argv is both the new stack pointer and the argv pointer: the pointer
// array sits at the top of the region this call consumes, so the stack
// starts exactly there.
func Execv(r *Registry_t, cur *Proc_t, loader Loader, path string, argv []string) (entry, argvAddr uintptr, argc int, err defs.Err_t) {
	if len(path) >= limits.PATH_MAX {
		return 0, 0, 0, -defs.E2BIG
	}
	argBytes := 0
	for _, a := range argv {
		argBytes += len(a) + 1
	}
	if argBytes >= limits.ARG_MAX {
		return 0, 0, 0, -defs.E2BIG
	}

	r.execMu.Lock()
	defer r.execMu.Unlock()

	// Tear down the old image before the new one is registered: the
	// evictor registry maps one address space per pid, so old must finish
	// destroying (and drop its registration) before a second Vm_t for the
	// same pid goes in, or an eviction callback racing either teardown
	// would resolve to the wrong address space. A process born without one
	// (proc_create_runprogram's freshly allocated PCB, p_addrspace == NULL
	// until runprogram's as_create) has nothing to tear down.
	if old := cur.As; old != nil {
		old.Destroy()
		r.Evictors.Unregister(cur.Pid)
	}

	as := vmspace.Create(cur.Pid, r.Cm, r.Sd)
	r.Evictors.Register(cur.Pid, as)
	cur.As = as

	as.PrepareLoad()
	entry, err = loader.Load(path, as)
	if err != 0 {
		as.Destroy()
		r.Evictors.Unregister(cur.Pid)
		return 0, 0, 0, err
	}
	as.CompleteLoad(r.Tlb)

	top, err := as.DefineStack(uintptr(limits.USERSTACK))
	if err != 0 {
		as.Destroy()
		r.Evictors.Unregister(cur.Pid)
		return 0, 0, 0, err
	}

	as.Activate(r.Tlb)

	argc = len(argv)
	ptrs := make([]uintptr, argc)
	cursor := top
	for i := argc - 1; i >= 0; i-- {
		s := argv[i] + "\x00"
		cursor -= uintptr(len(s))
		cursor &^= 3
		if werr := as.WriteUser(cursor, []byte(s)); werr != 0 {
			as.Destroy()
			r.Evictors.Unregister(cur.Pid)
			return 0, 0, 0, werr
		}
		ptrs[i] = cursor
	}
	// NULL-terminated argv pointer array sits directly beneath the
	// strings it points into.
	cursor &^= 3
	cursor -= uintptr((argc + 1) * 4)
	argvAddr = cursor
	for i, p := range ptrs {
		var buf [4]byte
		v := uint32(p)
		buf[0] = byte(v)
		buf[1] = byte(v >> 8)
		buf[2] = byte(v >> 16)
		buf[3] = byte(v >> 24)
		if werr := as.WriteUser(argvAddr+uintptr(i*4), buf[:]); werr != 0 {
			as.Destroy()
			r.Evictors.Unregister(cur.Pid)
			return 0, 0, 0, werr
		}
	}
	var zero [4]byte
	if werr := as.WriteUser(argvAddr+uintptr(argc*4), zero[:]); werr != 0 {
		as.Destroy()
		r.Evictors.Unregister(cur.Pid)
		return 0, 0, 0, werr
	}

	return entry, argvAddr, argc, 0
}
