// Package syscall is the trap dispatcher: it decodes a trap frame's
// syscall number and arguments, invokes the matching proc/vmspace
// operation, and writes the result back into the ABI's return registers
// (spec.md §4.7, §6). Grounded directly on
// original_source/kern/arch/mips/syscall/syscall.c's switch-on-tf_v0
// dispatcher and its register-marshalling conventions; the thread
// scheduler and trap entry assembly that hand it a trap frame remain an
// external collaborator (spec.md §1).
package syscall

import (
	"defs"
	"limits"
	"proc"
	"ustr"
	"vmspace"
)

// Trapframe_t carries the syscall ABI registers this core's dispatcher
// reads and writes (spec.md §6): arg registers a0-a3, the return-value/
// error register v0, the success/failure flag a3, and the saved program
// counter. The original's struct trapframe also carries the full MIPS
// general-purpose register file for context switching; this core has no
// CPU to context-switch (the scheduler is external per spec.md §1), so
// only the fields the dispatcher itself touches are kept.
type Trapframe_t struct {
	V0, A0, A1, A2, A3 uint64
	Sp                 uint64
	Epc                uint64
}

// Copy duplicates a trap frame onto the (Go) heap, for fork's "copy the
// trap frame onto the kernel heap" step (spec.md §4.6).
func (tf *Trapframe_t) Copy() *Trapframe_t {
	cp := *tf
	return &cp
}

// Sched reports the invariants spec.md §4.7 asserts on syscall entry and
// exit: interrupt level and spinlock depth both zero. Maintaining these
// counters is the (external) scheduler's job; the dispatcher only reads
// them to catch a syscall implementation that forgot to release a lock.
type Sched interface {
	Spl() int
	SpinlockDepth() int
}

// ForkedChild is handed back to the (external) scheduler on a successful
// fork: the new PCB to register for execution, and the trap frame its
// first run should resume from — already rewritten to the zero-success,
// next-instruction state spec.md §4.6 describes ("whose entry point sets
// the child trap frame's return registers to zero-success"), done here
// rather than in that entry point since the dispatcher already has
// everything needed to compute it.
type ForkedChild struct {
	Pid  defs.Pid_t
	Proc *proc.Proc_t
	Tf   *Trapframe_t
}

func checkSched(sched Sched) {
	if sched.Spl() != 0 || sched.SpinlockDepth() != 0 {
		panic("syscall: entered with interrupt level or spinlock depth nonzero")
	}
}

// Dispatch decodes and executes one syscall, writing its outcome into tf
// per the ABI (spec.md §6: v0/a3 on return, pc advanced by one instruction
// word) and asserting the zero-interrupt-level/zero-spinlock-depth
// invariant on both entry and exit (spec.md §4.7). On a successful fork it
// returns the child for the caller to schedule; every other path returns
// nil.
func Dispatch(tf *Trapframe_t, cur *proc.Proc_t, r *proc.Registry_t, loader proc.Loader, sched Sched) *ForkedChild {
	checkSched(sched)

	var retval uint64
	var err defs.Err_t
	var forked *ForkedChild

	switch int(tf.V0) {
	case defs.SYS_REBOOT:
		err = 0

	case defs.SYS_TIME:
		err = -defs.ENOSYS

	case defs.SYS_GETPID:
		r.Pids.Acquire()
		retval = uint64(cur.Pid)
		r.Pids.Release()

	case defs.SYS_EXIT:
		proc.Exit(r, cur, int(int32(tf.A0)))
		// _exit never returns to its caller; the scheduler does not
		// resume this trap frame. Nothing left to marshal back.
		return nil

	case defs.SYS_FORK:
		child, pid, ferr := proc.Fork(r, cur)
		if ferr != 0 {
			err = ferr
			break
		}
		childTf := tf.Copy()
		childTf.V0 = 0
		childTf.A3 = 0
		childTf.Epc += 4
		forked = &ForkedChild{Pid: pid, Proc: child, Tf: childTf}
		retval = uint64(pid)

	case defs.SYS_WAITPID:
		pid := defs.Pid_t(int32(tf.A0))
		status, serr := readStatus(cur, tf.A1)
		if serr != 0 {
			err = serr
			break
		}
		werr := proc.Waitpid(r, cur, pid, status, int(tf.A2))
		if werr != 0 {
			err = werr
			break
		}
		if status != nil {
			if werr := cur.As.WriteUser(uintptr(tf.A1), encode32(int32(*status))); werr != 0 {
				err = werr
				break
			}
		}
		retval = uint64(pid)

	case defs.SYS_EXECV:
		path, perr := readCString(cur.As, tf.A0, limits.PATH_MAX)
		if perr != 0 {
			err = perr
			break
		}
		argv, aerr := readArgv(cur.As, tf.A1)
		if aerr != 0 {
			err = aerr
			break
		}
		entry, argvAddr, _, eerr := proc.Execv(r, cur, loader, path, argv)
		if eerr != 0 {
			err = eerr
			break
		}
		tf.Epc = uint64(entry)
		tf.Sp = uint64(argvAddr)
		tf.A0 = uint64(len(argv))
		tf.A1 = uint64(argvAddr)
		// execv never returns to its caller on success: the trap frame
		// now describes the new program's entry state, not a syscall
		// return, so v0/a3/pc-advance below must not run.
		return nil

	case defs.SYS_OPEN:
		path, perr := readCString(cur.As, tf.A0, limits.PATH_MAX)
		if perr != 0 {
			err = perr
			break
		}
		fd, operr := cur.Open(ustr.Ustr(path), int(tf.A1))
		if operr != 0 {
			err = operr
			break
		}
		retval = uint64(fd)

	case defs.SYS_READ:
		n := int(tf.A2)
		buf := make([]byte, n)
		got, rerr := cur.Read(int(tf.A0), buf)
		if rerr != 0 {
			err = rerr
			break
		}
		if got > 0 {
			if werr := cur.As.WriteUser(uintptr(tf.A1), buf[:got]); werr != 0 {
				err = werr
				break
			}
		}
		retval = uint64(got)

	case defs.SYS_WRITE:
		n := int(tf.A2)
		buf, rerr := cur.As.ReadUser(uintptr(tf.A1), n)
		if rerr != 0 {
			err = rerr
			break
		}
		sent, werr := cur.Write(int(tf.A0), buf)
		if werr != 0 {
			err = werr
			break
		}
		retval = uint64(sent)

	case defs.SYS_CLOSE:
		err = cur.Close(int(tf.A0))

	case defs.SYS_SBRK:
		brk, serr := cur.As.Sbrk(int(int32(tf.A0)))
		if serr != 0 {
			err = serr
			break
		}
		retval = uint64(brk)

	default:
		err = -defs.ENOSYS
	}

	if err != 0 {
		tf.V0 = uint64(-err)
		tf.A3 = 1
	} else {
		tf.V0 = retval
		tf.A3 = 0
	}
	tf.Epc += 4

	checkSched(sched)
	return forked
}

// readStatus resolves waitpid's status-pointer argument: a null user
// pointer (0) means the caller didn't ask for the exit status, anything
// else must name a word that is mapped and resident in this process. The
// page's write permission is not checked. The actual value is filled in
// after Waitpid returns.
func readStatus(cur *proc.Proc_t, uaddr uint64) (*int, defs.Err_t) {
	if uaddr == 0 {
		return nil, 0
	}
	if _, err := cur.As.ReadUser(uintptr(uaddr), 4); err != 0 {
		return nil, err
	}
	v := 0
	return &v, 0
}

func encode32(v int32) []byte {
	u := uint32(v)
	return []byte{byte(u), byte(u >> 8), byte(u >> 16), byte(u >> 24)}
}

// readCString reads a NUL-terminated string out of user space in fixed-size
// chunks, for execv's "marshals path ... from user space into kernel
// storage" step (spec.md §4.6), bounded by max (PATH_MAX, both for the
// program name and for each argv entry).
func readCString(as *vmspace.Vm_t, uaddr uint64, max int) (string, defs.Err_t) {
	const chunk = 64
	var buf []byte
	for len(buf) < max {
		n := chunk
		if len(buf)+n > max {
			n = max - len(buf)
		}
		b, err := as.ReadUser(uintptr(uaddr)+uintptr(len(buf)), n)
		if err != 0 {
			return "", err
		}
		for i, c := range b {
			if c == 0 {
				return string(append(buf, b[:i]...)), 0
			}
		}
		buf = append(buf, b...)
	}
	return "", -defs.E2BIG
}

// readArgv reads a NULL-terminated array of user pointers, each to a
// NUL-terminated argument string, for execv's argv marshalling (spec.md
// §4.6). Each pointer slot is 4 bytes, matching the 32-bit virtual address
// layout spec.md §6 fixes for this core.
func readArgv(as *vmspace.Vm_t, uaddr uint64) ([]string, defs.Err_t) {
	var argv []string
	for i := 0; ; i++ {
		raw, err := as.ReadUser(uintptr(uaddr)+uintptr(i*4), 4)
		if err != 0 {
			return nil, err
		}
		p := uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24
		if p == 0 {
			break
		}
		s, err := readCString(as, uint64(p), limits.PATH_MAX)
		if err != 0 {
			return nil, err
		}
		argv = append(argv, s)
		if len(argv) >= limits.ARG_MAX {
			return nil, -defs.E2BIG
		}
	}
	return argv, 0
}
