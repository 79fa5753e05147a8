// Command teachos boots the kernel core, spawns the first process, and
// drives it through execv, a couple of syscalls, and exit — a smoke test
// in the spirit of original_source/kern/test/asst1_tests.c, run here
// in-process since there is no real trap entry or scheduler (both are
// external collaborators per spec.md §1) to drive it from hardware.
package main

import (
	"boot"
	"defs"
	"kconfig"
	"klog"
	"proc"
	"syscall"
)

// idleSched reports the always-zero interrupt-level/spinlock-depth state
// syscall.Dispatch asserts on entry and exit (spec.md §4.7); the real
// counters live with the (external) scheduler this core assumes.
type idleSched struct{}

func (idleSched) Spl() int           { return 0 }
func (idleSched) SpinlockDepth() int { return 0 }

func main() {
	kern := boot.Boot(kconfig.Default())

	loader := boot.NewImageLoader(map[string]boot.Image{
		"/bin/init": {Code: []byte{0}, Entry: 0},
	})

	child, pid, err := proc.Spawn(kern.Registry)
	if err != 0 {
		klog.Printf("spawn failed: %d", err)
		return
	}
	klog.Printf("spawned pid %d", pid)

	entry, argvAddr, argc, err := proc.Execv(kern.Registry, child, loader, "/bin/init", []string{"/bin/init"})
	if err != 0 {
		klog.Printf("execv failed: %d", err)
		return
	}
	klog.Printf("execv entry=0x%x argc=%d argv=0x%x", entry, argc, argvAddr)

	tf := &syscall.Trapframe_t{V0: uint64(defs.SYS_GETPID)}
	syscall.Dispatch(tf, child, kern.Registry, loader, idleSched{})
	klog.Printf("getpid -> %d (a3=%d)", tf.V0, tf.A3)

	tf = &syscall.Trapframe_t{V0: uint64(defs.SYS_EXIT), A0: 0}
	syscall.Dispatch(tf, child, kern.Registry, loader, idleSched{})

	var status int
	if werr := proc.Waitpid(kern.Registry, kern.KernProc, pid, &status, 0); werr != 0 {
		klog.Printf("waitpid failed: %d", werr)
		return
	}
	klog.Printf("pid %d exited with status %d", pid, status)
}
