package process

import (
	"errors"
	"syscall"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Descendants returns the pids of every process below pid, children first.
func Descendants(pid int) []int {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	children, err := p.Children()
	if err != nil {
		return nil
	}
	var out []int
	for _, c := range children {
		out = append(out, int(c.Pid))
		out = append(out, Descendants(int(c.Pid))...)
	}
	return out
}

// Alive reports whether pid refers to a live, non-zombie process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := syscall.Kill(pid, 0); err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	st, err := p.Status()
	if err == nil && len(st) > 0 && st[0] == gopsproc.Zombie {
		return false
	}
	return true
}

// signalTree sends sig to the process group led by pid and to every pid in
// tree. Errors are ignored: members may already be gone.
func signalTree(pid int, tree []int, sig syscall.Signal) {
	_ = syscall.Kill(-pid, sig)
	_ = syscall.Kill(pid, sig)
	for _, c := range tree {
		_ = syscall.Kill(c, sig)
	}
}

// terminate sends SIGTERM to the tree of pid and escalates to SIGKILL when
// exited is not closed within grace.
func terminate(pid int, grace time.Duration, exited <-chan struct{}) {
	tree := Descendants(pid)
	signalTree(pid, tree, syscall.SIGTERM)
	select {
	case <-exited:
		// leftovers that ignored SIGTERM or left the group
		for _, c := range tree {
			if Alive(c) {
				_ = syscall.Kill(c, syscall.SIGKILL)
			}
		}
	case <-time.After(grace):
		signalTree(pid, append(tree, Descendants(pid)...), syscall.SIGKILL)
	}
}

// TerminateTree stops a process that is not a child of the caller, such as a
// detached supervisor recorded in a pid file. It returns true when the process
// is gone.
func TerminateTree(pid int, grace time.Duration) bool {
	if !Alive(pid) {
		return true
	}
	tree := Descendants(pid)
	_ = syscall.Kill(pid, syscall.SIGTERM)
	for _, c := range tree {
		_ = syscall.Kill(c, syscall.SIGTERM)
	}
	if waitGone(pid, grace) {
		return true
	}
	_ = syscall.Kill(pid, syscall.SIGKILL)
	for _, c := range tree {
		_ = syscall.Kill(c, syscall.SIGKILL)
	}
	return waitGone(pid, time.Second)
}

func waitGone(pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return !Alive(pid)
}
