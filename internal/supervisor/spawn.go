package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// SpawnOptions describes how to re-exec the supervisor.
type SpawnOptions struct {
	Dir        string
	Executable string   // defaults to os.Executable()
	Args       []string // defaults to dev _run_server --dir <Dir>
	Env        []string // nil inherits the caller's environment
}

// Spawn starts the supervisor detached from the calling terminal: a new
// session, stdio on /dev/null, and no wait on the child. It returns the pid.
func Spawn(o SpawnOptions) (int, error) {
	exe := o.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return 0, fmt.Errorf("failed to get executable path: %w", err)
		}
	}
	args := o.Args
	if args == nil {
		args = []string{"dev", "_run_server", "--dir", o.Dir}
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer func() { _ = devnull.Close() }()

	// #nosec 204
	cmd := exec.Command(exe, args...)
	cmd.Dir = o.Dir
	cmd.Env = o.Env
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Create new session
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start supervisor process: %w", err)
	}
	pid := cmd.Process.Pid
	// reap the child if it exits while we are still running
	go func() { _ = cmd.Wait() }()
	return pid, nil
}
