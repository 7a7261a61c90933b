package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// drainTimeout bounds how long output is still read after the main process
// exited while a descendant keeps the pipes open.
const drainTimeout = time.Second

// maxLine is the longest line forwarded in one piece. Longer lines are split.
const maxLine = 64 * 1024

// Process runs one Spec at a time and forwards its output line by line.
type Process struct {
	spec   Spec
	stdout io.Writer
	stderr io.Writer

	mu        sync.Mutex
	pid       int
	startedAt time.Time
}

// New returns a Process writing stdout and stderr lines to the given writers.
// Nil writers discard output.
func New(spec Spec, stdout, stderr io.Writer) *Process {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	return &Process{spec: spec, stdout: stdout, stderr: stderr}
}

// PID returns the pid of the running command, 0 when not running.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// StartedAt returns when the current command was started.
func (p *Process) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

func (p *Process) setPID(pid int) {
	p.mu.Lock()
	p.pid = pid
	if pid != 0 {
		p.startedAt = time.Now()
	}
	p.mu.Unlock()
}

// Run starts the command in its own process group and blocks until it exits.
// A non-zero exit is returned as an error. When ctx is cancelled the whole
// process tree is terminated and ctx.Err() is returned.
func (p *Process) Run(ctx context.Context) error {
	if err := p.spec.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cmd := p.spec.BuildCommand()
	if p.spec.WorkDir != "" {
		cmd.Dir = p.spec.WorkDir
	}
	if p.spec.Env != nil {
		cmd.Env = p.spec.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	outR, outW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	defer func() { _ = outR.Close() }()
	defer func() { _ = errR.Close() }()
	cmd.Stdout = outW
	cmd.Stderr = errW

	startErr := cmd.Start()
	// the child holds its own copies
	_ = outW.Close()
	_ = errW.Close()
	if startErr != nil {
		return fmt.Errorf("start %s: %w", p.spec.Name, startErr)
	}
	pid := cmd.Process.Pid
	p.setPID(pid)
	defer p.setPID(0)

	var g errgroup.Group
	g.Go(func() error { return pump(outR, p.stdout) })
	g.Go(func() error { return pump(errR, p.stderr) })

	exited := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			terminate(pid, p.spec.stopTimeout(), exited)
		case <-exited:
		}
	}()

	waitErr := cmd.Wait()
	close(exited)
	<-stopped

	var pumpErr error
	drained := make(chan struct{})
	go func() {
		pumpErr = g.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		_ = outR.Close()
		_ = errR.Close()
		<-drained
	}
	if pumpErr != nil {
		_, _ = fmt.Fprintf(p.stderr, "output forwarding for %s stopped: %v\n", p.spec.Name, pumpErr)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		return fmt.Errorf("%s exited: %w", p.spec.Name, waitErr)
	}
	return nil
}

// pump copies r to w one line at a time so that line-oriented writers never
// see interleaved partial lines. Lines longer than maxLine are forwarded in
// maxLine pieces. The pipe is always drained to EOF so the child never blocks
// on a full pipe, even after w failed.
func pump(r io.Reader, w io.Writer) error {
	br := bufio.NewReaderSize(r, maxLine)
	for {
		line, err := br.ReadSlice('\n')
		if len(line) > 0 {
			if line[len(line)-1] != '\n' {
				line = append(line[:len(line):len(line)], '\n')
			}
			if _, werr := w.Write(line); werr != nil {
				_, _ = io.Copy(io.Discard, br)
				return werr
			}
		}
		switch {
		case err == nil, errors.Is(err, bufio.ErrBufferFull):
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed):
			return nil
		default:
			_, _ = io.Copy(io.Discard, br)
			return err
		}
	}
}
