// Package devctl implements the client side of `apx dev`: it spawns the
// supervisor when needed and drives it over its socket.
package devctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/databricks-solutions/apx/internal/process"
	"github.com/databricks-solutions/apx/internal/project"
	"github.com/databricks-solutions/apx/internal/supervisor"
	"github.com/databricks-solutions/apx/pkg/client"
)

// ErrNoServer is returned when no supervisor is recorded or reachable.
var ErrNoServer = client.ErrNoServer

// ErrAlreadyRunning is returned by Start when the supervisor already runs
// the processes.
var ErrAlreadyRunning = errors.New("dev server is already running, run 'apx dev stop' first")

const (
	DefaultReadyTimeout = 10 * time.Second
	DefaultStopGrace    = 5 * time.Second
	// startTolerance absorbs the delay between the supervisor's exec and the
	// moment it records its start time.
	startTolerance = 5 * time.Second
)

// Options configures a Controller.
type Options struct {
	Spawn        func(supervisor.SpawnOptions) (int, error)
	Executable   string
	ReadyTimeout time.Duration
	StopGrace    time.Duration
	Logger       *slog.Logger
}

// Controller drives the supervisor of one project.
type Controller struct {
	proj  *project.Project
	store *project.Store
	opts  Options
	log   *slog.Logger
}

// New returns a Controller for the project in dir.
func New(dir string, opts Options) (*Controller, error) {
	proj, err := project.Open(dir)
	if err != nil {
		return nil, err
	}
	if opts.Spawn == nil {
		opts.Spawn = supervisor.Spawn
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Controller{proj: proj, store: proj.State(), opts: opts, log: opts.Logger}, nil
}

// Project returns the controlled project.
func (c *Controller) Project() *project.Project { return c.proj }

// Supervisor returns the recorded supervisor and whether that process is
// still alive.
func (c *Controller) Supervisor() (*project.DevInfo, bool) {
	st, err := c.store.Load()
	if err != nil || st.Dev == nil {
		return nil, false
	}
	return st.Dev, process.SameProcess(st.Dev.PID, st.Dev.StartedAt, startTolerance)
}

// Client returns a client for the recorded socket, or the default one.
func (c *Controller) Client() *client.Client {
	socket := c.proj.SocketPath()
	if st, err := c.store.Load(); err == nil && st.Dev != nil && st.Dev.Socket != "" {
		socket = st.Dev.Socket
	}
	return client.New(client.Config{Socket: socket, Logger: c.log})
}

// StartResult describes a successful start.
type StartResult struct {
	PID     int
	Socket  string
	Spawned bool
	Message string
}

// Start makes sure a supervisor runs and asks it to start the processes.
func (c *Controller) Start(ctx context.Context, req client.StartRequest) (StartResult, error) {
	if info, alive := c.Supervisor(); alive {
		cl := c.Client()
		st, err := cl.Status(ctx)
		if err != nil {
			return StartResult{}, fmt.Errorf("supervisor (PID %d) is not responding: %w", info.PID, err)
		}
		if st.AnyRunning() {
			return StartResult{PID: info.PID, Socket: info.Socket}, ErrAlreadyRunning
		}
		msg, err := cl.Start(ctx, req)
		return StartResult{PID: info.PID, Socket: info.Socket, Message: msg}, err
	} else if info != nil {
		c.log.Debug("clearing stale supervisor record", "pid", info.PID)
		_ = c.store.ClearDev(info.InstanceID)
	}

	if err := c.proj.EnsureApxDir(); err != nil {
		return StartResult{}, err
	}
	pid, err := c.opts.Spawn(supervisor.SpawnOptions{Dir: c.proj.Dir, Executable: c.opts.Executable})
	if err != nil {
		return StartResult{}, err
	}
	res := StartResult{PID: pid, Spawned: true}
	cl, err := c.waitReady(ctx, pid)
	if err != nil {
		return res, err
	}
	res.Socket = cl.Socket()
	res.Message, err = cl.Start(ctx, req)
	return res, err
}

// waitReady polls until the spawned supervisor answers on its socket.
func (c *Controller) waitReady(ctx context.Context, pid int) (*client.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ReadyTimeout)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		cl := c.Client()
		if cl.IsReachable(ctx) {
			return cl, nil
		}
		if pid != os.Getpid() && !process.Alive(pid) {
			return nil, fmt.Errorf("supervisor exited during startup, see %s", c.proj.LogPath())
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("supervisor did not become ready within %v, see %s", c.opts.ReadyTimeout, c.proj.LogPath())
		case <-ticker.C:
		}
	}
}

// Stop stops the processes and the supervisor. A supervisor that does not
// exit on request is terminated together with its children.
func (c *Controller) Stop(ctx context.Context) (string, error) {
	info, alive := c.Supervisor()
	cl := c.Client()
	reachable := cl.IsReachable(ctx)
	if info == nil && !reachable {
		return "", ErrNoServer
	}

	msg := ""
	if reachable {
		m, err := cl.Stop(ctx)
		var ae *client.ActionError
		switch {
		case err == nil:
			msg = m
		case errors.As(err, &ae):
			msg = ae.Message
		default:
			c.log.Debug("stop request failed", "error", err)
		}
		if _, err := cl.Shutdown(ctx); err != nil {
			c.log.Debug("shutdown request failed", "error", err)
		}
	}
	if info == nil {
		return msg, nil
	}

	if alive && !c.waitGone(info) && info.PID != os.Getpid() {
		c.log.Warn("supervisor did not exit, terminating", "pid", info.PID)
		if !process.TerminateTree(info.PID, c.opts.StopGrace) {
			return msg, fmt.Errorf("could not terminate supervisor (PID %d)", info.PID)
		}
	}
	if err := c.store.ClearDev(info.InstanceID); err != nil {
		return msg, err
	}
	if msg == "" {
		msg = fmt.Sprintf("Stopped dev server (PID %d)", info.PID)
	}
	return msg, nil
}

// waitGone waits for the supervisor to exit or clear its own record.
func (c *Controller) waitGone(info *project.DevInfo) bool {
	deadline := time.Now().Add(c.opts.StopGrace)
	for time.Now().Before(deadline) {
		st, err := c.store.Load()
		if err == nil && (st.Dev == nil || st.Dev.InstanceID != info.InstanceID) {
			return true
		}
		if !process.Alive(info.PID) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

// Restart restarts the processes with their last configuration.
func (c *Controller) Restart(ctx context.Context) (string, error) {
	return c.Client().Restart(ctx)
}

// Report is the combined supervisor and process status. Supervisor is nil
// when no live supervisor is recorded.
type Report struct {
	Supervisor *project.DevInfo
	Status     client.Status
}

// Status queries the running supervisor.
func (c *Controller) Status(ctx context.Context) (Report, error) {
	info, alive := c.Supervisor()
	if !alive {
		info = nil
	}
	st, err := c.Client().Status(ctx)
	if err != nil {
		return Report{Supervisor: info}, err
	}
	return Report{Supervisor: info, Status: st}, nil
}

// Logs streams the supervisor's logs to fn.
func (c *Controller) Logs(ctx context.Context, opts client.LogOptions, fn func(client.LogEvent) error) error {
	return c.Client().Logs(ctx, opts, fn)
}
