// Package supervisor is the detached background process: it owns the log
// buffer, the control server on the project's Unix socket and the three
// supervised tasks.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/databricks-solutions/apx/internal/backend"
	"github.com/databricks-solutions/apx/internal/credential"
	"github.com/databricks-solutions/apx/internal/logger"
	"github.com/databricks-solutions/apx/internal/logs"
	"github.com/databricks-solutions/apx/internal/metrics"
	"github.com/databricks-solutions/apx/internal/process"
	"github.com/databricks-solutions/apx/internal/project"
	"github.com/databricks-solutions/apx/internal/server"
)

// Options configures Run. Zero values select the production defaults.
type Options struct {
	Dir      string
	Version  string
	LogLevel string

	Loader   backend.Loader
	Identity credential.Identity
	Secrets  credential.SecretStore

	// RedirectStdio routes os.Stdout and os.Stderr into the backend log.
	RedirectStdio bool
	// Signals enables SIGINT/SIGTERM handling.
	Signals bool
	// Ready is called with the socket path once the control server listens.
	Ready func(socket string)
}

// Run serves the control API until ctx is done, a signal arrives or a
// shutdown action is received. It always stops the tasks and removes the
// socket and the identity record before returning.
func Run(ctx context.Context, opts Options) error {
	proj, err := project.Open(opts.Dir)
	if err != nil {
		return err
	}
	if err := proj.EnsureApxDir(); err != nil {
		return err
	}
	cfg, err := proj.Load()
	if err != nil {
		return fmt.Errorf("load project config: %w", err)
	}

	diag, closeLog := logger.Config{
		Slog: logger.SlogConfig{Level: opts.LogLevel, Format: logger.FormatText, TimeStamps: true},
		File: logger.FileConfig{Path: proj.LogPath()},
	}.NewSlogger()
	defer func() { _ = closeLog.Close() }()
	log := diag.With("pid", os.Getpid())

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("cannot register metrics", "error", err)
	}

	buf := logs.NewBuffer(cfg.Settings.LogCapacity)
	appOut := logs.NewLineWriter(buf, logs.ProcessBackend, "INFO", "APP")
	appErr := logs.NewLineWriter(buf, logs.ProcessBackend, "ERROR", "APP")
	defer appOut.Flush()
	defer appErr.Flush()
	if opts.RedirectStdio {
		restore, err := redirectStdio(appOut, appErr)
		if err != nil {
			return fmt.Errorf("redirect stdio: %w", err)
		}
		defer restore()
	}

	socket := proj.SocketPath()
	ln, err := listenUnix(socket)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(socket) }()

	instanceID := uuid.NewString()
	startedAt := process.StartTime(os.Getpid())
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	store := proj.State()
	if err := store.SetDev(project.DevInfo{
		PID:        os.Getpid(),
		Socket:     socket,
		InstanceID: instanceID,
		StartedAt:  startedAt.UTC(),
	}); err != nil {
		_ = ln.Close()
		return fmt.Errorf("record supervisor: %w", err)
	}
	defer func() {
		if err := store.ClearDev(instanceID); err != nil {
			log.Warn("cannot clear supervisor record", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if opts.Signals {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
	}

	t := newTasks(proj, cfg, buf, appOut, appErr, opts, log)
	srv := server.New(ctx, server.Options{
		Tasks:        t.serverTasks(),
		Buffer:       buf,
		Logger:       log,
		InstanceID:   instanceID,
		PID:          os.Getpid(),
		RestartPause: cfg.Settings.RestartPause,
		StopTimeout:  cfg.Settings.StopTimeout,
		OnShutdown:   cancel,
		BackendState: t.backendState,
	})

	log.Info("supervisor started", "socket", socket, "instance_id", instanceID, "dir", proj.Dir,
		"app", cfg.Metadata.AppModule, "version", opts.Version)
	logs.NewLogger(buf, logs.ProcessBackend).Info(fmt.Sprintf("APX dev server listening on %s", socket))
	if opts.Ready != nil {
		opts.Ready(socket)
	}

	err = server.NewRouter(srv).Serve(ln)
	cancel()
	<-srv.Done()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("control server failed", "error", err)
		return err
	}
	log.Info("supervisor stopped", slog.String("instance_id", instanceID))
	return nil
}
