package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/subosito/gotenv"

	"github.com/databricks-solutions/apx/internal/credential"
	"github.com/databricks-solutions/apx/internal/devctl"
	"github.com/databricks-solutions/apx/internal/mcptools"
	"github.com/databricks-solutions/apx/internal/project"
	"github.com/databricks-solutions/apx/internal/supervisor"
	"github.com/databricks-solutions/apx/pkg/client"
)

// validator checks Databricks credentials before a start with OBO.
type validator interface {
	Validate(ctx context.Context) error
}

type command struct {
	out    io.Writer
	errOut io.Writer
	global *GlobalFlags
	log    *slog.Logger

	// overridable in tests
	spawn     func(supervisor.SpawnOptions) (int, error)
	validator func() validator
	secrets   credential.SecretStore
}

func newCommand(out, errOut io.Writer) *command {
	return &command{
		out:    out,
		errOut: errOut,
		global: &GlobalFlags{Dir: "."},
		log:    slog.Default(),
	}
}

func defaultStartFlags() StartFlags {
	d := client.DefaultStartRequest()
	return StartFlags{
		FrontendPort: d.FrontendPort,
		BackendPort:  d.BackendPort,
		Host:         d.Host,
		OBO:          d.OBO,
		OpenAPI:      d.OpenAPI,
		MaxRetries:   d.MaxRetries,
	}
}

func (c *command) controller() (*devctl.Controller, error) {
	return devctl.New(c.global.Dir, devctl.Options{Spawn: c.spawn, Logger: c.log})
}

func (c *command) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}

// Start starts the supervisor and the three processes.
func (c *command) Start(ctx context.Context, f StartFlags) error {
	ctl, err := c.controller()
	if err != nil {
		return err
	}
	if f.OBO && !f.SkipValidate {
		if err := c.checkCredentials(ctx, ctl.Project()); err != nil {
			return err
		}
	}
	req := client.StartRequest{
		FrontendPort: f.FrontendPort,
		BackendPort:  f.BackendPort,
		Host:         f.Host,
		OBO:          f.OBO,
		OpenAPI:      f.OpenAPI,
		MaxRetries:   f.MaxRetries,
	}
	res, err := ctl.Start(ctx, req)
	if errors.Is(err, devctl.ErrAlreadyRunning) {
		return fmt.Errorf("dev server is already running (PID: %d), run 'apx dev stop' first", res.PID)
	}
	if err != nil {
		return err
	}
	if res.Spawned {
		c.printf("%s Dev server started (PID: %d)\n", okStyle.Render("✓"), res.PID)
	}
	c.printf("%s %s\n", okStyle.Render("✓"), res.Message)
	c.printf("Frontend: http://%s\n", net.JoinHostPort(f.Host, strconv.Itoa(f.FrontendPort)))
	c.printf("Backend:  http://%s\n", net.JoinHostPort(f.Host, strconv.Itoa(f.BackendPort)))
	if !f.Watch {
		c.printf("%s\n", dimStyle.Render("Use 'apx dev logs -f' to stream logs and 'apx dev stop' to stop."))
		return nil
	}
	return c.watch(ctx, ctl)
}

// checkCredentials makes sure the Databricks configuration works before the
// supervisor relies on it. Rejected credentials invalidate the cached token.
func (c *command) checkCredentials(ctx context.Context, proj *project.Project) error {
	if err := gotenv.Load(proj.DotenvPath()); err == nil {
		c.log.Info("loaded .env", "path", proj.DotenvPath())
	}
	v := c.newValidator()
	c.printf("Validating Databricks credentials...\n")
	if err := v.Validate(ctx); err != nil {
		c.printf("%s\n", warnStyle.Render("Invalid Databricks credentials detected. Clearing cached tokens..."))
		c.log.Warn("credential check failed", "error", err)
		secrets := c.secrets
		if secrets == nil {
			secrets = credential.NewKeyring()
		}
		m := credential.NewManager(nil, secrets, proj.State(), credential.Options{Key: proj.Dir, Logger: c.log})
		if err := m.Forget(); err != nil {
			c.log.Warn("cannot clear cached token", "error", err)
		}
		return fmt.Errorf("databricks credentials are not valid, configure them or pass --obo=false: %w", err)
	}
	c.printf("%s Databricks credentials validated\n", okStyle.Render("✓"))
	return nil
}

func (c *command) newValidator() validator {
	if c.validator != nil {
		return c.validator()
	}
	return credential.NewDatabricks(Version)
}

// watch streams logs until ctx is cancelled, then stops everything.
func (c *command) watch(ctx context.Context, ctl *devctl.Controller) error {
	c.printf("\n%s\n\n", headStyle.Render("Streaming logs... Press Ctrl+C to stop servers"))
	err := ctl.Logs(ctx, client.LogOptions{}, func(ev client.LogEvent) error {
		if !ev.BufferedDone {
			c.printf("%s\n", formatRecord(ev.Record, false))
		}
		return nil
	})
	if err != nil {
		c.log.Warn("log stream ended", "error", err)
	}
	c.printf("\n%s\n", warnStyle.Render("Stopping development servers..."))
	msg, err := ctl.Stop(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	c.printf("%s %s\n", okStyle.Render("✓"), msg)
	return nil
}

// Stop stops the processes and the supervisor.
func (c *command) Stop(ctx context.Context) error {
	ctl, err := c.controller()
	if err != nil {
		return err
	}
	msg, err := ctl.Stop(ctx)
	if errors.Is(err, devctl.ErrNoServer) {
		c.printf("%s\n", warnStyle.Render("No development server found."))
		return nil
	}
	if err != nil {
		return err
	}
	c.printf("%s %s\n", okStyle.Render("✓"), msg)
	return nil
}

// Restart restarts the processes with their last configuration.
func (c *command) Restart(ctx context.Context, f RestartFlags) error {
	ctl, err := c.controller()
	if err != nil {
		return err
	}
	if _, alive := ctl.Supervisor(); !alive {
		return errors.New("development server is not running, run 'apx dev start' first")
	}
	c.printf("%s\n", warnStyle.Render("Restarting development servers..."))
	msg, err := ctl.Restart(ctx)
	if err != nil {
		return err
	}
	c.printf("%s %s\n", okStyle.Render("✓"), msg)
	if f.Watch {
		return c.watch(ctx, ctl)
	}
	return nil
}

// Status prints the status table.
func (c *command) Status(ctx context.Context) error {
	ctl, err := c.controller()
	if err != nil {
		return err
	}
	rep, err := ctl.Status(ctx)
	if errors.Is(err, devctl.ErrNoServer) {
		c.printf("%s\n", warnStyle.Render("No development server running."))
		c.printf("%s\n", dimStyle.Render("Run 'apx dev start' to start the servers."))
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not connect to dev server: %w", err)
	}
	printStatus(c.out, rep)
	return nil
}

// Logs prints buffered logs and, with --follow, streams new ones.
func (c *command) Logs(ctx context.Context, f LogsFlags) error {
	ctl, err := c.controller()
	if err != nil {
		return err
	}
	opts := client.LogOptions{
		Process:  f.process(),
		Duration: f.Duration,
		NoFollow: !f.Follow,
		Timeout:  f.Timeout,
	}
	count := 0
	err = ctl.Logs(ctx, opts, func(ev client.LogEvent) error {
		if ev.BufferedDone {
			return nil
		}
		if f.App && !strings.HasPrefix(ev.Record.Content, "APP | ") {
			return nil
		}
		c.printf("%s\n", formatRecord(ev.Record, f.Raw))
		count++
		return nil
	})
	if errors.Is(err, devctl.ErrNoServer) {
		return errors.New("no development server running, run 'apx dev start' first")
	}
	if err != nil {
		return err
	}
	if !f.Follow {
		if count == 0 {
			c.printf("%s\n", dimStyle.Render("No logs found"))
		} else {
			c.printf("\n%s\n", dimStyle.Render(fmt.Sprintf("Showed %d log entries", count)))
		}
	}
	return nil
}

// MCP serves the MCP tools over stdio.
func (c *command) MCP() error {
	ctl, err := c.controller()
	if err != nil {
		return err
	}
	return mcptools.ServeStdio(ctl, Version)
}

// RunServer runs the supervisor in the foreground. It is started by Spawn.
func (c *command) RunServer(ctx context.Context, level string) error {
	return supervisor.Run(ctx, supervisor.Options{
		Dir:           c.global.Dir,
		Version:       Version,
		LogLevel:      level,
		RedirectStdio: true,
		Signals:       true,
	})
}
