// Package cli implements the apx command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/databricks-solutions/apx/internal/logger"
)

// Version is reported by --version, the supervisor and the MCP server.
var Version = "dev"

// Execute runs the command line and returns the process exit code.
func Execute() int {
	root := buildRoot(newCommand(os.Stdout, os.Stderr))
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// buildRoot creates the root command with the dev command group
func buildRoot(c *command) *cobra.Command {
	global := c.global
	startFlags := &StartFlags{}
	restartFlags := &RestartFlags{}
	logsFlags := &LogsFlags{}

	root := &cobra.Command{
		Use:           "apx",
		Short:         "Development toolkit for Databricks apps",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&global.Dir, "dir", ".", "project directory")
	root.PersistentFlags().StringVar(&global.LogLevel, "log-level", logger.LevelWarn, "CLI log level (debug, info, warn, error)")
	root.PersistentPreRun = func(cmd *cobra.Command, _ []string) {
		c.log, _ = logger.Config{
			Slog:   logger.SlogConfig{Level: global.LogLevel, Color: isatty.IsTerminal(os.Stderr.Fd())},
			Output: c.errOut,
		}.NewSlogger()
	}

	dev := &cobra.Command{
		Use:   "dev",
		Short: "Run the frontend, backend and OpenAPI watcher in the background",
		Long: `Manage the development servers of an apx project.

A detached supervisor runs the frontend dev server, the backend with hot
reload and the OpenAPI watcher, and serves a control API on a Unix socket
in .apx/. Every command below talks to that supervisor.

Examples:
  apx dev start
  apx dev start --backend-port=8001 --obo=false -w
  apx dev logs -f --backend
  apx dev status
  apx dev stop`,
	}
	dev.AddCommand(
		createStartCommand(c, startFlags),
		createStopCommand(c),
		createRestartCommand(c, restartFlags),
		createStatusCommand(c),
		createLogsCommand(c, logsFlags),
		createMCPCommand(c),
		createRunServerCommand(c),
	)
	root.AddCommand(dev)
	return root
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func createStartCommand(c *command, f *StartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start development servers in detached mode",
		Long: `Start the supervisor if needed and ask it to start the frontend, the
backend and, unless --openapi=false, the OpenAPI watcher.

With --watch the logs are streamed until Ctrl+C, then every server is
stopped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()
			return c.Start(ctx, *f)
		},
	}
	d := defaultStartFlags()
	cmd.Flags().IntVar(&f.FrontendPort, "frontend-port", d.FrontendPort, "port for the frontend development server")
	cmd.Flags().IntVar(&f.BackendPort, "backend-port", d.BackendPort, "port for the backend server")
	cmd.Flags().StringVar(&f.Host, "host", d.Host, "host for the frontend and backend servers")
	cmd.Flags().BoolVar(&f.OBO, "obo", d.OBO, "add the On-Behalf-Of token header to backend requests")
	cmd.Flags().BoolVar(&f.OpenAPI, "openapi", d.OpenAPI, "run the OpenAPI watcher")
	cmd.Flags().IntVar(&f.MaxRetries, "max-retries", d.MaxRetries, "maximum attempts per process")
	cmd.Flags().BoolVarP(&f.Watch, "watch", "w", false, "tail logs until Ctrl+C, then stop all servers")
	cmd.Flags().BoolVar(&f.SkipValidate, "skip-credentials-check", false, "do not validate Databricks credentials before starting")
	return cmd
}

func createStopCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop development servers and the supervisor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Stop(cmd.Context())
		},
	}
}

func createRestartCommand(c *command, f *RestartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart development servers with their last configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()
			return c.Restart(ctx, *f)
		},
	}
	cmd.Flags().BoolVarP(&f.Watch, "watch", "w", false, "tail logs after restart until Ctrl+C, then stop all servers")
	return cmd
}

func createStatusCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check the status of development servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Status(cmd.Context())
		},
	}
}

func createLogsCommand(c *command, f *LogsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Display logs from development servers",
		Long: `Print the buffered logs of the development servers. Use -f to keep
streaming new records.

Examples:
  apx dev logs
  apx dev logs -d 5m --backend
  apx dev logs -f --app --raw`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()
			return c.Logs(ctx, *f)
		},
	}
	cmd.Flags().DurationVarP(&f.Duration, "duration", "d", 0, "only show logs from this far back (e.g. 30s, 5m)")
	cmd.Flags().BoolVarP(&f.Follow, "follow", "f", false, "follow log output")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 0, "stop following after this long")
	cmd.Flags().BoolVar(&f.UI, "ui", false, "show only frontend logs")
	cmd.Flags().BoolVar(&f.Backend, "backend", false, "show only backend logs")
	cmd.Flags().BoolVar(&f.OpenAPI, "openapi", false, "show only OpenAPI logs")
	cmd.Flags().BoolVar(&f.App, "app", false, "show only output of the application code")
	cmd.Flags().BoolVar(&f.Raw, "raw", false, "print log content without prefixes")
	cmd.MarkFlagsMutuallyExclusive("ui", "backend", "openapi", "app")
	return cmd
}

func createMCPCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the dev commands as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.MCP()
		},
	}
}

func createRunServerCommand(c *command) *cobra.Command {
	var level string
	cmd := &cobra.Command{
		Use:    "_run_server",
		Short:  "Run the dev supervisor in the foreground",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.RunServer(cmd.Context(), level)
		},
	}
	cmd.Flags().StringVar(&level, "server-log-level", logger.LevelInfo, "level of .apx/supervisor.log")
	return cmd
}
