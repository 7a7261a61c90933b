package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/databricks-solutions/apx/internal/backend"
	"github.com/databricks-solutions/apx/internal/credential"
	"github.com/databricks-solutions/apx/internal/env"
	"github.com/databricks-solutions/apx/internal/logs"
	"github.com/databricks-solutions/apx/internal/openapi"
	"github.com/databricks-solutions/apx/internal/process"
	"github.com/databricks-solutions/apx/internal/project"
	"github.com/databricks-solutions/apx/internal/retry"
	"github.com/databricks-solutions/apx/internal/server"
)

// tasks builds the three supervised tasks from the project configuration.
type tasks struct {
	proj   *project.Project
	cfg    project.Config
	buf    *logs.Buffer
	appOut io.Writer
	appErr io.Writer
	loader backend.Loader
	diag   *slog.Logger

	creds *credential.Manager

	mu     sync.Mutex
	runner *backend.Runner
}

func newTasks(proj *project.Project, cfg project.Config, buf *logs.Buffer, appOut, appErr io.Writer, opts Options, diag *slog.Logger) *tasks {
	loader := opts.Loader
	if loader == nil {
		loader = backend.Apps
	}
	identity := opts.Identity
	if identity == nil {
		identity = credential.NewDatabricks(opts.Version)
	}
	secrets := opts.Secrets
	if secrets == nil {
		secrets = credential.NewKeyring()
	}
	t := &tasks{
		proj:   proj,
		cfg:    cfg,
		buf:    buf,
		appOut: appOut,
		appErr: appErr,
		loader: loader,
		diag:   diag,
	}
	t.creds = credential.NewManager(identity, secrets, proj.State(), credential.Options{
		Key:      proj.Dir,
		Comment:  credential.Comment(cfg.Metadata.AppModule),
		Lifetime: cfg.Settings.TokenLifetime,
		Margin:   cfg.Settings.TokenMargin,
		Logger:   logs.NewLogger(buf, logs.ProcessBackend),
	})
	return t
}

func (t *tasks) serverTasks() server.Tasks {
	return server.Tasks{Frontend: t.frontend, Backend: t.backend, OpenAPI: t.openapi}
}

func (t *tasks) backendState() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.runner == nil {
		return ""
	}
	return string(t.runner.State())
}

// childEnv is the project .env over the supervisor environment, plus the
// ports chosen for this start.
func (t *tasks) childEnv(req server.StartRequest, log *slog.Logger) []string {
	e := env.New()
	if err := e.LoadFile(t.proj.DotenvPath()); err != nil {
		log.Warn("cannot load .env", "path", t.proj.DotenvPath(), "error", err)
	}
	backendAddr := net.JoinHostPort(req.Host, strconv.Itoa(req.BackendPort))
	e.Set("PORT", strconv.Itoa(req.FrontendPort)).
		Set("APX_FRONTEND_PORT", strconv.Itoa(req.FrontendPort)).
		Set("APX_BACKEND_PORT", strconv.Itoa(req.BackendPort)).
		Set("APX_BACKEND_URL", "http://"+backendAddr)
	return e.Merge()
}

func (t *tasks) frontend(ctx context.Context, req server.StartRequest) error {
	log := logs.NewLogger(t.buf, logs.ProcessFrontend)
	out := logs.NewLineWriter(t.buf, logs.ProcessFrontend, "INFO", "stdout")
	errw := logs.NewLineWriter(t.buf, logs.ProcessFrontend, "INFO", "stderr")
	defer out.Flush()
	defer errw.Flush()
	return process.Supervise(ctx, logs.ProcessFrontend, retry.DefaultPolicy(req.MaxRetries), log, func(ctx context.Context) error {
		log.Info(fmt.Sprintf("Starting frontend server on port %d", req.FrontendPort))
		p := process.New(process.Spec{
			Name:        logs.ProcessFrontend,
			Command:     t.cfg.Settings.FrontendCommand,
			WorkDir:     t.proj.Dir,
			Env:         t.childEnv(req, log),
			StopTimeout: t.cfg.Settings.StopTimeout,
		}, out, errw)
		return p.Run(ctx)
	})
}

func (t *tasks) backend(ctx context.Context, req server.StartRequest) error {
	log := logs.NewLogger(t.buf, logs.ProcessBackend)
	r := backend.New(backend.Options{
		Dir:        t.proj.Dir,
		AppRef:     t.cfg.Metadata.AppModule,
		Host:       req.Host,
		Port:       req.BackendPort,
		OBO:        req.OBO,
		Tokens:     t.creds,
		Loader:     t.loader,
		DotenvPath: t.proj.DotenvPath(),
		Extensions: t.cfg.Settings.BackendExtensions,
		Stdout:     t.appOut,
		Stderr:     t.appErr,
		Logger:     log,
	})
	t.mu.Lock()
	t.runner = r
	t.mu.Unlock()
	log.Info(fmt.Sprintf("Starting backend server on %s", net.JoinHostPort(req.Host, strconv.Itoa(req.BackendPort))))
	return process.Supervise(ctx, logs.ProcessBackend, retry.DefaultPolicy(req.MaxRetries), log, r.Run)
}

func (t *tasks) openapi(ctx context.Context, req server.StartRequest) error {
	log := logs.NewLogger(t.buf, logs.ProcessOpenAPI)
	out := logs.NewLineWriter(t.buf, logs.ProcessOpenAPI, "INFO", "stdout")
	errw := logs.NewLineWriter(t.buf, logs.ProcessOpenAPI, "INFO", "stderr")
	defer out.Flush()
	defer errw.Flush()
	w := openapi.New(openapi.Options{
		Dir:             t.proj.Dir,
		AppRef:          t.cfg.Metadata.AppModule,
		AppSlug:         t.cfg.Metadata.AppSlug,
		Loader:          t.loader,
		SchemaPath:      t.proj.SchemaPath(),
		OrvalConfigPath: t.proj.OrvalConfigPath(),
		Command:         t.cfg.Settings.CodegenCommand,
		Env:             t.childEnv(req, log),
		Extensions:      t.cfg.Settings.SchemaExtensions,
		Stdout:          out,
		Stderr:          errw,
		Logger:          log,
	})
	return process.Supervise(ctx, logs.ProcessOpenAPI, retry.DefaultPolicy(req.MaxRetries), log, w.Run)
}
