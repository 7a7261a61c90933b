package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/databricks-solutions/apx/internal/backend"
	"github.com/databricks-solutions/apx/internal/credential"
	"github.com/databricks-solutions/apx/internal/devctl"
	"github.com/databricks-solutions/apx/internal/project"
	"github.com/databricks-solutions/apx/internal/supervisor"
	"github.com/databricks-solutions/apx/pkg/client"
)

const testPyproject = `
[tool.apx.metadata]
app-name = "Demo"
app-module = "demo.app:app"
app-slug = "demo"

[tool.apx.dev]
frontend-command = "sleep 30"
codegen-command = "true"
stop-timeout = "1s"
restart-pause = "10ms"
`

type offline struct{}

func (offline) CreateToken(context.Context, string, time.Duration) (credential.Token, error) {
	return credential.Token{}, errors.New("offline")
}

func (offline) TokenExpiry(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, errors.New("offline")
}

type fixedValidator struct{ err error }

func (v fixedValidator) Validate(context.Context) error { return v.err }

func writeProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "pyproject.toml"), []byte(testPyproject), 0o644); err != nil {
		t.Fatalf("write pyproject: %v", err)
	}
	return dir
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port
}

// testCommand returns a command for dir whose supervisor runs inside the
// test binary.
func testCommand(t *testing.T, dir string) (*command, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	c := newCommand(&out, &out)
	c.global.Dir = dir
	c.secrets = credential.NewMemory()
	reg := backend.NewRegistry()
	reg.Register("demo.app:app", func(backend.AppEnv) (http.Handler, error) {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "hello")
		}), nil
	})
	c.spawn = func(o supervisor.SpawnOptions) (int, error) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = supervisor.Run(ctx, supervisor.Options{
				Dir:      o.Dir,
				Loader:   reg,
				Identity: offline{},
				Secrets:  credential.NewMemory(),
			})
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
		return os.Getpid(), nil
	}
	return c, &out
}

func TestHelpListsDevCommands(t *testing.T) {
	var out bytes.Buffer
	root := buildRoot(newCommand(&out, &out))
	root.SetOut(&out)
	root.SetArgs([]string{"dev", "--help"})
	if err := root.Execute(); err != nil {
		t.Fatalf("help: %v", err)
	}
	help := out.String()
	for _, want := range []string{"start", "stop", "restart", "status", "logs", "mcp"} {
		if !strings.Contains(help, want) {
			t.Errorf("help is missing %q:\n%s", want, help)
		}
	}
	if strings.Contains(help, "_run_server") {
		t.Errorf("hidden command listed:\n%s", help)
	}
}

func TestLogsFlagsConflict(t *testing.T) {
	var out bytes.Buffer
	root := buildRoot(newCommand(&out, &out))
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"dev", "logs", "--ui", "--backend", "--dir", t.TempDir()})
	if err := root.Execute(); err == nil {
		t.Fatal("expected mutually exclusive flags to fail")
	}
}

func TestLogsFlagsProcess(t *testing.T) {
	cases := map[string]LogsFlags{
		"all":      {},
		"frontend": {UI: true},
		"backend":  {App: true},
		"openapi":  {OpenAPI: true},
	}
	for want, f := range cases {
		if got := f.process(); got != want {
			t.Errorf("%+v: process() = %q, want %q", f, got, want)
		}
	}
}

func TestFormatRecord(t *testing.T) {
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.Local)
	app := client.LogRecord{Timestamp: ts, Level: "INFO", ProcessName: "backend", Content: "APP | hello"}
	if got := formatRecord(app, false); !strings.Contains(got, "[APP]") || !strings.HasSuffix(got, "| hello") || !strings.HasPrefix(got, "2025-03-01 10:00:00") {
		t.Fatalf("unexpected app line %q", got)
	}
	if got := formatRecord(app, true); got != "hello" {
		t.Fatalf("raw = %q", got)
	}
	fe := client.LogRecord{Timestamp: ts, Level: "INFO", ProcessName: "frontend", Content: "stdout | ready in 300ms"}
	if got := formatRecord(fe, false); !strings.Contains(got, "[UI]") || !strings.HasSuffix(got, "stdout | ready in 300ms") {
		t.Fatalf("unexpected frontend line %q", got)
	}
	gen := client.LogRecord{Timestamp: ts, Level: "INFO", ProcessName: "openapi", Content: "schema | x"}
	if got := formatRecord(gen, true); got != "schema | x" {
		t.Fatalf("unknown tags must be kept, got %q", got)
	}
}

func TestPrintStatus(t *testing.T) {
	var out bytes.Buffer
	printStatus(&out, devctl.Report{
		Supervisor: &project.DevInfo{PID: 99},
		Status:     client.Status{FrontendRunning: true, FrontendPort: 5173, BackendPort: 8000, BackendError: "bind: address in use", BackendRetries: 2},
	})
	s := out.String()
	for _, want := range []string{"Dev Server", "Frontend", "5173", "Backend", "8000", "OpenAPI", "Stopped", "Backend failed: bind: address in use", "Backend restarted 2 time(s)", "Dev Server PID: 99"} {
		if !strings.Contains(s, want) {
			t.Errorf("status output missing %q:\n%s", want, s)
		}
	}
}

func TestStatusAndStopWithoutServer(t *testing.T) {
	c, out := testCommand(t, writeProject(t))
	ctx := context.Background()
	if err := c.Status(ctx); err != nil {
		t.Fatalf("status: %v", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := c.Restart(ctx, RestartFlags{}); err == nil {
		t.Fatal("restart without a server should fail")
	}
	s := out.String()
	if !strings.Contains(s, "No development server running.") || !strings.Contains(s, "No development server found.") {
		t.Fatalf("unexpected output:\n%s", s)
	}
}

func TestStartRejectsInvalidCredentials(t *testing.T) {
	dir := writeProject(t)
	c, _ := testCommand(t, dir)
	c.validator = func() validator { return fixedValidator{err: errors.New("401 unauthorized")} }
	proj, _ := project.Open(dir)
	_ = proj.EnsureApxDir()
	_ = c.secrets.Set(proj.Dir, "old-secret")
	_ = proj.State().SetTokenID("old-id")

	f := defaultStartFlags()
	err := c.Start(context.Background(), f)
	if err == nil || !strings.Contains(err.Error(), "--obo=false") {
		t.Fatalf("expected credential error, got %v", err)
	}
	if _, err := c.secrets.Get(proj.Dir); !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("cached secret not cleared: %v", err)
	}
	if id, _ := proj.State().TokenID(); id != "" {
		t.Fatalf("token id not cleared: %q", id)
	}
}

func TestStartStatusLogsStop(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
	c, out := testCommand(t, writeProject(t))
	ctx := context.Background()

	f := defaultStartFlags()
	f.Host = "127.0.0.1"
	f.BackendPort = freePort(t)
	f.OBO = false
	f.MaxRetries = 2
	if err := c.Start(ctx, f); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !strings.Contains(out.String(), "Dev server started") || !strings.Contains(out.String(), "Servers started successfully") {
		t.Fatalf("unexpected start output:\n%s", out)
	}
	if err := c.Start(ctx, f); err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("second start: %v", err)
	}

	out.Reset()
	if err := c.Status(ctx); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), "Running") {
		t.Fatalf("unexpected status output:\n%s", out)
	}

	out.Reset()
	if err := c.Logs(ctx, LogsFlags{Backend: true}); err != nil {
		t.Fatalf("logs: %v", err)
	}
	if !strings.Contains(out.String(), "[BE]") {
		t.Fatalf("expected backend records:\n%s", out)
	}

	out.Reset()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !strings.Contains(out.String(), "Stopped servers") {
		t.Fatalf("unexpected stop output:\n%s", out)
	}
}
