package devctl

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/databricks-solutions/apx/internal/backend"
	"github.com/databricks-solutions/apx/internal/credential"
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

type noIdentity struct{}

func (noIdentity) CreateToken(context.Context, string, time.Duration) (credential.Token, error) {
	return credential.Token{}, errors.New("offline")
}

func (noIdentity) TokenExpiry(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, errors.New("offline")
}

func requireUnix(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
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

func newProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "pyproject.toml"), []byte(testPyproject), 0o644); err != nil {
		t.Fatalf("write pyproject: %v", err)
	}
	return dir
}

// inProcess runs the supervisor in a goroutine of the test binary in place of
// a detached process.
func inProcess(t *testing.T, spawned *int) func(supervisor.SpawnOptions) (int, error) {
	reg := backend.NewRegistry()
	reg.Register("demo.app:app", func(backend.AppEnv) (http.Handler, error) {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "hello")
		}), nil
	})
	return func(o supervisor.SpawnOptions) (int, error) {
		*spawned++
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := supervisor.Run(ctx, supervisor.Options{
				Dir:      o.Dir,
				Loader:   reg,
				Identity: noIdentity{},
				Secrets:  credential.NewMemory(),
			}); err != nil {
				t.Logf("supervisor: %v", err)
			}
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
		return os.Getpid(), nil
	}
}

func testRequest(t *testing.T) client.StartRequest {
	req := client.DefaultStartRequest()
	req.Host = "127.0.0.1"
	req.BackendPort = freePort(t)
	req.OBO = false
	req.MaxRetries = 2
	return req
}

func TestStartStatusStop(t *testing.T) {
	requireUnix(t)
	dir := newProject(t)
	var spawned int
	c, err := New(dir, Options{Spawn: inProcess(t, &spawned), StopGrace: 5 * time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	res, err := c.Start(ctx, testRequest(t))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !res.Spawned || res.PID != os.Getpid() || res.Message != "Servers started successfully" {
		t.Fatalf("unexpected start result: %+v", res)
	}
	if info, alive := c.Supervisor(); info == nil || !alive {
		t.Fatalf("supervisor not recorded: %+v %v", info, alive)
	}

	if _, err := c.Start(ctx, testRequest(t)); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if spawned != 1 {
		t.Fatalf("spawned %d supervisors", spawned)
	}

	rep, err := c.Status(ctx)
	if err != nil || rep.Supervisor == nil || !rep.Status.AnyRunning() {
		t.Fatalf("status: %+v %v", rep, err)
	}

	msg, err := c.Stop(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !strings.HasPrefix(msg, "Stopped servers:") {
		t.Fatalf("unexpected stop message %q", msg)
	}
	if info, _ := c.Supervisor(); info != nil {
		t.Fatalf("record not cleared: %+v", info)
	}
	if _, err := c.Status(ctx); !errors.Is(err, ErrNoServer) {
		t.Fatalf("expected ErrNoServer after stop, got %v", err)
	}
}

func TestStopWithoutServer(t *testing.T) {
	c, err := New(newProject(t), Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := c.Stop(context.Background()); !errors.Is(err, ErrNoServer) {
		t.Fatalf("expected ErrNoServer, got %v", err)
	}
}

func TestStartClearsStaleRecord(t *testing.T) {
	requireUnix(t)
	dir := newProject(t)
	proj, _ := project.Open(dir)
	_ = proj.EnsureApxDir()
	if err := proj.State().SetDev(project.DevInfo{PID: deadPID(t), Socket: proj.SocketPath(), InstanceID: "old"}); err != nil {
		t.Fatalf("set dev: %v", err)
	}
	var spawned int
	c, _ := New(dir, Options{Spawn: inProcess(t, &spawned)})
	if info, alive := c.Supervisor(); info == nil || alive {
		t.Fatalf("expected stale record, got %+v %v", info, alive)
	}
	res, err := c.Start(context.Background(), testRequest(t))
	if err != nil || !res.Spawned || spawned != 1 {
		t.Fatalf("start over stale record: %+v %v", res, err)
	}
	if info, _ := c.Supervisor(); info == nil || info.InstanceID == "old" {
		t.Fatalf("record not replaced: %+v", info)
	}
	if _, err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStartReportsEarlyExit(t *testing.T) {
	requireUnix(t)
	dir := newProject(t)
	pid := deadPID(t)
	c, _ := New(dir, Options{
		Spawn:        func(supervisor.SpawnOptions) (int, error) { return pid, nil },
		ReadyTimeout: 2 * time.Second,
	})
	_, err := c.Start(context.Background(), testRequest(t))
	if err == nil || !strings.Contains(err.Error(), "supervisor.log") {
		t.Fatalf("expected early-exit error pointing at the log, got %v", err)
	}
}

// deadPID returns the pid of a process that has already been reaped.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("cannot run true: %v", err)
	}
	return cmd.Process.Pid
}
