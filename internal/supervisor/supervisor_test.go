package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/databricks-solutions/apx/internal/backend"
	"github.com/databricks-solutions/apx/internal/credential"
	"github.com/databricks-solutions/apx/internal/project"
)

func waitUntil(timeout, step time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(step)
	}
	return false
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

func unixClient(socket string) *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socket)
			},
		},
	}
}

func post(t *testing.T, c *http.Client, path string, body any) map[string]any {
	t.Helper()
	var rdr io.Reader = http.NoBody
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	resp, err := c.Post("http://apx"+path, "application/json", rdr)
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return out
}

func TestRunServesControlAPI(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "pyproject.toml"), []byte(testPyproject), 0o644); err != nil {
		t.Fatalf("write pyproject: %v", err)
	}
	reg := backend.NewRegistry()
	reg.Register("demo.app:app", func(backend.AppEnv) (http.Handler, error) {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "hello")
		}), nil
	})

	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), Options{
			Dir:      dir,
			Loader:   reg,
			Identity: noIdentity{},
			Secrets:  credential.NewMemory(),
			Ready:    func(s string) { ready <- s },
		})
	}()

	var socket string
	select {
	case socket = <-ready:
	case err := <-done:
		t.Fatalf("run returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor not ready")
	}

	proj, _ := project.Open(dir)
	st, err := proj.State().Load()
	if err != nil || st.Dev == nil || st.Dev.PID != os.Getpid() || st.Dev.Socket != socket || st.Dev.InstanceID == "" {
		t.Fatalf("identity not recorded: %+v %v", st, err)
	}
	if fi, err := os.Stat(socket); err != nil || fi.Mode().Perm() != 0o600 {
		t.Fatalf("socket mode: %v %v", fi, err)
	}

	c := unixClient(socket)
	port := freePort(t)
	out := post(t, c, "/actions/start", map[string]any{"backend_port": port, "host": "127.0.0.1", "obo": false, "max_retries": 2})
	if out["status"] != "success" {
		t.Fatalf("start: %v", out)
	}
	url := fmt.Sprintf("http://127.0.0.1:%d/", port)
	ok := waitUntil(5*time.Second, 50*time.Millisecond, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		b, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return string(b) == "hello"
	})
	if !ok {
		t.Fatal("backend never served")
	}

	out = post(t, c, "/actions/shutdown", nil)
	if out["status"] != "success" {
		t.Fatalf("shutdown: %v", out)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not exit")
	}
	if _, err := os.Stat(socket); !os.IsNotExist(err) {
		t.Fatalf("socket not removed: %v", err)
	}
	st, _ = proj.State().Load()
	if st.Dev != nil {
		t.Fatalf("identity not cleared: %+v", st.Dev)
	}
	if _, err := os.Stat(proj.LogPath()); err != nil {
		t.Fatalf("supervisor log missing: %v", err)
	}
}

func TestListenUnixReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.sock")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	ln, err := listenUnix(path)
	if err != nil {
		t.Fatalf("listen over stale file: %v", err)
	}
	defer func() { _ = ln.Close() }()
	if _, err := listenUnix(path); !errors.Is(err, ErrAlreadyServing) {
		t.Fatalf("expected ErrAlreadyServing, got %v", err)
	}
}

func TestRedirectStdio(t *testing.T) {
	var out, errw bytes.Buffer
	restore, err := redirectStdio(&out, &errw)
	if err != nil {
		t.Fatalf("redirect: %v", err)
	}
	fmt.Fprintln(os.Stdout, "to stdout")
	fmt.Fprintln(os.Stderr, "to stderr")
	restore()
	if out.String() != "to stdout\n" || errw.String() != "to stderr\n" {
		t.Fatalf("unexpected capture: %q %q", out.String(), errw.String())
	}
}

func TestRunRequiresMetadata(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "pyproject.toml"), []byte("[project]\nname='x'\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	err := Run(context.Background(), Options{Dir: dir})
	if !errors.Is(err, project.ErrNoMetadata) {
		t.Fatalf("expected ErrNoMetadata, got %v", err)
	}
}
