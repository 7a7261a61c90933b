package openapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/databricks-solutions/apx/internal/backend"
)

type schemaApp struct {
	http.Handler
	doc string
}

func (s schemaApp) OpenAPI() ([]byte, error) { return []byte(s.doc), nil }

type docSource struct {
	mu  sync.Mutex
	doc string
}

func (d *docSource) set(s string) {
	d.mu.Lock()
	d.doc = s
	d.mu.Unlock()
}

func (d *docSource) factory(backend.AppEnv) (http.Handler, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return schemaApp{Handler: http.NotFoundHandler(), doc: d.doc}, nil
}

func runs(t *testing.T, path string) int {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	return strings.Count(string(b), "run")
}

func newWatcher(t *testing.T, src *docSource) (*Watcher, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	dir := t.TempDir()
	reg := backend.NewRegistry()
	reg.Register("demo.app:app", src.factory)
	w := New(Options{
		Dir:             dir,
		AppRef:          "demo.app:app",
		AppSlug:         "demo",
		Loader:          reg,
		SchemaPath:      filepath.Join(dir, ".apx", "openapi.json"),
		OrvalConfigPath: filepath.Join(dir, ".apx", "orval.config.ts"),
		Command:         "sh -c 'echo run >> codegen.log'",
		Debounce:        20 * time.Millisecond,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return w, dir
}

func TestGenerateSkipsUnchangedSchema(t *testing.T) {
	src := &docSource{doc: `{"openapi":"3.1.0","paths":{}}`}
	w, dir := newWatcher(t, src)
	log := filepath.Join(dir, "codegen.log")

	changed, err := w.Generate(context.Background())
	if err != nil || !changed {
		t.Fatalf("first generate: changed=%v err=%v", changed, err)
	}
	b, _ := os.ReadFile(filepath.Join(dir, ".apx", "openapi.json"))
	if !strings.Contains(string(b), "\n  \"openapi\": \"3.1.0\"") {
		t.Fatalf("schema not indented: %s", b)
	}
	if changed, _ := w.Generate(context.Background()); changed || runs(t, log) != 1 {
		t.Fatalf("unchanged schema regenerated: changed=%v runs=%d", changed, runs(t, log))
	}
	src.set(`{"openapi":"3.1.0","paths":{"/items":{}}}`)
	if changed, _ := w.Generate(context.Background()); !changed || runs(t, log) != 2 {
		t.Fatalf("changed schema not regenerated: runs=%d", runs(t, log))
	}
}

func TestGenerateReportsCodegenFailure(t *testing.T) {
	src := &docSource{doc: `{}`}
	w, _ := newWatcher(t, src)
	w.opts.Command = "sh -c 'exit 2'"
	if _, err := w.Generate(context.Background()); err == nil {
		t.Fatal("expected codegen error")
	}
}

func TestRunRegeneratesOnChange(t *testing.T) {
	src := &docSource{doc: `{"v":1}`}
	w, dir := newWatcher(t, src)
	log := filepath.Join(dir, "codegen.log")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for runs(t, log) < 1 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if runs(t, log) != 1 {
		t.Fatal("initial generation did not run")
	}
	if _, err := os.Stat(filepath.Join(dir, ".apx", "orval.config.ts")); err != nil {
		t.Fatalf("orval config not created: %v", err)
	}

	src.set(`{"v":2}`)
	if err := os.WriteFile(filepath.Join(dir, "routes.go"), []byte("package app\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	deadline = time.Now().Add(5 * time.Second)
	for runs(t, log) < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if runs(t, log) != 2 {
		t.Fatalf("runs = %d, want 2", runs(t, log))
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestEnsureOrvalConfigKeepsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orval.config.ts")
	if err := EnsureOrvalConfig(path, "shop"); err != nil {
		t.Fatal(err)
	}
	b, _ := os.ReadFile(path)
	if !strings.Contains(string(b), "../src/shop/ui/lib/api.ts") {
		t.Fatalf("unexpected config: %s", b)
	}
	_ = os.WriteFile(path, []byte("custom"), 0o644)
	_ = EnsureOrvalConfig(path, "shop")
	if b, _ := os.ReadFile(path); string(b) != "custom" {
		t.Fatal("existing config overwritten")
	}
}
