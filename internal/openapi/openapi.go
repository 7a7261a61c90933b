// Package openapi keeps the generated API client in sync with the backend:
// it renders the application's OpenAPI document on source changes and runs
// the client generator when the document changed.
package openapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/databricks-solutions/apx/internal/backend"
	"github.com/databricks-solutions/apx/internal/metrics"
	"github.com/databricks-solutions/apx/internal/process"
	"github.com/databricks-solutions/apx/internal/watch"
)

// SchemaProvider is implemented by applications that can describe their API.
type SchemaProvider interface {
	OpenAPI() ([]byte, error)
}

// Options configures a Watcher.
type Options struct {
	Dir             string
	AppRef          string
	AppSlug         string
	Loader          backend.Loader
	SchemaPath      string // .apx/openapi.json
	OrvalConfigPath string // .apx/orval.config.ts, created when missing
	Command         string // client generator
	Env             []string
	Extensions      []string
	Debounce        time.Duration
	Stdout          io.Writer
	Stderr          io.Writer
	Logger          *slog.Logger
}

// Watcher regenerates the client on every batch of source changes.
type Watcher struct {
	opts Options
}

// New returns a Watcher.
func New(opts Options) *Watcher {
	if opts.Loader == nil {
		opts.Loader = backend.Apps
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = []string{".go"}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{opts: opts}
}

// Run generates once and then after every change until ctx is done. Failed
// generations are logged and do not stop the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	log := w.opts.Logger
	fw, err := watch.New(w.opts.Dir, watch.Options{Extensions: w.opts.Extensions, Debounce: w.opts.Debounce})
	if err != nil {
		return fmt.Errorf("watch sources: %w", err)
	}
	defer func() { _ = fw.Close() }()

	if w.opts.OrvalConfigPath != "" {
		if err := EnsureOrvalConfig(w.opts.OrvalConfigPath, w.opts.AppSlug); err != nil {
			log.Warn("cannot write orval config", "path", w.opts.OrvalConfigPath, "error", err)
		}
	}
	log.Info("watching for changes", "dir", w.opts.Dir, "extensions", w.opts.Extensions)
	if _, err := w.Generate(ctx); err != nil && ctx.Err() == nil {
		log.Error("initial generation failed", "error", err)
	}
	for {
		files, err := fw.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		log.Info(fmt.Sprintf("detected changes in %d file(s), regenerating", len(files)))
		if _, err := w.Generate(ctx); err != nil && ctx.Err() == nil {
			log.Error("regeneration failed", "error", err)
		}
	}
}

// Generate writes the schema when it changed and then runs the generator.
// Applications without a schema always trigger the generator.
func (w *Watcher) Generate(ctx context.Context) (bool, error) {
	log := w.opts.Logger
	changed, err := w.writeSchema()
	if err != nil {
		metrics.IncCodegen(false)
		return false, err
	}
	if !changed {
		log.Info("schema unchanged, skipping client generation")
		return false, nil
	}
	if w.opts.Command == "" {
		return true, nil
	}
	p := process.New(process.Spec{
		Name:    "codegen",
		Command: w.opts.Command,
		WorkDir: w.opts.Dir,
		Env:     w.opts.Env,
	}, w.opts.Stdout, w.opts.Stderr)
	if err := p.Run(ctx); err != nil {
		metrics.IncCodegen(false)
		return true, fmt.Errorf("client generation: %w", err)
	}
	metrics.IncCodegen(true)
	log.Info("client generated")
	return true, nil
}

func (w *Watcher) writeSchema() (bool, error) {
	h, err := w.opts.Loader.Load(w.opts.AppRef, backend.AppEnv{
		Dir:    w.opts.Dir,
		Stdout: io.Discard,
		Stderr: io.Discard,
		Logger: w.opts.Logger,
	})
	if err != nil {
		return false, err
	}
	sp, ok := h.(SchemaProvider)
	if !ok || w.opts.SchemaPath == "" {
		return true, nil
	}
	raw, err := sp.OpenAPI()
	if err != nil {
		return false, fmt.Errorf("render schema: %w", err)
	}
	var doc bytes.Buffer
	if err := json.Indent(&doc, raw, "", "  "); err != nil {
		return false, fmt.Errorf("render schema: %w", err)
	}
	old, err := os.ReadFile(w.opts.SchemaPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err == nil && bytes.Equal(old, doc.Bytes()) {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(w.opts.SchemaPath), 0o750); err != nil {
		return false, err
	}
	if err := os.WriteFile(w.opts.SchemaPath, doc.Bytes(), 0o644); err != nil {
		return false, err
	}
	return true, nil
}

const orvalTemplate = `import { defineConfig } from "orval";

export default defineConfig({
  api: {
    input: ".apx/openapi.json",
    output: {
      target: "../src/%s/ui/lib/api.ts",
      client: "react-query",
      httpClient: "axios",
      prettier: true,
      override: {
        query: {
          useQuery: true,
          useSuspenseQuery: true,
        },
      },
    },
  },
});
`

// EnsureOrvalConfig writes the default generator config unless one exists.
func EnsureOrvalConfig(path, slug string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf(orvalTemplate, slug)), 0o644)
}
