// Package backend serves the user's HTTP application in process and reloads
// it when its sources change.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/databricks-solutions/apx/internal/credential"
	"github.com/databricks-solutions/apx/internal/env"
	"github.com/databricks-solutions/apx/internal/metrics"
	"github.com/databricks-solutions/apx/internal/retry"
	"github.com/databricks-solutions/apx/internal/watch"
)

// State is the phase of the reload cycle.
type State string

const (
	StateLoading     State = "LOADING"
	StateServing     State = "SERVING"
	StateFileChanged State = "FILE_CHANGED"
	StateCrashed     State = "CRASHED"
	StateStopping    State = "STOPPING"
	StateStopped     State = "STOPPED"
)

// DefaultGrace is how long in-flight requests get before a reload closes the
// listener.
const DefaultGrace = 500 * time.Millisecond

// TokenSource yields the credential injected into requests.
type TokenSource interface {
	Token(ctx context.Context) (credential.Token, error)
}

// Options configures a Runner.
type Options struct {
	Dir        string // project directory, watched for changes
	AppRef     string // "module_path:Attr"
	Host       string
	Port       int
	OBO        bool
	Tokens     TokenSource // required when OBO is set
	Loader     Loader      // defaults to Apps
	DotenvPath string      // reloaded before every cycle; empty skips
	Extensions []string    // watched suffixes, default ".go"
	Debounce   time.Duration
	Grace      time.Duration
	Stdout     io.Writer
	Stderr     io.Writer
	Logger     *slog.Logger
}

// Runner runs reload cycles until cancelled or the application crashes.
type Runner struct {
	opts Options

	mu      sync.Mutex
	state   State
	addr    string
	reloads int
}

// New returns a Runner in the STOPPED state.
func New(opts Options) *Runner {
	if opts.Loader == nil {
		opts.Loader = Apps
	}
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = []string{".go"}
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{opts: opts, state: StateStopped}
}

// State returns the current phase.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Addr returns the address of the current listener, empty when not serving.
func (r *Runner) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// Reloads returns how many file-change reloads happened.
func (r *Runner) Reloads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reloads
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	if s == StateFileChanged {
		r.reloads++
	}
	r.mu.Unlock()
	metrics.SetBackendState(string(prev), string(s))
}

func (r *Runner) setAddr(a string) {
	r.mu.Lock()
	r.addr = a
	r.mu.Unlock()
}

// Run loads and serves the application, starting a new cycle after every
// batch of source changes. It returns ctx.Err() when cancelled and the
// serve error when the application crashes. Configuration errors are
// returned as retry.Permanent.
func (r *Runner) Run(ctx context.Context) error {
	log := r.opts.Logger
	w, err := watch.New(r.opts.Dir, watch.Options{Extensions: r.opts.Extensions, Debounce: r.opts.Debounce})
	if err != nil {
		r.setState(StateStopped)
		return fmt.Errorf("watch sources: %w", err)
	}
	defer func() { _ = w.Close() }()

	for {
		reload, err := r.cycle(ctx, w)
		if err != nil {
			if ctx.Err() != nil {
				r.setState(StateStopped)
				return ctx.Err()
			}
			r.setState(StateCrashed)
			log.Error("backend crashed", "error", err)
			r.setState(StateStopped)
			return err
		}
		if !reload {
			r.setState(StateStopped)
			return ctx.Err()
		}
	}
}

// cycle runs one LOADING → SERVING → STOPPING pass. reload is true when the
// pass ended because sources changed.
func (r *Runner) cycle(ctx context.Context, w *watch.Watcher) (reload bool, err error) {
	log := r.opts.Logger
	r.setState(StateLoading)

	handler, err := r.load(ctx)
	if err != nil {
		return false, err
	}

	addr := net.JoinHostPort(r.opts.Host, strconv.Itoa(r.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelError),
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	r.setAddr(ln.Addr().String())
	r.setState(StateServing)
	log.Info("backend serving", "addr", ln.Addr().String(), "app", r.opts.AppRef)

	// the watcher is shared across cycles; its reader must be gone before
	// the next cycle calls Next again
	wctx, cancelWatch := context.WithCancel(ctx)
	watchDone := make(chan struct{})
	defer func() {
		cancelWatch()
		<-watchDone
	}()
	changes := make(chan []string, 1)
	watchErr := make(chan error, 1)
	go func() {
		defer close(watchDone)
		files, err := w.Next(wctx)
		if err != nil {
			watchErr <- err
			return
		}
		changes <- files
	}()

	select {
	case <-ctx.Done():
		r.setState(StateStopping)
		r.shutdown(srv, serveErr)
		return false, ctx.Err()
	case files := <-changes:
		r.setState(StateFileChanged)
		metrics.IncReload()
		log.Info(fmt.Sprintf("detected changes in %d file(s), reloading", len(files)))
		r.setState(StateStopping)
		r.shutdown(srv, serveErr)
		return true, nil
	case err := <-watchErr:
		r.setState(StateStopping)
		r.shutdown(srv, serveErr)
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, err
	case err := <-serveErr:
		cancelWatch()
		r.setAddr("")
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			err = errors.New("server stopped unexpectedly")
		}
		return false, fmt.Errorf("serve: %w", err)
	}
}

// load reloads the dotenv file, obtains the credential and builds a new
// application instance.
func (r *Runner) load(ctx context.Context) (http.Handler, error) {
	log := r.opts.Logger
	if r.opts.DotenvPath != "" {
		if keys, err := env.Apply(r.opts.DotenvPath); err != nil {
			log.Warn("cannot load .env", "path", r.opts.DotenvPath, "error", err)
		} else if len(keys) > 0 {
			log.Debug("loaded .env", "keys", len(keys))
		}
	}

	var token string
	if r.opts.OBO {
		if r.opts.Tokens == nil {
			return nil, retry.Permanent(errors.New("on-behalf-of token requested without a token source"))
		}
		t, err := r.opts.Tokens.Token(ctx)
		if err != nil {
			if errors.Is(err, credential.ErrIdentityUnavailable) {
				return nil, retry.Permanent(err)
			}
			return nil, err
		}
		token = t.Secret
	}

	h, err := r.opts.Loader.Load(r.opts.AppRef, AppEnv{
		Dir:    r.opts.Dir,
		Stdout: r.opts.Stdout,
		Stderr: r.opts.Stderr,
		Logger: log,
	})
	if err != nil {
		if IsConfigError(err) {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}
	h = accessLog(h, log)
	if r.opts.OBO {
		h = withToken(h, token)
	}
	return h, nil
}

// shutdown drains in-flight requests for the grace period, then closes the
// server, and waits until Serve has returned.
func (r *Runner) shutdown(srv *http.Server, serveErr <-chan error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.Grace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	<-serveErr
	r.setAddr("")
}
