package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/databricks-solutions/apx/internal/logs"
	"github.com/databricks-solutions/apx/internal/process"
)

// Control errors reported as {"status":"error"} responses.
var (
	ErrAlreadyRunning = errors.New("Servers are already running")
	ErrNotRunning     = errors.New("No servers were running")
	ErrNeverStarted   = errors.New("Servers were never started")
	ErrStopTimeout    = errors.New("Servers did not stop in time")
)

const (
	DefaultFrontendPort = 5173
	DefaultBackendPort  = 8000
	DefaultHost         = "localhost"
	DefaultMaxRetries   = 10
	DefaultRestartPause = time.Second
	DefaultStopTimeout  = 5 * time.Second
)

// StartRequest is the body of POST /actions/start. Missing fields keep their
// defaults.
type StartRequest struct {
	FrontendPort int    `json:"frontend_port"`
	BackendPort  int    `json:"backend_port"`
	Host         string `json:"host"`
	OBO          bool   `json:"obo"`
	OpenAPI      bool   `json:"openapi"`
	MaxRetries   int    `json:"max_retries"`
}

// DefaultStartRequest returns the configuration used when the client omits a
// field.
func DefaultStartRequest() StartRequest {
	return StartRequest{
		FrontendPort: DefaultFrontendPort,
		BackendPort:  DefaultBackendPort,
		Host:         DefaultHost,
		OBO:          true,
		OpenAPI:      true,
		MaxRetries:   DefaultMaxRetries,
	}
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

// Validate checks ports, host and retry count.
func (r StartRequest) Validate() error {
	if !validPort(r.FrontendPort) {
		return fmt.Errorf("invalid frontend_port: %d", r.FrontendPort)
	}
	if !validPort(r.BackendPort) {
		return fmt.Errorf("invalid backend_port: %d", r.BackendPort)
	}
	if r.FrontendPort == r.BackendPort {
		return fmt.Errorf("frontend_port and backend_port must differ (both %d)", r.FrontendPort)
	}
	if strings.TrimSpace(r.Host) == "" || strings.ContainsAny(r.Host, " /") {
		return fmt.Errorf("invalid host: %q", r.Host)
	}
	if r.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be >= 1, got %d", r.MaxRetries)
	}
	return nil
}

// Task runs one supervised process until ctx is cancelled or it gives up.
type Task func(ctx context.Context, req StartRequest) error

// Tasks are the three supervised processes. A nil task is never started.
type Tasks struct {
	Frontend Task
	Backend  Task
	OpenAPI  Task
}

func (t Tasks) byName(name string) Task {
	switch name {
	case logs.ProcessFrontend:
		return t.Frontend
	case logs.ProcessBackend:
		return t.Backend
	case logs.ProcessOpenAPI:
		return t.OpenAPI
	}
	return nil
}

// Options configures a Server.
type Options struct {
	Tasks        Tasks
	Buffer       *logs.Buffer
	Logger       *slog.Logger
	InstanceID   string
	PID          int
	RestartPause time.Duration
	// StopTimeout bounds how long stop waits for one task to return.
	StopTimeout time.Duration
	// OnShutdown is called once after a shutdown action stopped every task.
	OnShutdown   func()
	BackendState func() string
}

// handle tracks one running task. done is closed when the task returns.
type handle struct {
	name      string
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	mu       sync.Mutex
	err      error
	attempts int
}

func (h *handle) running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *handle) setAttempt(n int) {
	h.mu.Lock()
	h.attempts = n
	h.mu.Unlock()
}

// retries is the number of attempts after the first one.
func (h *handle) retries() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.attempts < 1 {
		return 0
	}
	return h.attempts - 1
}

func (h *handle) lastErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

type ctrlType int

const (
	ctrlStart ctrlType = iota
	ctrlStop
	ctrlRestart
	ctrlStatus
	ctrlShutdown
)

type ctrlReply struct {
	msg    string
	status Status
	err    error
}

type ctrlMsg struct {
	Type  ctrlType
	Req   StartRequest
	Reply chan ctrlReply
}

// Status is the body of GET /status.
type Status struct {
	FrontendRunning bool   `json:"frontend_running"`
	FrontendPort    int    `json:"frontend_port"`
	BackendRunning  bool   `json:"backend_running"`
	BackendPort     int    `json:"backend_port"`
	OpenAPIRunning  bool   `json:"openapi_running"`
	Host            string `json:"host"`
	FrontendError   string `json:"frontend_error,omitempty"`
	BackendError    string `json:"backend_error,omitempty"`
	OpenAPIError    string `json:"openapi_error,omitempty"`
	FrontendRetries int    `json:"frontend_retries"`
	BackendRetries  int    `json:"backend_retries"`
	OpenAPIRetries  int    `json:"openapi_retries"`
	BackendState    string `json:"backend_state,omitempty"`
}

// Server owns the supervised tasks. Every mutation and status read goes
// through the control loop started by New.
type Server struct {
	opts Options
	log  *slog.Logger
	ctx  context.Context
	ctrl chan ctrlMsg
	done chan struct{}

	// owned by the control loop
	handles map[string]*handle
	last    *StartRequest
}

// New starts the control loop. It stops every task when ctx is done.
func New(ctx context.Context, opts Options) *Server {
	if opts.Buffer == nil {
		opts.Buffer = logs.NewBuffer(0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RestartPause <= 0 {
		opts.RestartPause = DefaultRestartPause
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	s := &Server{
		opts:    opts,
		log:     opts.Logger.With("component", "server"),
		ctx:     ctx,
		ctrl:    make(chan ctrlMsg, 16),
		done:    make(chan struct{}),
		handles: make(map[string]*handle),
	}
	go s.run(ctx)
	return s
}

// Buffer returns the shared log buffer.
func (s *Server) Buffer() *logs.Buffer { return s.opts.Buffer }

// Done is closed once the control loop has exited.
func (s *Server) Done() <-chan struct{} { return s.done }

func (s *Server) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			// drain pending requests so callers never hang
			for {
				select {
				case msg := <-s.ctrl:
					msg.Reply <- ctrlReply{err: context.Canceled}
				default:
					return
				}
			}
		case msg := <-s.ctrl:
			var rep ctrlReply
			switch msg.Type {
			case ctrlStart:
				rep.msg, rep.err = s.start(msg.Req)
			case ctrlStop:
				rep.msg, rep.err = s.stop()
			case ctrlRestart:
				rep.msg, rep.err = s.restart(ctx)
			case ctrlStatus:
				rep.status = s.status()
			case ctrlShutdown:
				rep.msg = "Shutting down"
				stopped, stuck := s.stopAll()
				if len(stopped) > 0 {
					rep.msg = "Stopped servers: " + strings.Join(stopped, ", ") + "; shutting down"
				}
				if len(stuck) > 0 {
					s.log.Warn("shutting down with tasks still running", "processes", stuck)
				}
			}
			msg.Reply <- rep
		}
	}
}

func (s *Server) send(ctx context.Context, t ctrlType, req StartRequest) ctrlReply {
	msg := ctrlMsg{Type: t, Req: req, Reply: make(chan ctrlReply, 1)}
	select {
	case s.ctrl <- msg:
	case <-s.done:
		return ctrlReply{err: context.Canceled}
	case <-ctx.Done():
		return ctrlReply{err: ctx.Err()}
	}
	select {
	case rep := <-msg.Reply:
		return rep
	case <-s.done:
		return ctrlReply{err: context.Canceled}
	}
}

// Start launches the tasks with req.
func (s *Server) Start(ctx context.Context, req StartRequest) (string, error) {
	rep := s.send(ctx, ctrlStart, req)
	return rep.msg, rep.err
}

// Stop cancels every running task and waits for it.
func (s *Server) Stop(ctx context.Context) (string, error) {
	rep := s.send(ctx, ctrlStop, StartRequest{})
	return rep.msg, rep.err
}

// Restart stops, pauses, then starts again with the last configuration.
func (s *Server) Restart(ctx context.Context) (string, error) {
	rep := s.send(ctx, ctrlRestart, StartRequest{})
	return rep.msg, rep.err
}

// Shutdown stops every task and then invokes OnShutdown.
func (s *Server) Shutdown(ctx context.Context) (string, error) {
	rep := s.send(ctx, ctrlShutdown, StartRequest{})
	if rep.err == nil && s.opts.OnShutdown != nil {
		go s.opts.OnShutdown()
	}
	return rep.msg, rep.err
}

// Status reports the live state of every task.
func (s *Server) Status(ctx context.Context) (Status, error) {
	rep := s.send(ctx, ctrlStatus, StartRequest{})
	return rep.status, rep.err
}

func (s *Server) anyRunning() bool {
	for _, h := range s.handles {
		if h.running() {
			return true
		}
	}
	return false
}

func (s *Server) start(req StartRequest) (string, error) {
	if s.anyRunning() {
		return "", ErrAlreadyRunning
	}
	if err := req.Validate(); err != nil {
		return "", err
	}
	cfg := req
	s.last = &cfg
	s.handles = make(map[string]*handle)
	var started []string
	for _, name := range logs.Processes {
		task := s.opts.Tasks.byName(name)
		if task == nil {
			continue
		}
		if name == logs.ProcessOpenAPI && !req.OpenAPI {
			continue
		}
		s.handles[name] = s.launch(name, task, req)
		started = append(started, name)
	}
	s.log.Info("servers started", "processes", started, "frontend_port", req.FrontendPort,
		"backend_port", req.BackendPort, "host", req.Host, "obo", req.OBO, "max_retries", req.MaxRetries)
	return "Servers started successfully", nil
}

func (s *Server) launch(name string, task Task, req StartRequest) *handle {
	ctx, cancel := context.WithCancel(s.ctx)
	h := &handle{name: name, cancel: cancel, done: make(chan struct{}), startedAt: time.Now()}
	ctx = process.WithAttemptHook(ctx, h.setAttempt)
	plog := logs.NewLogger(s.opts.Buffer, name)
	go func() {
		defer close(h.done)
		err := task(ctx, req)
		if err == nil || ctx.Err() != nil {
			return
		}
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		plog.Error(fmt.Sprintf("%s task failed: %v", taskTitle(name), err))
		s.log.Error("task failed", "process", name, "error", err)
	}()
	return h
}

func taskTitle(name string) string {
	switch name {
	case logs.ProcessOpenAPI:
		return "OpenAPI watcher"
	case "":
		return ""
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// stopAll cancels every running task in canonical order. It returns the
// names of those that stopped and of those still running after the wait.
// Handles of tasks that are still running are kept so that a new start is
// refused until they return.
func (s *Server) stopAll() (stopped, stuck []string) {
	wait := s.opts.StopTimeout * 2
	for _, name := range logs.Processes {
		h, ok := s.handles[name]
		if !ok || !h.running() {
			continue
		}
		h.cancel()
		select {
		case <-h.done:
			stopped = append(stopped, name)
		case <-time.After(wait):
			s.log.Warn("task did not stop in time", "process", name, "timeout", wait)
			stuck = append(stuck, name)
		}
	}
	kept := make(map[string]*handle)
	for name, h := range s.handles {
		h.cancel()
		if h.running() {
			kept[name] = h
		}
	}
	s.handles = kept
	return stopped, stuck
}

func stuckErr(stuck []string) error {
	return fmt.Errorf("%w: %s", ErrStopTimeout, strings.Join(stuck, ", "))
}

func (s *Server) stop() (string, error) {
	stopped, stuck := s.stopAll()
	if len(stuck) > 0 {
		return "", stuckErr(stuck)
	}
	if len(stopped) == 0 {
		return "", ErrNotRunning
	}
	s.log.Info("servers stopped", "processes", stopped)
	return "Stopped servers: " + strings.Join(stopped, ", "), nil
}

func (s *Server) restart(ctx context.Context) (string, error) {
	if s.last == nil {
		return "", ErrNeverStarted
	}
	if _, stuck := s.stopAll(); len(stuck) > 0 {
		return "", stuckErr(stuck)
	}
	select {
	case <-time.After(s.opts.RestartPause):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	msg, err := s.start(*s.last)
	if err != nil {
		return "", err
	}
	return strings.Replace(msg, "started", "restarted", 1), nil
}

func (s *Server) status() Status {
	cfg := DefaultStartRequest()
	if s.last != nil {
		cfg = *s.last
	}
	st := Status{FrontendPort: cfg.FrontendPort, BackendPort: cfg.BackendPort, Host: cfg.Host}
	fill := func(name string, running *bool, errText *string, retries *int) {
		h, ok := s.handles[name]
		if !ok {
			return
		}
		*running = h.running()
		*retries = h.retries()
		if err := h.lastErr(); err != nil {
			*errText = err.Error()
		}
	}
	fill(logs.ProcessFrontend, &st.FrontendRunning, &st.FrontendError, &st.FrontendRetries)
	fill(logs.ProcessBackend, &st.BackendRunning, &st.BackendError, &st.BackendRetries)
	fill(logs.ProcessOpenAPI, &st.OpenAPIRunning, &st.OpenAPIError, &st.OpenAPIRetries)
	if s.opts.BackendState != nil {
		st.BackendState = s.opts.BackendState()
	}
	return st
}
