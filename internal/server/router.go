package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/databricks-solutions/apx/internal/metrics"
)

// Router exposes a Server over HTTP.
// Endpoints:
//
//	GET  /                  identity
//	GET  /status            live state of the three processes
//	GET  /ports             last used ports and host
//	GET  /logs              SSE log stream, see handleLogs
//	GET  /metrics           Prometheus metrics
//	POST /actions/start     body: StartRequest JSON (optional)
//	POST /actions/stop
//	POST /actions/restart
//	POST /actions/shutdown
type Router struct {
	srv *Server
}

func NewRouter(srv *Server) *Router {
	return &Router{srv: srv}
}

// Handler returns an http.Handler powered by gin.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/", r.handleRoot)
	g.GET("/status", r.handleStatus)
	g.GET("/ports", r.handlePorts)
	g.GET("/logs", r.handleLogs)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	actions := g.Group("/actions")
	actions.POST("/start", r.handleStart)
	actions.POST("/stop", r.handleStop)
	actions.POST("/restart", r.handleRestart)
	actions.POST("/shutdown", r.handleShutdown)
	return g
}

// Serve serves the router on l until the Server's context is done, then shuts
// the HTTP server down gracefully.
func (r *Router) Serve(l net.Listener) error {
	hs := &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- hs.Serve(l) }()
	select {
	case err := <-errCh:
		return err
	case <-r.srv.Done():
	}
	ctx, cancel := contextWithTimeout(5 * time.Second)
	defer cancel()
	if err := hs.Shutdown(ctx); err != nil {
		_ = hs.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- Handlers ---

// ActionResponse is the body of every /actions/* response.
type ActionResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Identity is the body of GET /.
type Identity struct {
	Message    string `json:"message"`
	Status     string `json:"status"`
	InstanceID string `json:"instance_id,omitempty"`
	PID        int    `json:"pid,omitempty"`
}

// Ports is the body of GET /ports.
type Ports struct {
	FrontendPort int    `json:"frontend_port"`
	BackendPort  int    `json:"backend_port"`
	Host         string `json:"host"`
}

func okAction(msg string) ActionResponse { return ActionResponse{Status: "success", Message: msg} }

func errAction(err error) ActionResponse {
	return ActionResponse{Status: "error", Message: err.Error()}
}

func actionCode(err error) int {
	switch {
	case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrNotRunning), errors.Is(err, ErrNeverStarted),
		errors.Is(err, ErrStopTimeout):
		return http.StatusConflict
	case errors.Is(err, errUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}

func (r *Router) respondAction(c *gin.Context, action, msg string, err error) {
	if err != nil {
		if isCanceled(err) {
			err = errUnavailable
		}
		metrics.IncAction(action, "error")
		writeJSON(c, actionCode(err), errAction(err))
		return
	}
	metrics.IncAction(action, "success")
	writeJSON(c, http.StatusOK, okAction(msg))
}

func (r *Router) handleRoot(c *gin.Context) {
	pid := r.srv.opts.PID
	if pid == 0 {
		pid = os.Getpid()
	}
	writeJSON(c, http.StatusOK, Identity{
		Message:    "APX Dev Server",
		Status:     "running",
		InstanceID: r.srv.opts.InstanceID,
		PID:        pid,
	})
}

// decodeStart fills a default request with the JSON body. An empty body keeps
// every default.
func decodeStart(body io.Reader) (StartRequest, error) {
	req := DefaultStartRequest()
	data, err := io.ReadAll(io.LimitReader(body, 1<<20))
	if err != nil {
		return req, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return req, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, errors.New("invalid JSON: " + err.Error())
	}
	return req, nil
}

func (r *Router) handleStart(c *gin.Context) {
	req, err := decodeStart(c.Request.Body)
	if err == nil {
		err = req.Validate()
	}
	if err != nil {
		metrics.IncAction("start", "error")
		writeJSON(c, http.StatusBadRequest, errAction(err))
		return
	}
	msg, err := r.srv.Start(c.Request.Context(), req)
	r.respondAction(c, "start", msg, err)
}

func (r *Router) handleStop(c *gin.Context) {
	msg, err := r.srv.Stop(c.Request.Context())
	r.respondAction(c, "stop", msg, err)
}

func (r *Router) handleRestart(c *gin.Context) {
	msg, err := r.srv.Restart(c.Request.Context())
	r.respondAction(c, "restart", msg, err)
}

func (r *Router) handleShutdown(c *gin.Context) {
	msg, err := r.srv.Shutdown(c.Request.Context())
	r.respondAction(c, "shutdown", msg, err)
}

func (r *Router) handleStatus(c *gin.Context) {
	st, err := r.srv.Status(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errAction(errUnavailable))
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handlePorts(c *gin.Context) {
	st, err := r.srv.Status(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errAction(errUnavailable))
		return
	}
	writeJSON(c, http.StatusOK, Ports{FrontendPort: st.FrontendPort, BackendPort: st.BackendPort, Host: st.Host})
}
