package mcptools

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/databricks-solutions/apx/internal/devctl"
	"github.com/databricks-solutions/apx/pkg/client"
)

// StartTool handles the start MCP tool.
type StartTool struct {
	ctl Controller
}

// NewStartTool creates a StartTool.
func NewStartTool(ctl Controller) *StartTool {
	return &StartTool{ctl: ctl}
}

// Definition returns the MCP tool definition for start.
func (t *StartTool) Definition() mcp.Tool {
	d := client.DefaultStartRequest()
	return mcp.NewTool("start",
		mcp.WithDescription("Start the development servers: frontend, backend and optionally the OpenAPI watcher. "+
			"The supervisor runs detached and keeps running after this call returns."),
		mcp.WithNumber("frontend_port", mcp.Description("Port for the frontend dev server"), mcp.DefaultNumber(float64(d.FrontendPort))),
		mcp.WithNumber("backend_port", mcp.Description("Port for the backend server"), mcp.DefaultNumber(float64(d.BackendPort))),
		mcp.WithString("host", mcp.Description("Host for the frontend and backend servers"), mcp.DefaultString(d.Host)),
		mcp.WithBoolean("obo", mcp.Description("Add the On-Behalf-Of access token header to backend requests"), mcp.DefaultBool(d.OBO)),
		mcp.WithBoolean("openapi", mcp.Description("Run the OpenAPI watcher"), mcp.DefaultBool(d.OpenAPI)),
		mcp.WithNumber("max_retries", mcp.Description("Maximum attempts per process before giving up"), mcp.DefaultNumber(float64(d.MaxRetries))),
	)
}

// Handle processes the start tool call.
func (t *StartTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d := client.DefaultStartRequest()
	sr := client.StartRequest{
		FrontendPort: intArg(req, "frontend_port", d.FrontendPort),
		BackendPort:  intArg(req, "backend_port", d.BackendPort),
		Host:         req.GetString("host", d.Host),
		OBO:          boolArg(req, "obo", d.OBO),
		OpenAPI:      boolArg(req, "openapi", d.OpenAPI),
		MaxRetries:   intArg(req, "max_retries", d.MaxRetries),
	}
	_, err := t.ctl.Start(ctx, sr)
	return actionResult("Development servers started successfully", err, "Failed to start servers")
}

// RestartTool handles the restart MCP tool.
type RestartTool struct {
	ctl Controller
}

// NewRestartTool creates a RestartTool.
func NewRestartTool(ctl Controller) *RestartTool {
	return &RestartTool{ctl: ctl}
}

// Definition returns the MCP tool definition for restart.
func (t *RestartTool) Definition() mcp.Tool {
	return mcp.NewTool("restart",
		mcp.WithDescription("Restart the development servers with the configuration they were last started with."),
	)
}

// Handle processes the restart tool call.
func (t *RestartTool) Handle(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, err := t.ctl.Restart(ctx)
	if errors.Is(err, devctl.ErrNoServer) {
		return jsonResult(ActionResult{Status: "error", Message: "No development server found. Run 'start' first."})
	}
	return actionResult("Development servers restarted successfully", err, "Failed to restart servers")
}

// StopTool handles the stop MCP tool.
type StopTool struct {
	ctl Controller
}

// NewStopTool creates a StopTool.
func NewStopTool(ctl Controller) *StopTool {
	return &StopTool{ctl: ctl}
}

// Definition returns the MCP tool definition for stop.
func (t *StopTool) Definition() mcp.Tool {
	return mcp.NewTool("stop",
		mcp.WithDescription("Stop the frontend, backend, OpenAPI watcher and the dev supervisor."),
	)
}

// Handle processes the stop tool call.
func (t *StopTool) Handle(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, err := t.ctl.Stop(ctx)
	return actionResult("Development servers stopped successfully", err, "Failed to stop servers")
}

// StatusResult is returned by the status tool.
type StatusResult struct {
	DevServerRunning bool   `json:"dev_server_running"`
	DevServerPID     int    `json:"dev_server_pid,omitempty"`
	DevServerSocket  string `json:"dev_server_socket,omitempty"`
	FrontendRunning  bool   `json:"frontend_running"`
	FrontendPort     int    `json:"frontend_port,omitempty"`
	BackendRunning   bool   `json:"backend_running"`
	BackendPort      int    `json:"backend_port,omitempty"`
	OpenAPIRunning   bool   `json:"openapi_running"`
}

// StatusTool handles the status MCP tool.
type StatusTool struct {
	ctl Controller
}

// NewStatusTool creates a StatusTool.
func NewStatusTool(ctl Controller) *StatusTool {
	return &StatusTool{ctl: ctl}
}

// Definition returns the MCP tool definition for status.
func (t *StatusTool) Definition() mcp.Tool {
	return mcp.NewTool("status",
		mcp.WithDescription("Report whether the dev supervisor, frontend, backend and OpenAPI watcher are running, with their ports."),
	)
}

// Handle processes the status tool call. A supervisor that does not answer
// yet is reported as running with every process stopped.
func (t *StatusTool) Handle(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rep, err := t.ctl.Status(ctx)
	var res StatusResult
	if rep.Supervisor != nil {
		res.DevServerRunning = true
		res.DevServerPID = rep.Supervisor.PID
		res.DevServerSocket = rep.Supervisor.Socket
	}
	if err == nil {
		res.DevServerRunning = true
		res.FrontendRunning = rep.Status.FrontendRunning
		res.BackendRunning = rep.Status.BackendRunning
		res.OpenAPIRunning = rep.Status.OpenAPIRunning
		if res.FrontendRunning {
			res.FrontendPort = rep.Status.FrontendPort
		}
		if res.BackendRunning {
			res.BackendPort = rep.Status.BackendPort
		}
	}
	return jsonResult(res)
}
