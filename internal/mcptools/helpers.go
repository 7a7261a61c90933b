// Package mcptools exposes the dev supervisor to MCP clients.
//
// Each tool follows the same shape:
// - a struct with its dependencies injected via constructor
// - Definition() returns the mcp.Tool schema
// - Handle() processes the request and returns a result
//
// Failures are reported as tool results with status "error", never as
// protocol errors, so the calling agent can read and act on them.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/databricks-solutions/apx/internal/devctl"
	"github.com/databricks-solutions/apx/internal/project"
	"github.com/databricks-solutions/apx/pkg/client"
)

// Controller is the part of devctl.Controller the tools use.
type Controller interface {
	Project() *project.Project
	Start(ctx context.Context, req client.StartRequest) (devctl.StartResult, error)
	Stop(ctx context.Context) (string, error)
	Restart(ctx context.Context) (string, error)
	Status(ctx context.Context) (devctl.Report, error)
	Logs(ctx context.Context, opts client.LogOptions, fn func(client.LogEvent) error) error
}

// ActionResult is returned by start, stop and restart.
type ActionResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

func actionResult(msg string, err error, prefix string) (*mcp.CallToolResult, error) {
	if err != nil {
		return jsonResult(ActionResult{Status: "error", Message: fmt.Sprintf("%s: %v", prefix, err)})
	}
	return jsonResult(ActionResult{Status: "success", Message: msg})
}
