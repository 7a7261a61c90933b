package mcptools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/databricks-solutions/apx/pkg/client"
)

const (
	defaultLogLines = 200
	maxLogLines     = 2000
)

// LogsTool handles the logs MCP tool.
type LogsTool struct {
	ctl Controller
}

// NewLogsTool creates a LogsTool.
func NewLogsTool(ctl Controller) *LogsTool {
	return &LogsTool{ctl: ctl}
}

// Definition returns the MCP tool definition for logs.
func (t *LogsTool) Definition() mcp.Tool {
	return mcp.NewTool("logs",
		mcp.WithDescription("Return the buffered logs of the development servers, oldest first."),
		mcp.WithString("process",
			mcp.Description("Filter by process: frontend, backend, openapi or all"),
			mcp.Enum("all", "frontend", "backend", "openapi"),
		),
		mcp.WithNumber("duration",
			mcp.Description("Only records from the last N seconds (default: all)"),
		),
		mcp.WithNumber("lines",
			mcp.Description(fmt.Sprintf("Return at most the last N records (default: %d, max: %d)", defaultLogLines, maxLogLines)),
		),
	)
}

// Handle processes the logs tool call.
func (t *LogsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	lines := intArg(req, "lines", defaultLogLines)
	if lines <= 0 || lines > maxLogLines {
		lines = maxLogLines
	}
	opts := client.LogOptions{
		Process:  req.GetString("process", ""),
		Duration: time.Duration(intArg(req, "duration", 0)) * time.Second,
		NoFollow: true,
	}
	var recs []client.LogRecord
	err := t.ctl.Logs(ctx, opts, func(ev client.LogEvent) error {
		if !ev.BufferedDone {
			recs = append(recs, ev.Record)
		}
		return nil
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read logs: %v", err)), nil
	}
	if len(recs) > lines {
		recs = recs[len(recs)-lines:]
	}
	if len(recs) == 0 {
		return mcp.NewToolResultText("No log records."), nil
	}
	var sb strings.Builder
	for _, r := range recs {
		sb.WriteString(FormatRecord(r))
		sb.WriteByte('\n')
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// FormatRecord renders a record as one human readable line.
func FormatRecord(r client.LogRecord) string {
	return fmt.Sprintf("%s | %-5s | %-8s | %s",
		r.Timestamp.Local().Format("2006-01-02 15:04:05"), r.Level, r.ProcessName, r.Content)
}
