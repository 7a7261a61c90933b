package mcptools

import (
	"github.com/mark3labs/mcp-go/server"
)

const instructions = `You can control the apx development servers of the current project.
Use "start" to launch the frontend, backend and OpenAPI watcher, "status" to
check them, "logs" to read their output, "restart" after configuration
changes and "stop" when done.`

// NewServer returns an MCP server with every dev tool registered.
func NewServer(ctl Controller, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"APX Dev Server",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	start := NewStartTool(ctl)
	s.AddTool(start.Definition(), start.Handle)

	restart := NewRestartTool(ctl)
	s.AddTool(restart.Definition(), restart.Handle)

	stop := NewStopTool(ctl)
	s.AddTool(stop.Definition(), stop.Handle)

	status := NewStatusTool(ctl)
	s.AddTool(status.Definition(), status.Handle)

	logsTool := NewLogsTool(ctl)
	s.AddTool(logsTool.Definition(), logsTool.Handle)

	metadata := NewMetadataTool(ctl, version)
	s.AddTool(metadata.Definition(), metadata.Handle)

	return s
}

// ServeStdio serves the tools over stdin and stdout until EOF.
func ServeStdio(ctl Controller, version string) error {
	return server.ServeStdio(NewServer(ctl, version))
}
