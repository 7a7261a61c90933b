package mcptools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// MetadataResult is returned by the metadata tool.
type MetadataResult struct {
	AppName    string `json:"app_name"`
	AppModule  string `json:"app_module"`
	AppSlug    string `json:"app_slug"`
	APXVersion string `json:"apx_version"`
}

// MetadataTool handles the get_metadata MCP tool.
type MetadataTool struct {
	ctl     Controller
	version string
}

// NewMetadataTool creates a MetadataTool reporting version as the apx version.
func NewMetadataTool(ctl Controller, version string) *MetadataTool {
	return &MetadataTool{ctl: ctl, version: version}
}

// Definition returns the MCP tool definition for get_metadata.
func (t *MetadataTool) Definition() mcp.Tool {
	return mcp.NewTool("get_metadata",
		mcp.WithDescription("Return the app name, module and slug from [tool.apx.metadata] in pyproject.toml, and the apx version."),
	)
}

// Handle processes the get_metadata tool call.
func (t *MetadataTool) Handle(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	md, err := t.ctl.Project().Metadata()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get metadata: %v", err)), nil
	}
	return jsonResult(MetadataResult{
		AppName:    md.AppName,
		AppModule:  md.AppModule,
		AppSlug:    md.AppSlug,
		APXVersion: t.version,
	})
}
