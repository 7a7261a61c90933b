package cli

import "time"

// GlobalFlags are shared by every dev command.
type GlobalFlags struct {
	Dir      string
	LogLevel string
}

// StartFlags Flag structs to decouple cobra from logic for testing.
type StartFlags struct {
	FrontendPort int
	BackendPort  int
	Host         string
	OBO          bool
	OpenAPI      bool
	MaxRetries   int
	Watch        bool
	// SkipValidate skips the Databricks credential check before start.
	SkipValidate bool
}

type RestartFlags struct {
	Watch bool
}

type LogsFlags struct {
	Duration time.Duration
	Follow   bool
	Timeout  time.Duration
	UI       bool
	Backend  bool
	OpenAPI  bool
	App      bool
	Raw      bool
}

// process maps the --ui, --backend and --openapi switches to a process
// filter. --app implies backend.
func (f LogsFlags) process() string {
	switch {
	case f.UI:
		return "frontend"
	case f.Backend, f.App:
		return "backend"
	case f.OpenAPI:
		return "openapi"
	}
	return "all"
}
