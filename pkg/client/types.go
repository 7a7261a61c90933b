package client

import "time"

// StartRequest is the body of the start action.
type StartRequest struct {
	FrontendPort int    `json:"frontend_port"`
	BackendPort  int    `json:"backend_port"`
	Host         string `json:"host"`
	OBO          bool   `json:"obo"`
	OpenAPI      bool   `json:"openapi"`
	MaxRetries   int    `json:"max_retries"`
}

// DefaultStartRequest matches the supervisor's defaults.
func DefaultStartRequest() StartRequest {
	return StartRequest{
		FrontendPort: 5173,
		BackendPort:  8000,
		Host:         "localhost",
		OBO:          true,
		OpenAPI:      true,
		MaxRetries:   10,
	}
}

// ActionResponse is returned by every action.
type ActionResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Status reports the three supervised processes.
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

// AnyRunning reports whether at least one process is running.
func (s Status) AnyRunning() bool {
	return s.FrontendRunning || s.BackendRunning || s.OpenAPIRunning
}

// Identity is returned by GET /.
type Identity struct {
	Message    string `json:"message"`
	Status     string `json:"status"`
	InstanceID string `json:"instance_id"`
	PID        int    `json:"pid"`
}

// Ports is returned by GET /ports.
type Ports struct {
	FrontendPort int    `json:"frontend_port"`
	BackendPort  int    `json:"backend_port"`
	Host         string `json:"host"`
}

// LogRecord is one streamed log line.
type LogRecord struct {
	Seq         uint64    `json:"-"`
	Timestamp   time.Time `json:"timestamp"`
	Level       string    `json:"level"`
	ProcessName string    `json:"process_name"`
	Content     string    `json:"content"`
}

// LogOptions selects the records to stream.
type LogOptions struct {
	Process  string        // frontend, backend, openapi or all
	Duration time.Duration // only records newer than this, 0 for all
	Since    uint64        // resume after this sequence number
	NoFollow bool          // stop after the buffered records
	Timeout  time.Duration // end the stream after this long, 0 for never
}

// LogEvent is either a record or the end-of-buffer marker.
type LogEvent struct {
	Record       LogRecord
	BufferedDone bool
}
