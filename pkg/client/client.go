// Package client talks to a running apx dev supervisor over its Unix socket.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrNoServer is returned when no supervisor answers on the socket.
var ErrNoServer = errors.New("no server found, run start")

// ActionError is a structured error returned by the supervisor.
type ActionError struct {
	Action  string
	Code    int
	Message string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Action, e.Message)
}

// DefaultActionTimeout bounds stop, restart and shutdown, which wait for
// every task to exit on the supervisor side.
const DefaultActionTimeout = 2 * time.Minute

// baseURL is a placeholder; every connection goes to the socket.
const baseURL = "http://apx"

// Client provides HTTP client functionality to communicate with the supervisor
type Client struct {
	socket string
	client  *http.Client
	actions *http.Client
	stream  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	Socket  string
	Timeout time.Duration
	// ActionTimeout applies to lifecycle actions. It defaults to
	// DefaultActionTimeout and is never shorter than Timeout.
	ActionTimeout time.Duration
	Logger        *slog.Logger // Optional logger for client operations
}

// New creates a client for the supervisor listening on cfg.Socket.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ActionTimeout == 0 {
		cfg.ActionTimeout = DefaultActionTimeout
	}
	if cfg.ActionTimeout < cfg.Timeout {
		cfg.ActionTimeout = cfg.Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	socket := cfg.Socket
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
		DisableCompression: true,
	}
	return &Client{
		socket:  socket,
		logger:  cfg.Logger,
		client:  &http.Client{Timeout: cfg.Timeout, Transport: transport},
		actions: &http.Client{Timeout: cfg.ActionTimeout, Transport: transport},
		// streams are bounded by the caller's context only
		stream:  &http.Client{Transport: transport},
	}
}

// Socket returns the socket path.
func (c *Client) Socket() string { return c.socket }

func isDialError(err error) bool {
	var op *net.OpError
	if errors.As(err, &op) && op.Op == "dial" {
		return true
	}
	return errors.Is(err, fs.ErrNotExist)
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, body any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.Do(req)
	if err != nil {
		if isDialError(err) {
			c.logger.Debug("supervisor unreachable", "socket", c.socket, "error", err)
			return nil, ErrNoServer
		}
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, c.client, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(strings.TrimPrefix(path, "/"), resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) action(ctx context.Context, name string, body any) (string, error) {
	c.logger.Debug("sending action", "action", name)
	resp, err := c.do(ctx, c.actions, http.MethodPost, "/actions/"+name, body)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", c.handleErrorResponse(name, resp)
	}
	var ar ActionResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if ar.Status != "success" {
		return "", &ActionError{Action: name, Code: resp.StatusCode, Message: ar.Message}
	}
	return ar.Message, nil
}

// handleErrorResponse turns a non-200 response into an *ActionError.
func (c *Client) handleErrorResponse(action string, resp *http.Response) error {
	var ar ActionResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil || ar.Message == "" {
		return &ActionError{Action: action, Code: resp.StatusCode, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
	return &ActionError{Action: action, Code: resp.StatusCode, Message: ar.Message}
}

// IsReachable checks if the supervisor answers on the socket.
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Identity(ctx)
	return err == nil
}

// Identity returns the supervisor's identity.
func (c *Client) Identity(ctx context.Context) (Identity, error) {
	var id Identity
	err := c.getJSON(ctx, "/", &id)
	return id, err
}

// Status returns the live state of the three processes.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.getJSON(ctx, "/status", &st)
	return st, err
}

// Ports returns the ports and host of the last start.
func (c *Client) Ports(ctx context.Context) (Ports, error) {
	var p Ports
	err := c.getJSON(ctx, "/ports", &p)
	return p, err
}

// Start starts the three processes.
func (c *Client) Start(ctx context.Context, req StartRequest) (string, error) {
	return c.action(ctx, "start", req)
}

// Stop stops every running process.
func (c *Client) Stop(ctx context.Context) (string, error) {
	return c.action(ctx, "stop", nil)
}

// Restart restarts with the last configuration.
func (c *Client) Restart(ctx context.Context) (string, error) {
	return c.action(ctx, "restart", nil)
}

// Shutdown stops every process and asks the supervisor to exit.
func (c *Client) Shutdown(ctx context.Context) (string, error) {
	return c.action(ctx, "shutdown", nil)
}

func logsQuery(o LogOptions) string {
	q := url.Values{}
	if o.Process != "" {
		q.Set("process", o.Process)
	}
	if o.Duration > 0 {
		q.Set("duration", strconv.Itoa(int(o.Duration/time.Second)))
	}
	if o.Since > 0 {
		q.Set("since", strconv.FormatUint(o.Since, 10))
	}
	if o.NoFollow {
		q.Set("follow", "false")
	}
	if o.Timeout > 0 {
		q.Set("timeout", strconv.FormatFloat(o.Timeout.Seconds(), 'f', -1, 64))
	}
	if len(q) == 0 {
		return "/logs"
	}
	return "/logs?" + q.Encode()
}

// Logs streams log events to fn until the stream ends, ctx is done or fn
// returns an error. A cancelled ctx ends the stream without error.
func (c *Client) Logs(ctx context.Context, opts LogOptions, fn func(LogEvent) error) error {
	resp, err := c.do(ctx, c.stream, http.MethodGet, logsQuery(opts), nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse("logs", resp)
	}
	err = readEvents(resp.Body, fn)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// readEvents parses a server-sent event stream.
func readEvents(r io.Reader, fn func(LogEvent) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var id, event string
	var data strings.Builder
	dispatch := func() error {
		defer func() {
			id, event = "", ""
			data.Reset()
		}()
		if event == "buffered_done" {
			return fn(LogEvent{BufferedDone: true})
		}
		if data.Len() == 0 {
			return nil
		}
		var rec LogRecord
		if err := json.Unmarshal([]byte(data.String()), &rec); err != nil {
			return fmt.Errorf("decode log record: %w", err)
		}
		if id != "" {
			rec.Seq, _ = strconv.ParseUint(id, 10, 64)
		}
		return fn(LogEvent{Record: rec})
	}
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// comment, used as keepalive
		case strings.HasPrefix(line, "id:"):
			id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return dispatch()
}

// SocketExists reports whether path exists and is a socket.
func SocketExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode()&os.ModeSocket != 0
}
