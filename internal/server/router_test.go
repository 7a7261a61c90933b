package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/databricks-solutions/apx/internal/logs"
)

func setupRouter(t *testing.T, tasks Tasks) (*Server, http.Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := newTestServer(t, tasks)
	return s, NewRouter(s).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeAction(t *testing.T, rec *httptest.ResponseRecorder) ActionResponse {
	t.Helper()
	var out ActionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestRootIdentity(t *testing.T) {
	_, h := setupRouter(t, Tasks{})
	rec := doReq(t, h, http.MethodGet, "/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var id Identity
	if err := json.Unmarshal(rec.Body.Bytes(), &id); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id.Message != "APX Dev Server" || id.Status != "running" || id.InstanceID != "test" || id.PID == 0 {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestStartEmptyBodyUsesDefaults(t *testing.T) {
	tasks, starts := allBlocking()
	_, h := setupRouter(t, tasks)
	rec := doReq(t, h, http.MethodPost, "/actions/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if out := decodeAction(t, rec); out.Status != "success" {
		t.Fatalf("unexpected response: %+v", out)
	}
	waitUntil(t, time.Second, func() bool { return starts.Load() == 3 })

	rec = doReq(t, h, http.MethodGet, "/ports", nil)
	var p Ports
	_ = json.Unmarshal(rec.Body.Bytes(), &p)
	if p.FrontendPort != 5173 || p.BackendPort != 8000 || p.Host != "localhost" {
		t.Fatalf("unexpected ports: %+v", p)
	}
}

func TestStartTwiceConflict(t *testing.T) {
	tasks, _ := allBlocking()
	_, h := setupRouter(t, tasks)
	body := map[string]any{"frontend_port": 5173, "backend_port": 8000, "obo": false, "openapi": true, "max_retries": 3}
	if rec := doReq(t, h, http.MethodPost, "/actions/start", body); rec.Code != http.StatusOK {
		t.Fatalf("first start: %d %s", rec.Code, rec.Body.String())
	}
	rec := doReq(t, h, http.MethodPost, "/actions/start", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	out := decodeAction(t, rec)
	if out.Status != "error" || out.Message != "Servers are already running" {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func TestStartRejectsBadBody(t *testing.T) {
	_, h := setupRouter(t, Tasks{})
	for _, body := range []any{
		map[string]any{"frontend_port": -1},
		map[string]any{"unknown_field": true},
		"not an object",
	} {
		rec := doReq(t, h, http.MethodPost, "/actions/start", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %v: expected 400, got %d", body, rec.Code)
		}
		if out := decodeAction(t, rec); out.Status != "error" || out.Message == "" {
			t.Fatalf("body %v: unexpected response %+v", body, out)
		}
	}
}

func TestStopNothingRunning(t *testing.T) {
	_, h := setupRouter(t, Tasks{})
	rec := doReq(t, h, http.MethodPost, "/actions/stop", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if out := decodeAction(t, rec); out.Message != "No servers were running" {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func TestEndToEndStatus(t *testing.T) {
	tasks, starts := allBlocking()
	_, h := setupRouter(t, tasks)
	body := map[string]any{"frontend_port": 5173, "backend_port": 8000, "obo": false, "openapi": true, "max_retries": 3}
	doReq(t, h, http.MethodPost, "/actions/start", body)
	waitUntil(t, time.Second, func() bool { return starts.Load() == 3 })

	var st Status
	rec := doReq(t, h, http.MethodGet, "/status", nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &st)
	if !st.FrontendRunning || !st.BackendRunning || !st.OpenAPIRunning || st.FrontendPort != 5173 || st.BackendPort != 8000 {
		t.Fatalf("unexpected status: %+v", st)
	}

	rec = doReq(t, h, http.MethodPost, "/actions/stop", nil)
	if out := decodeAction(t, rec); out.Status != "success" {
		t.Fatalf("stop: %+v", out)
	}
	rec = doReq(t, h, http.MethodGet, "/status", nil)
	st = Status{}
	_ = json.Unmarshal(rec.Body.Bytes(), &st)
	if st.FrontendRunning || st.BackendRunning || st.OpenAPIRunning {
		t.Fatalf("expected stopped: %+v", st)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := setupRouter(t, Tasks{})
	rec := doReq(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestLogsInvalidProcess(t *testing.T) {
	_, h := setupRouter(t, Tasks{})
	rec := doReq(t, h, http.MethodGet, "/logs?process=db", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

type sseEvent struct {
	id    string
	event string
	data  string
}

func readEvents(t *testing.T, sc *bufio.Scanner, n int) []sseEvent {
	t.Helper()
	var out []sseEvent
	var cur sseEvent
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur != (sseEvent{}) {
				out = append(out, cur)
				cur = sseEvent{}
				if len(out) == n {
					return out
				}
			}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return out
}

func TestLogsSnapshotWithoutFollow(t *testing.T) {
	s, h := setupRouter(t, Tasks{})
	buf := s.Buffer()
	buf.Append(logs.Record{Level: "INFO", ProcessName: logs.ProcessFrontend, Content: "vite ready"})
	buf.Append(logs.Record{Level: "INFO", ProcessName: logs.ProcessBackend, Content: "serving"})

	rec := doReq(t, h, http.MethodGet, "/logs?process=backend&follow=false", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}
	evs := readEvents(t, bufio.NewScanner(rec.Body), 10)
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %+v", evs)
	}
	var r logs.Record
	if err := json.Unmarshal([]byte(evs[0].data), &r); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if r.ProcessName != "backend" || r.Content != "serving" || evs[0].id != "2" {
		t.Fatalf("unexpected record: %+v (%+v)", r, evs[0])
	}
	if evs[1].event != BufferedDoneEvent || evs[1].data != "{}" {
		t.Fatalf("missing buffered_done: %+v", evs[1])
	}
}

func TestLogsStreamsLiveRecords(t *testing.T) {
	s, h := setupRouter(t, Tasks{})
	buf := s.Buffer()
	buf.Append(logs.Record{Level: "INFO", ProcessName: logs.ProcessBackend, Content: "old"})

	ts := httptest.NewServer(h)
	defer ts.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/logs?process=backend", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	rd := bufio.NewScanner(resp.Body)
	first := readEvents(t, rd, 2)
	if len(first) != 2 || first[1].event != BufferedDoneEvent {
		t.Fatalf("unexpected buffered events: %+v", first)
	}
	buf.Append(logs.Record{Level: "INFO", ProcessName: logs.ProcessFrontend, Content: "filtered out"})
	buf.Append(logs.Record{Level: "WARNING", ProcessName: logs.ProcessBackend, Content: "new"})
	live := readEvents(t, rd, 1)
	if len(live) != 1 || !strings.Contains(live[0].data, `"content":"new"`) {
		t.Fatalf("unexpected live events: %+v", live)
	}
}

func TestLogsTimeoutEndsStream(t *testing.T) {
	_, h := setupRouter(t, Tasks{})
	ts := httptest.NewServer(h)
	defer ts.Close()
	start := time.Now()
	resp, err := http.Get(ts.URL + "/logs?timeout=0.2")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	_, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if time.Since(start) > 3*time.Second {
		t.Fatalf("stream did not end after timeout")
	}
}
