package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/databricks-solutions/apx/internal/logs"
)

// KeepAlive is the interval of SSE comment frames sent while no record is
// available.
var KeepAlive = 15 * time.Second

// BufferedDoneEvent marks the end of the buffered records in a log stream.
const BufferedDoneEvent = "buffered_done"

type logsParams struct {
	query   logs.Query
	follow  bool
	timeout time.Duration
}

func parseLogsParams(c *gin.Context, now time.Time) (logsParams, error) {
	p := logsParams{follow: true}
	proc := c.DefaultQuery("process", logs.ProcessAll)
	if !logs.ValidProcessFilter(proc) {
		return p, fmt.Errorf("invalid process %q: want frontend, backend, openapi or all", proc)
	}
	p.query.Process = proc
	if v := c.Query("duration"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			return p, fmt.Errorf("invalid duration %q: want seconds", v)
		}
		if secs > 0 {
			p.query.Cutoff = now.Add(-time.Duration(secs) * time.Second)
		}
	}
	if v := c.Query("since"); v != "" {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return p, fmt.Errorf("invalid since %q", v)
		}
		p.query.Since = seq
	}
	if v := c.Query("follow"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return p, fmt.Errorf("invalid follow %q", v)
		}
		p.follow = b
	}
	if v := c.Query("timeout"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs < 0 {
			return p, fmt.Errorf("invalid timeout %q: want seconds", v)
		}
		p.timeout = time.Duration(secs * float64(time.Second))
	}
	return p, nil
}

// handleLogs streams log records as server-sent events: every buffered record
// matching the filter, a buffered_done event, then live records until the
// client disconnects, the timeout elapses or the server stops. With
// follow=false the stream ends after buffered_done.
func (r *Router) handleLogs(c *gin.Context) {
	p, err := parseLogsParams(c, time.Now())
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errAction(err))
		return
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	buf := r.srv.Buffer()
	records, last := buf.Snapshot(p.query)
	for _, rec := range records {
		if err := writeRecord(w, rec); err != nil {
			return
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: {}\n\n", BufferedDoneEvent); err != nil {
		return
	}
	w.Flush()
	if !p.follow {
		return
	}

	ctx := c.Request.Context()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	q := p.query
	q.Since = last
	// records appended later are live, so the age cutoff no longer applies
	q.Cutoff = time.Time{}
	live := buf.Subscribe(ctx, q)

	ticker := time.NewTicker(KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.srv.Done():
			return
		case rec, ok := <-live:
			if !ok {
				return
			}
			if err := writeRecord(w, rec); err != nil {
				return
			}
			w.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			w.Flush()
		}
	}
}

func writeRecord(w gin.ResponseWriter, rec logs.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", rec.Seq, data)
	return err
}
