package logs

import (
	"context"
	"sync"
	"time"

	"github.com/databricks-solutions/apx/internal/metrics"
)

// DefaultCapacity is the number of records kept in memory by a Buffer created
// with a non-positive capacity.
const DefaultCapacity = 10000

// Process names tagging every record.
const (
	ProcessFrontend = "frontend"
	ProcessBackend  = "backend"
	ProcessOpenAPI  = "openapi"
	// ProcessAll is a filter value matching every process.
	ProcessAll = "all"
)

// Processes lists the supervised process names in their canonical order.
var Processes = []string{ProcessFrontend, ProcessBackend, ProcessOpenAPI}

// ValidProcessFilter reports whether p can be used as a process filter.
// The empty string is treated as "all".
func ValidProcessFilter(p string) bool {
	switch p {
	case "", ProcessAll, ProcessFrontend, ProcessBackend, ProcessOpenAPI:
		return true
	}
	return false
}

// Record is a single log line captured from one of the supervised processes.
type Record struct {
	Seq         uint64    `json:"-"`
	Timestamp   time.Time `json:"timestamp"`
	Level       string    `json:"level"`
	ProcessName string    `json:"process_name"`
	Content     string    `json:"content"`
}

// Query selects records from a Buffer. Zero values match everything.
type Query struct {
	Since   uint64    // only records with Seq > Since
	Process string    // process name, "" or "all" for every process
	Cutoff  time.Time // only records with Timestamp >= Cutoff
}

func (q Query) match(r Record) bool {
	if r.Seq <= q.Since {
		return false
	}
	if q.Process != "" && q.Process != ProcessAll && r.ProcessName != q.Process {
		return false
	}
	if !q.Cutoff.IsZero() && r.Timestamp.Before(q.Cutoff) {
		return false
	}
	return true
}

// Buffer is a bounded, ordered in-memory log store. Appends never wait on
// readers: subscribers are woken through a broadcast channel and read the ring
// themselves, so a slow subscriber may miss records that were evicted.
type Buffer struct {
	mu     sync.RWMutex
	ring   []Record
	start  int // index of the oldest record
	size   int
	seq    uint64
	notify chan struct{}
}

// NewBuffer returns a Buffer holding at most capacity records.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		ring:   make([]Record, capacity),
		notify: make(chan struct{}),
	}
}

// Capacity returns the maximum number of buffered records.
func (b *Buffer) Capacity() int { return len(b.ring) }

// Len returns the number of records currently buffered.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// LastSeq returns the sequence number of the newest record, 0 when empty.
func (b *Buffer) LastSeq() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// Append stores r, evicting the oldest record when full, and returns the
// sequence number assigned to it.
func (b *Buffer) Append(r Record) uint64 {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	b.mu.Lock()
	b.seq++
	r.Seq = b.seq
	idx := (b.start + b.size) % len(b.ring)
	if b.size == len(b.ring) {
		b.start = (b.start + 1) % len(b.ring)
	} else {
		b.size++
	}
	b.ring[idx] = r
	ch := b.notify
	b.notify = make(chan struct{})
	b.mu.Unlock()
	close(ch)
	metrics.IncLogRecord(r.ProcessName)
	return r.Seq
}

// Snapshot returns the buffered records matching q, oldest first, and the
// sequence number a reader should resume from.
func (b *Buffer) Snapshot(q Query) ([]Record, uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.collect(q)
}

// firstAfter returns the ring offset of the first record with Seq > since.
// Sequence numbers in the ring are contiguous, ending at b.seq.
func (b *Buffer) firstAfter(since uint64) int {
	oldest := b.seq - uint64(b.size) + 1
	if since < oldest {
		return 0
	}
	return int(since - oldest + 1)
}

func (b *Buffer) collect(q Query) ([]Record, uint64) {
	out := make([]Record, 0)
	for i := b.firstAfter(q.Since); i < b.size; i++ {
		r := b.ring[(b.start+i)%len(b.ring)]
		if q.match(r) {
			out = append(out, r)
		}
	}
	last := b.seq
	if last < q.Since {
		last = q.Since
	}
	return out, last
}

// wait returns the records after q.Since together with the channel that is
// closed on the next Append.
func (b *Buffer) wait(q Query) ([]Record, uint64, <-chan struct{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out, last := b.collect(q)
	return out, last, b.notify
}

// Subscribe streams every record matching q that is appended after q.Since,
// including the ones already buffered, until ctx is done. The returned channel
// is closed when ctx is cancelled.
func (b *Buffer) Subscribe(ctx context.Context, q Query) <-chan Record {
	out := make(chan Record, 64)
	go func() {
		defer close(out)
		cursor := q
		for {
			recs, last, changed := b.wait(cursor)
			for _, r := range recs {
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			}
			cursor.Since = last
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
