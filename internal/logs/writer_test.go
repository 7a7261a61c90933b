package logs

import (
	"log/slog"
	"testing"
)

func TestLineWriterSplitsAndPrefixes(t *testing.T) {
	b := NewBuffer(10)
	w := NewLineWriter(b, ProcessBackend, "", "APP")
	_, _ = w.Write([]byte("hello\nwor"))
	_, _ = w.Write([]byte("ld\r\n\n   \npartial"))

	got, _ := b.Snapshot(Query{})
	if len(got) != 2 {
		t.Fatalf("got %d records: %+v", len(got), got)
	}
	if got[0].Content != "APP | hello" || got[1].Content != "APP | world" {
		t.Fatalf("unexpected content: %q %q", got[0].Content, got[1].Content)
	}
	if got[0].Level != "INFO" || got[0].ProcessName != ProcessBackend {
		t.Fatalf("unexpected tags: %+v", got[0])
	}

	w.Flush()
	got, _ = b.Snapshot(Query{Since: 2})
	if len(got) != 1 || got[0].Content != "APP | partial" {
		t.Fatalf("flush did not emit partial line: %+v", got)
	}
}

func TestLineWriterNoPrefix(t *testing.T) {
	b := NewBuffer(10)
	w := NewLineWriter(b, ProcessFrontend, "ERROR", "")
	_, _ = w.Write([]byte("boom\n"))
	_ = w.Close()
	got, _ := b.Snapshot(Query{})
	if len(got) != 1 || got[0].Content != "boom" || got[0].Level != "ERROR" {
		t.Fatalf("unexpected: %+v", got)
	}
}

func TestHandlerAppendsRecords(t *testing.T) {
	b := NewBuffer(10)
	log := slog.New(NewHandler(b, ProcessOpenAPI, slog.LevelInfo))
	log.Debug("hidden")
	log.With("cmd", "bun x orval").Warn("codegen failed", "exit", 1)
	log.WithGroup("req").Info("done", "path", "/x")

	got, _ := b.Snapshot(Query{})
	if len(got) != 2 {
		t.Fatalf("got %d records: %+v", len(got), got)
	}
	if got[0].Level != "WARN" || got[0].Content != `codegen failed cmd="bun x orval" exit=1` {
		t.Fatalf("unexpected first record: %+v", got[0])
	}
	if got[1].Content != "done req.path=/x" || got[1].ProcessName != ProcessOpenAPI {
		t.Fatalf("unexpected second record: %+v", got[1])
	}
}
