package eventlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/msageha/pipelinecore/internal/model"
)

func TestAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, 7, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	e1, err := log.Append(model.Event{PipelineID: "p1", JobID: "j1", FromRole: model.RolePM, EventType: model.EventRequest, Content: "go"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e1.ID != 0 {
		t.Errorf("first event id = %d, want 0", e1.ID)
	}

	e2, err := log.Append(model.Event{PipelineID: "p1", JobID: "j2", FromRole: model.RoleCoder, EventType: model.EventResponse, Content: "done", ParentEventID: &e1.ID})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e2.ID <= e1.ID {
		t.Errorf("event ids must be monotonic: %d then %d", e1.ID, e2.ID)
	}

	day := time.Now().UTC().Format("2006-01-02")
	events, err := log.Read(day)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Read returned %d events, want 2", len(events))
	}
}

func TestChain_WalksToRoot(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, 7, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	root, _ := log.Append(model.Event{PipelineID: "p1", EventType: model.EventRequest, Content: "root"})
	mid, _ := log.Append(model.Event{PipelineID: "p1", EventType: model.EventDecision, Content: "mid", ParentEventID: &root.ID})
	leaf, _ := log.Append(model.Event{PipelineID: "p1", EventType: model.EventState, Content: "leaf", ParentEventID: &mid.ID})

	chain, err := log.Chain(leaf.ID)
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("chain length = %d, want 3", len(chain))
	}
	if chain[len(chain)-1].ID != leaf.ID {
		t.Errorf("chain must end with the queried event")
	}
	if chain[0].ID != root.ID {
		t.Errorf("chain must start at the root event")
	}
}

func TestRead_SkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, 7, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	if _, err := log.Append(model.Event{PipelineID: "p1", EventType: model.EventRequest, Content: "ok"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	log.Close()

	day := time.Now().UTC().Format("2006-01-02")
	path := filepath.Join(dir, "events", "stream", day+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open for corrupt append: %v", err)
	}
	f.WriteString("{not valid json\n")
	f.Close()

	log2, err := Open(dir, 7, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer log2.Close()

	events, err := log2.Read(day)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 valid event, got %d", len(events))
	}
	if log2.CorruptLineCount() != 1 {
		t.Errorf("CorruptLineCount() = %d, want 1", log2.CorruptLineCount())
	}
}

func TestArchiveOldDays(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, 7, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	oldDay := "2020-01-01"
	oldPath := filepath.Join(dir, "events", "stream", oldDay+".jsonl")
	if err := os.WriteFile(oldPath, []byte(`{"id":0,"t":"2020-01-01T00:00:00Z"}`+"\n"), 0644); err != nil {
		t.Fatalf("seed old file: %v", err)
	}

	if err := log.ArchiveOldDays(time.Now().UTC()); err != nil {
		t.Fatalf("ArchiveOldDays: %v", err)
	}

	archivedPath := filepath.Join(dir, "events", "stream", "archive", oldDay+".jsonl")
	if _, err := os.Stat(archivedPath); err != nil {
		t.Errorf("expected archived file at %s: %v", archivedPath, err)
	}
	log.Close()
}
