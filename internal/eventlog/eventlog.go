// Package eventlog implements the append-only, day-partitioned JSONL
// event stream (C1): one file per UTC calendar day under
// events/stream/YYYY-MM-DD.jsonl, archived under events/stream/archive/
// once older than ArchiveAfterDays. Append is atomic at record
// granularity; chain() walks parent_event_id back to the root.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/pipelinecore/internal/model"
)

const (
	streamDirName  = "stream"
	archiveDirName = "archive"
	fileExtension  = ".jsonl"
)

// Log is the append-only event stream. One mutex guards the currently
// open day-file; opening a new day's file is itself serialized under the
// same lock, matching the single-mutator-per-resource policy.
type Log struct {
	mu               sync.Mutex
	dir              string
	archiveAfterDays int
	enableChecksum   bool
	currentDay       string
	file             *os.File
	nextID           int64
	corruptCount     int64
}

// Open creates or opens the event log rooted at dataDir/events.
func Open(dataDir string, archiveAfterDays int, enableChecksum bool) (*Log, error) {
	dir := filepath.Join(dataDir, "events", streamDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create event stream dir: %w", err)
	}
	l := &Log{
		dir:              dir,
		archiveAfterDays: archiveAfterDays,
		enableChecksum:   enableChecksum,
	}
	maxID, err := l.scanMaxID()
	if err != nil {
		return nil, fmt.Errorf("scan existing event ids: %w", err)
	}
	l.nextID = maxID + 1
	// The id scan reads every day-file through Read; its skipped lines
	// are not part of the count CorruptLineCount reports.
	atomic.StoreInt64(&l.corruptCount, 0)
	return l, nil
}

func (l *Log) pathForDay(day string) string {
	return filepath.Join(l.dir, day+fileExtension)
}

// Append writes event atomically, assigning it a fresh monotonic id and
// the current UTC timestamp. Append failure is fatal to the caller — no
// silent drop.
func (l *Log) Append(e model.Event) (model.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	e.Timestamp = now
	e.ID = atomic.AddInt64(&l.nextID, 1) - 1

	day := now.Format("2006-01-02")
	if l.file == nil || l.currentDay != day {
		if err := l.rollToDay(day); err != nil {
			return model.Event{}, fmt.Errorf("roll to day %s: %w", day, err)
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		return model.Event{}, fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	if _, err := l.file.Write(data); err != nil {
		return model.Event{}, fmt.Errorf("append event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return model.Event{}, fmt.Errorf("sync event log: %w", err)
	}

	return e, nil
}

func (l *Log) rollToDay(day string) error {
	if l.file != nil {
		_ = l.file.Close()
	}
	f, err := os.OpenFile(l.pathForDay(day), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open day file: %w", err)
	}
	l.file = f
	l.currentDay = day
	return nil
}

// Read streams every event recorded for the given UTC calendar day.
// Corrupt lines are skipped and counted rather than aborting the read.
func (l *Log) Read(day string) ([]model.Event, error) {
	path := l.pathForDay(day)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		archived := filepath.Join(l.dir, archiveDirName, day+fileExtension)
		f, err = os.Open(archived)
	}
	if err != nil {
		return nil, fmt.Errorf("open day file: %w", err)
	}
	defer f.Close()

	var events []model.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e model.Event
		if err := json.Unmarshal(line, &e); err != nil {
			atomic.AddInt64(&l.corruptCount, 1)
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan day file: %w", err)
	}
	return events, nil
}

// CorruptLineCount reports how many malformed lines Read has skipped
// since the log was opened. Exposed via the status endpoint.
func (l *Log) CorruptLineCount() int64 {
	return atomic.LoadInt64(&l.corruptCount)
}

// Chain walks parent_event_id backward from id until the root, returning
// the chain in root-first order. Chain-walks terminate because a
// parent_event_id always references a strictly prior id by construction.
func (l *Log) Chain(id int64) ([]model.Event, error) {
	all, err := l.allEventsDescending()
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]model.Event, len(all))
	for _, e := range all {
		byID[e.ID] = e
	}

	var chain []model.Event
	cur, ok := byID[id]
	if !ok {
		return nil, fmt.Errorf("event %d not found", id)
	}
	chain = append(chain, cur)
	for cur.ParentEventID != nil {
		parent, ok := byID[*cur.ParentEventID]
		if !ok {
			return nil, fmt.Errorf("parent event %d of event %d not found", *cur.ParentEventID, cur.ID)
		}
		if parent.ID >= cur.ID {
			return nil, fmt.Errorf("parent_event_id %d is not strictly prior to event %d", parent.ID, cur.ID)
		}
		chain = append(chain, parent)
		cur = parent
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func (l *Log) allEventsDescending() ([]model.Event, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read event dir: %w", err)
	}
	var days []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == fileExtension {
			days = append(days, e.Name()[:len(e.Name())-len(fileExtension)])
		}
	}
	sort.Strings(days)

	var all []model.Event
	for _, d := range days {
		evs, err := l.Read(d)
		if err != nil {
			continue
		}
		all = append(all, evs...)
	}
	return all, nil
}

func (l *Log) scanMaxID() (int64, error) {
	all, err := l.allEventsDescending()
	if err != nil {
		if os.IsNotExist(err) {
			return -1, nil
		}
		return 0, err
	}
	var max int64 = -1
	for _, e := range all {
		if e.ID > max {
			max = e.ID
		}
	}
	return max, nil
}

// ArchiveOldDays moves day-files older than ArchiveAfterDays into the
// archive subtree. Intended to be invoked periodically by the daemon's
// background scan.
func (l *Log) ArchiveOldDays(now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("read event dir: %w", err)
	}
	archiveDir := filepath.Join(l.dir, archiveDirName)
	cutoff := now.AddDate(0, 0, -l.archiveAfterDays)

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != fileExtension {
			continue
		}
		day := e.Name()[:len(e.Name())-len(fileExtension)]
		if day == l.currentDay {
			continue // never archive the file currently being appended to
		}
		t, err := time.Parse("2006-01-02", day)
		if err != nil || !t.Before(cutoff) {
			continue
		}
		if err := os.MkdirAll(archiveDir, 0755); err != nil {
			return fmt.Errorf("create archive dir: %w", err)
		}
		if err := os.Rename(l.pathForDay(day), filepath.Join(archiveDir, e.Name())); err != nil {
			return fmt.Errorf("archive %s: %w", day, err)
		}
	}
	return nil
}

// Close flushes and closes the currently open day-file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	return l.file.Close()
}

// VerifyIntegrity sweeps every day-file (stream and archive) counting
// total and structurally-valid JSON lines, mirroring the original audit
// logger's integrity sweep for operator use.
func VerifyIntegrity(dataDir string) (total, valid int, err error) {
	dir := filepath.Join(dataDir, "events", streamDirName)
	var paths []string
	_ = filepath.Walk(dir, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil || info.IsDir() {
			return nil
		}
		if filepath.Ext(p) == fileExtension {
			paths = append(paths, p)
		}
		return nil
	})

	for _, p := range paths {
		f, openErr := os.Open(p)
		if openErr != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			total++
			var e model.Event
			if json.Unmarshal(line, &e) == nil {
				valid++
			}
		}
		f.Close()
	}
	return total, valid, nil
}
