// v1
// internal/journal/journal.go
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"nrgchamp/tagfusion/internal/report"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("journal closed")

// Entry is one journal line: a finalized position with a sequence id.
type Entry struct {
	ID         int64     `json:"id"`
	RecordedAt time.Time `json:"recorded_at"`
	Iterations int       `json:"iterations,omitempty"`
	report.Position
}

// FileJournal is an append-only JSON lines store of finalized estimates.
// It keeps the latest estimate per tag in memory.
type FileJournal struct {
	mu     sync.RWMutex
	path   string
	log    *slog.Logger
	file   *os.File
	writer *bufio.Writer
	now    func() time.Time
	lastID int64
	latest map[string]report.Estimate
}

// Open creates or reopens the journal at path and replays it.
func Open(path string, log *slog.Logger) (*FileJournal, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	j := &FileJournal{path: path, log: log, file: f, now: time.Now, latest: make(map[string]report.Estimate)}
	if err := j.load(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return j, nil
}

func (j *FileJournal) load() error {
	j.log.Info("journal_loading", slog.String("path", j.path))
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	scanner := bufio.NewScanner(j.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var records, line int
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if e.ID <= j.lastID {
			return fmt.Errorf("line %d: id %d not after %d", line, e.ID, j.lastID)
		}
		est, err := report.FromPosition(e.Position)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		est.Iterations = e.Iterations
		j.lastID = e.ID
		j.keepLatest(est)
		records++
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if _, err := j.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	j.writer = bufio.NewWriter(j.file)
	j.log.Info("journal_loaded",
		slog.Int("records", records),
		slog.Int("tags", len(j.latest)),
		slog.Int64("last_id", j.lastID),
	)
	return nil
}

func (j *FileJournal) keepLatest(est report.Estimate) {
	if cur, ok := j.latest[est.TagMAC]; ok && cur.Timestamp.After(est.Timestamp) {
		return
	}
	j.latest[est.TagMAC] = est
}

// Append writes est as the next entry and syncs it to disk.
func (j *FileJournal) Append(est report.Estimate) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return ErrClosed
	}
	entry := Entry{
		ID:         j.lastID + 1,
		RecordedAt: j.now().UTC(),
		Iterations: est.Iterations,
		Position:   report.Project(est),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	if _, err := j.writer.Write(payload); err != nil {
		return err
	}
	if err := j.writer.WriteByte('\n'); err != nil {
		return err
	}
	if err := j.writer.Flush(); err != nil {
		return err
	}
	if err := j.file.Sync(); err != nil {
		return err
	}
	j.lastID = entry.ID
	j.keepLatest(est)
	j.log.Debug("journal_appended", slog.Int64("id", entry.ID), slog.String("tag", est.TagMAC))
	return nil
}

// Latest returns the newest journaled estimate of every tag, sorted by tag.
func (j *FileJournal) Latest() []report.Estimate {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]report.Estimate, 0, len(j.latest))
	for _, est := range j.latest {
		out = append(out, est)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].TagMAC < out[b].TagMAC })
	return out
}

// LastID returns the id of the newest entry, or zero when empty.
func (j *FileJournal) LastID() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.lastID
}

// Close flushes and closes the file. It is safe to call twice.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	flushErr := j.writer.Flush()
	closeErr := j.file.Close()
	j.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
