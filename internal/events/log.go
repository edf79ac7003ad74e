package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/LucPettett/what-do-i-become/internal/domain"
)

const maxLineBytes = 4 << 20

// Log is the append-only events.ndjson write-ahead log of one device.
type Log struct {
	Path string
	Now  func() time.Time
}

func (l Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Append writes a single event.
func (l Log) Append(evt domain.Event) error {
	return l.AppendBatch([]domain.Event{evt})
}

// AppendBatch writes all events with one write call followed by fsync. The
// file is only ever opened in append mode.
func (l Log) AppendBatch(evts []domain.Event) error {
	if len(evts) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.Path), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	torn, err := endsTorn(l.Path)
	if err != nil {
		return err
	}
	if torn {
		// Terminate a fragment left by a crashed writer so it stays on its own line.
		buf.WriteByte('\n')
	}
	ts := l.now().UTC().Format(time.RFC3339)
	for _, evt := range evts {
		if evt.TS == "" {
			evt.TS = ts
		}
		if evt.Payload == nil {
			evt.Payload = map[string]any{}
		}
		line, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", evt.Type, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	f, err := os.OpenFile(l.Path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("append events: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync event log: %w", err)
	}
	return f.Close()
}

func endsTorn(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

// ReadResult holds the parsed log plus the number of unreadable lines.
type ReadResult struct {
	Events  []domain.Event
	Skipped int
}

// ReadAll parses every event. Lines that fail to parse (torn writes) are
// counted and skipped.
func (l Log) ReadAll() (ReadResult, error) {
	var res ReadResult
	f, err := os.Open(l.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res, nil
		}
		return res, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	return read(f)
}

func read(r io.Reader) (ReadResult, error) {
	var res ReadResult
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var evt domain.Event
		if err := json.Unmarshal(line, &evt); err != nil || evt.Type == "" {
			res.Skipped++
			continue
		}
		res.Events = append(res.Events, evt)
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("read event log: %w", err)
	}
	return res, nil
}

// Ledger reads the log and folds it into a Ledger.
func (l Log) Ledger() (Ledger, error) {
	res, err := l.ReadAll()
	if err != nil {
		return Ledger{}, err
	}
	return BuildLedger(res.Events), nil
}
