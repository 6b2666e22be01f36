// Package storage holds the append-only canonical event log.
package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"DerivRecon/internal/event"
)

// EventLog is the append-only canonical log: one normalized event as a
// JSON object per line. The pipeline appends accepted events; the
// reconciliation engine's caller reads them back as typed records.
type EventLog struct {
	path string
	mu   sync.Mutex
}

func NewEventLog(path string) *EventLog {
	return &EventLog{path: path}
}

func (l *EventLog) Path() string { return l.path }

// Append writes the normalized events to the log, one per line.
func (l *EventLog) Append(events []map[string]any) error {
	if len(events) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, evt := range events {
		line, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return w.Flush()
}

// readErrorSampleSize bounds the skipped-line sample surfaced to the operator.
const readErrorSampleSize = 5

// ReadReport describes log lines the reader had to skip.
type ReadReport struct {
	Skipped int
	Sample  []string
}

func (r *ReadReport) skip(lineNo int, err error) {
	r.Skipped++
	if len(r.Sample) < readErrorSampleSize {
		r.Sample = append(r.Sample, fmt.Sprintf("line %d: %v", lineNo, err))
	}
}

// ReadCanonical decodes every log line into a typed CanonicalEvent, in
// append order. A missing log file yields an empty slice. Lines that do
// not decode to a canonical event (trade events are logged without
// structural validation, so their fields can be arbitrary) are skipped
// and counted in the report; only an I/O failure is an error.
func (l *EventLog) ReadCanonical() ([]event.CanonicalEvent, ReadReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var report ReadReport

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, report, nil
	}
	if err != nil {
		return nil, report, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var events []event.CanonicalEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil {
			report.skip(lineNo, err)
			continue
		}

		evt, err := event.FromNormalized(m)
		if err != nil {
			report.skip(lineNo, err)
			continue
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, report, fmt.Errorf("read event log: %w", err)
	}

	return events, report, nil
}
