// Package queue provides a durable append-only FIFO log with one JSON record
// per line. It backs both the outbound-event queue and the inbound-command
// queue; only the record schema differs.
//
// PopFront rewrites the file without its first record. The rewrite goes
// through a temp file and rename, but power loss mid-pop can still corrupt
// the log — callers must validate every record before acting on it and treat
// unparseable records as poison (pop and drop, never retry).
package queue

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrFull is returned by Append when the log has reached its size limit.
// The record is dropped; the caller decides how to report the loss.
var ErrFull = errors.New("queue: size limit reached")

// ErrBadRecord is returned by Append for records the log cannot hold
// (empty, or containing a newline).
var ErrBadRecord = errors.New("queue: record must be a single non-empty line")

// Queue is a file-backed FIFO of single-line records.
// Safe for concurrent use; every operation takes the queue lock, so appends
// never interleave with a pop rewrite.
type Queue struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
}

// Open creates or opens the log file at path with the given size cap.
func Open(path string, maxBytes int64) (*Queue, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", path, err)
	}
	f.Close()
	return &Queue{path: path, maxBytes: maxBytes}, nil
}

// Append adds one record to the tail of the log. It returns ErrFull,
// without writing, if the log has reached its size cap.
func (q *Queue) Append(record []byte) error {
	if len(record) == 0 || bytes.ContainsRune(record, '\n') {
		return ErrBadRecord
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.sizeLocked() >= q.maxBytes {
		return ErrFull
	}

	f, err := os.OpenFile(q.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open for append: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(record, '\n')); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return f.Sync()
}

// PeekFront returns the earliest record without removing it.
// ok is false when the queue is empty.
func (q *Queue) PeekFront() (record []byte, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, err := os.Open(q.path)
	if err != nil {
		return nil, false, fmt.Errorf("open queue: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		rec := make([]byte, len(line))
		copy(rec, line)
		return rec, true, nil
	}
	if err := sc.Err(); err != nil {
		return nil, false, fmt.Errorf("scan queue: %w", err)
	}
	return nil, false, nil
}

// PopFront removes the earliest record by rewriting the log without it.
// Popping an empty queue is a no-op.
func (q *Queue) PopFront() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, err := os.Open(q.path)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}

	tmpPath := q.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		f.Close()
		return fmt.Errorf("open temp: %w", err)
	}

	w := bufio.NewWriter(tmp)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	skipped := false
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if !skipped {
			skipped = true
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	scanErr := sc.Err()
	f.Close()

	if scanErr != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("scan queue: %w", scanErr)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("flush temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpPath, q.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace queue: %w", err)
	}
	return nil
}

// SizeBytes returns the current size of the log file in bytes.
func (q *Queue) SizeBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sizeLocked()
}

func (q *Queue) sizeLocked() int64 {
	info, err := os.Stat(q.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Len counts the records in the log.
func (q *Queue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, err := os.Open(q.path)
	if err != nil {
		return 0, fmt.Errorf("open queue: %w", err)
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) > 0 {
			n++
		}
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("scan queue: %w", err)
	}
	return n, nil
}

// Clear truncates the log, dropping every queued record.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := os.Truncate(q.path, 0); err != nil {
		return fmt.Errorf("truncate queue: %w", err)
	}
	return nil
}

// Path returns the log file path (used for status reporting).
func (q *Queue) Path() string {
	return q.path
}
