package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/shawn111/goose/internal/observability"
)

const (
	logExt         = ".jsonl"
	archivedPrefix = "archived_"

	// maxRecordBytes bounds a single log line during scans. Tool output is
	// truncated well below this before it is recorded.
	maxRecordBytes = 4 << 20
)

// EventLog is the append-only NDJSON log backing one session. Appends are
// serialized and fsynced before Append returns.
type EventLog struct {
	path string

	mu   sync.Mutex
	file *os.File
	next uint64
}

// CreateLog creates a fresh log file. Fails if the file already exists.
func CreateLog(path string) (*EventLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create log %s: %w", path, err)
	}
	return &EventLog{path: path, file: f}, nil
}

// OpenLog opens an existing log for appending. Call Replay before Append so
// the next sequence number is known.
func OpenLog(path string) (*EventLog, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("open log %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	return &EventLog{path: path, file: f}, nil
}

// Path returns the log file path.
func (l *EventLog) Path() string { return l.path }

// Append assigns the next sequence number, writes the record, and syncs the
// file before returning. Any failure maps to ErrIO.
func (l *EventLog) Append(kind string, payload interface{}) (Record, error) {
	start := time.Now()

	data, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Record{Seq: l.next, Kind: kind, TS: time.Now().UTC(), Payload: data}
	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s record: %w", kind, err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return Record{}, fmt.Errorf("%w: write %s at seq %d: %v", ErrIO, kind, rec.Seq, err)
	}
	if err := l.file.Sync(); err != nil {
		return Record{}, fmt.Errorf("%w: sync %s at seq %d: %v", ErrIO, kind, rec.Seq, err)
	}

	l.next++
	observability.RecordAppend(kind, time.Since(start))
	return rec, nil
}

// Replay streams every record in order through fn, validating strict
// sequence contiguity from 0, and primes the log for appending. Replaying
// the same log twice yields the same sequence of records.
func (l *EventLog) Replay(fn func(Record) error) error {
	next, err := replayFile(l.path, fn)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.next = next
	l.mu.Unlock()
	return nil
}

// Size returns the byte length of the log after the last completed append.
// Used to bound concurrent exports to a stable snapshot.
func (l *EventLog) Size() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, err := l.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat log %s: %w", l.path, err)
	}
	return info.Size(), nil
}

// Close closes the underlying file.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// scanLog reads newline-delimited records from r, enforcing contiguity from
// 0. fn receives the raw line (without newline) and the decoded record. The
// returned count is the next expected sequence number.
func scanLog(r io.Reader, path string, fn func(line []byte, rec Record) error) (uint64, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)

	var expect uint64
	for sc.Scan() {
		line := sc.Bytes()

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return expect, &CorruptError{Path: path, Expected: expect, Got: expect, Reason: "malformed record"}
		}
		if rec.Seq != expect {
			return expect, &CorruptError{Path: path, Expected: expect, Got: rec.Seq}
		}
		if fn != nil {
			if err := fn(line, rec); err != nil {
				return expect, err
			}
		}
		expect++
	}
	if err := sc.Err(); err != nil {
		return expect, fmt.Errorf("scan log %s: %w", path, err)
	}
	return expect, nil
}

func replayFile(path string, fn func(Record) error) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("replay %s: %w", path, ErrNotFound)
		}
		return 0, fmt.Errorf("replay %s: %w", path, err)
	}
	defer f.Close()

	return scanLog(f, path, func(_ []byte, rec Record) error {
		if fn != nil {
			return fn(rec)
		}
		return nil
	})
}

// exportTo copies raw records to w in persisted form, validating contiguity
// as it goes. Every record before a corruption point is written before the
// error is returned. A non-negative limit bounds the read to a snapshot
// taken while a writer is attached.
func exportTo(path string, limit int64, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("export %s: %w", path, ErrNotFound)
		}
		return fmt.Errorf("export %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if limit >= 0 {
		r = io.LimitReader(f, limit)
	}

	_, err = scanLog(r, path, func(line []byte, _ Record) error {
		if _, werr := w.Write(line); werr != nil {
			return fmt.Errorf("export write: %w", werr)
		}
		if _, werr := w.Write([]byte{'\n'}); werr != nil {
			return fmt.Errorf("export write: %w", werr)
		}
		return nil
	})
	return err
}
