// Package history keeps a local log of finished calls.
package history

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BioHazard786/huddle/internal/call"
	"github.com/vmihailenco/msgpack/v5"
)

// Record is the stored form of a call.Summary.
type Record struct {
	ID          string        `msgpack:"id"`
	Kind        string        `msgpack:"kind"`
	Destination string        `msgpack:"destination"`
	Status      string        `msgpack:"status"`
	Originator  string        `msgpack:"originator"`
	Cause       string        `msgpack:"cause"`
	Disposition string        `msgpack:"disposition"`
	StartedAt   time.Time     `msgpack:"started_at"`
	AnsweredAt  time.Time     `msgpack:"answered_at,omitempty"`
	EndedAt     time.Time     `msgpack:"ended_at"`
	Duration    time.Duration `msgpack:"duration"`
}

// FromSummary converts a finished call into a history record.
func FromSummary(s call.Summary) Record {
	return Record{
		ID:          s.ID,
		Kind:        string(s.Kind),
		Destination: s.Destination,
		Status:      string(s.Status),
		Originator:  string(s.Originator),
		Cause:       string(s.Cause),
		Disposition: string(s.Disposition),
		StartedAt:   s.StartedAt,
		AnsweredAt:  s.AnsweredAt,
		EndedAt:     s.EndedAt,
		Duration:    s.Duration(),
	}
}

// Store appends records to a file as a stream of msgpack values.
type Store struct {
	path string
	mu   sync.Mutex
}

// Open prepares the history file at path, creating its directory. The
// file itself is created on the first Record.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("history path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	return &Store{path: path}, nil
}

func (s *Store) Path() string { return s.path }

// Record appends a finished call.
func (s *Store) Record(sum call.Summary) error {
	data, err := msgpack.Marshal(FromSummary(sum))
	if err != nil {
		return fmt.Errorf("failed to encode call record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write history: %w", err)
	}
	return f.Close()
}

// List returns up to limit most recent records, newest first. A limit of
// zero returns everything. A missing file is an empty history.
func (s *Store) List(limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	defer f.Close()

	var records []Record
	dec := msgpack.NewDecoder(f)
	for {
		var r Record
		err := dec.Decode(&r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A torn final write loses only the last record.
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("failed to read history: %w", err)
		}
		records = append(records, r)
	}

	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}
