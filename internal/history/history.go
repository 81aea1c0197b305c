// Package history appends run-history records to a per-symbol JSONL file
// whenever the Supervisor stops a symbol's loop (spec §5, C7). Adapted from
// the teacher's atomic-write-then-rename position store: each append
// rewrites the whole file through a temp file and renames over the target,
// so a crash mid-write never corrupts previously recorded runs.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/shopspring/decimal"
)

// Record is one completed (or aborted) run of a symbol's control loop.
type Record struct {
	Symbol        string          `json:"symbol"`
	StartedAtMs   int64           `json:"started_at_ms"`
	StoppedAtMs   int64           `json:"stopped_at_ms"`
	StopReason    string          `json:"stop_reason"`
	FillCount     int             `json:"fill_count"`
	FillNotional  decimal.Decimal `json:"fill_notional"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	FinalPosition decimal.Decimal `json:"final_position"`
	RestartCount  int             `json:"restart_count"`
}

// Store appends Records to "<dir>/history_<symbol>.jsonl" files.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a Store backed by dir, creating it if necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Append adds one record to its symbol's history file. The whole file is
// rewritten through a temp file and renamed into place, matching the
// teacher's crash-safe write pattern; this keeps every record's on-disk
// representation atomic even though it costs an O(n) rewrite per append.
func (s *Store) Append(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pathFor(r.Symbol)
	existing, err := s.readAllLocked(r.Symbol)
	if err != nil {
		return err
	}
	existing = append(existing, r)

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("history: open temp file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, rec := range existing {
		line, err := json.Marshal(rec)
		if err != nil {
			f.Close()
			return fmt.Errorf("history: marshal record: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("history: write record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("history: flush: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("history: close temp file: %w", err)
	}
	return os.Rename(tmp, path)
}

// Recent returns up to n of the most recent records for a symbol, oldest
// first within that slice.
func (s *Store) Recent(symbol string, n int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.readAllLocked(symbol)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(all) {
		return all, nil
	}
	return all[len(all)-n:], nil
}

func (s *Store) pathFor(symbol string) string {
	return filepath.Join(s.dir, "history_"+symbol+".jsonl")
}

func (s *Store) readAllLocked(symbol string) ([]Record, error) {
	path := s.pathFor(symbol)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("history: decode record: %w", err)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("history: scan %s: %w", path, err)
	}
	return out, nil
}
