package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	logx "brickctl/pkg/logx"
)

// fileStore appends entries to <prefix>.journal.jsonl. Every compactEvery
// writes the file is rewritten with only the newest keep entries.
type fileStore struct {
	log  logx.Logger
	path string
	keep int

	mu     sync.Mutex
	f      *os.File
	writes int
}

const compactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("journal.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	jp := filepath.Join(dir, base) + ".journal.jsonl"

	f, err := os.OpenFile(jp, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: jp, keep: cfg.keep(), f: f}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) Append(_ context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("journal closed")
	}
	if err := json.NewEncoder(s.f).Encode(e); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Recent(_ context.Context, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readTail(s.path, limit)
}

// readTail returns the last limit decodable entries of path.
func readTail(path string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]Entry, 0, limit)
	start := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if len(ring) < limit {
			ring = append(ring, e)
			continue
		}
		ring[start] = e
		start = (start + 1) % limit
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return append(ring[start:], ring[:start]...), nil
}

// compactLocked rewrites the journal with the newest keep entries. The
// replacement is atomic; the append handle is only swapped once it landed.
func (s *fileStore) compactLocked() error {
	entries, err := readTail(s.path, s.keep)
	if err != nil {
		return err
	}

	pf, err := renameio.NewPendingFile(s.path, renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("pending journal: %w", err)
	}
	defer func() {
		if err := pf.Cleanup(); err != nil {
			s.log.Debug("journal cleanup", logx.Err(err))
		}
	}()

	w := bufio.NewWriter(pf)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace journal: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.f.Close()
	s.f = f
	return nil
}
