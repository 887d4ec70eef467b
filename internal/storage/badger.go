package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	logx "brickctl/pkg/logx"
)

var (
	badgerPrefix = []byte("j:")
	badgerSeqKey = []byte("seq:journal")
)

// badgerStore keys entries by a monotonic sequence so iteration order is
// append order.
type badgerStore struct {
	db   *badger.DB
	seq  *badger.Sequence
	log  logx.Logger
	keep int

	closeOnce sync.Once
	closed    atomic.Bool
	appends   atomic.Uint64
}

const badgerPruneEvery = 500

func openBadger(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("journal.path is required for badger driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger journal: %w", err)
	}
	seq, err := db.GetSequence(badgerSeqKey, 128)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &badgerStore{db: db, seq: seq, log: log, keep: cfg.keep()}, nil
}

func badgerKey(n uint64) []byte {
	k := make([]byte, len(badgerPrefix)+8)
	copy(k, badgerPrefix)
	binary.BigEndian.PutUint64(k[len(badgerPrefix):], n)
	return k
}

func (s *badgerStore) Append(_ context.Context, e Entry) error {
	if s.closed.Load() {
		return errors.New("journal closed")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	n, err := s.seq.Next()
	if err != nil {
		return err
	}
	buf, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(n), buf)
	}); err != nil {
		return err
	}
	if s.appends.Add(1)%badgerPruneEvery == 0 {
		if err := s.prune(); err != nil {
			s.log.Debug("journal prune failed", logx.Err(err))
		}
	}
	return nil
}

func (s *badgerStore) Recent(_ context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	out := make([]Entry, 0, limit)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = badgerPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(badgerKey(^uint64(0))); it.ValidForPrefix(badgerPrefix) && len(out) < limit; it.Next() {
			var e Entry
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &e)
			}); err != nil {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// prune deletes everything older than the newest keep entries.
func (s *badgerStore) prune() error {
	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = badgerPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		seen := 0
		for it.Seek(badgerKey(^uint64(0))); it.ValidForPrefix(badgerPrefix); it.Next() {
			seen++
			if seen > s.keep {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil || len(stale) == 0 {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range stale {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (s *badgerStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = errors.Join(s.seq.Release(), s.db.Close())
	})
	return err
}
