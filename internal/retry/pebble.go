package retry

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	pebblestore "github.com/rzbill/analysis-worker/internal/storage/pebble"
)

const pebblePrefix = "retry/"

// PebbleStore keeps counters on local disk so they survive a restart of this
// worker. It is owned by one process; use RedisStore to share across workers.
type PebbleStore struct {
	db *pebblestore.DB
}

// NewPebbleStore wraps an open DB. Close closes the DB.
func NewPebbleStore(db *pebblestore.DB) *PebbleStore {
	return &PebbleStore{db: db}
}

// OpenPebbleStore opens a DB at dir and wraps it.
func OpenPebbleStore(dir string, metrics pebblestore.MetricsHook) (*PebbleStore, error) {
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: dir,
		Fsync:   pebblestore.FsyncModeInterval,
		Metrics: metrics,
	})
	if err != nil {
		return nil, err
	}
	return NewPebbleStore(db), nil
}

func pebbleKey(jobID string) []byte {
	return []byte(pebblePrefix + jobID)
}

func decodeCount(b []byte) int {
	if len(b) != 8 {
		return 0
	}
	return int(binary.BigEndian.Uint64(b))
}

func encodeCount(n int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func (s *PebbleStore) Get(_ context.Context, jobID string) (int, error) {
	v, err := s.db.Get(pebbleKey(jobID))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("retry get %s: %w", jobID, err)
	}
	return decodeCount(v), nil
}

func (s *PebbleStore) Incr(_ context.Context, jobID string) (int, error) {
	v, err := s.db.Update(pebbleKey(jobID), func(cur []byte) ([]byte, error) {
		return encodeCount(decodeCount(cur) + 1), nil
	})
	if err != nil {
		return 0, fmt.Errorf("retry incr %s: %w", jobID, err)
	}
	return decodeCount(v), nil
}

func (s *PebbleStore) Seed(_ context.Context, jobID string, n int) error {
	_, err := s.db.Update(pebbleKey(jobID), func(cur []byte) ([]byte, error) {
		if decodeCount(cur) >= n {
			if cur == nil {
				return nil, nil
			}
			return cur, nil
		}
		return encodeCount(n), nil
	})
	if err != nil {
		return fmt.Errorf("retry seed %s: %w", jobID, err)
	}
	return nil
}

func (s *PebbleStore) Reset(_ context.Context, jobID string) error {
	if err := s.db.Delete(pebbleKey(jobID)); err != nil {
		return fmt.Errorf("retry reset %s: %w", jobID, err)
	}
	return nil
}

// Counters returns every non-zero counter.
func (s *PebbleStore) Counters() (map[string]int, error) {
	out := make(map[string]int)
	err := s.db.ScanPrefix([]byte(pebblePrefix), func(k, v []byte) bool {
		out[string(k[len(pebblePrefix):])] = decodeCount(v)
		return true
	})
	return out, err
}

func (s *PebbleStore) Close() error { return s.db.Close() }
