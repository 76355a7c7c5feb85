package pebblestore

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// ErrNotFound is returned by Get for absent keys.
var ErrNotFound = pebble.ErrNotFound

// FsyncMode defines durability behavior for write operations.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways requests a WAL fsync on each write.
	FsyncModeAlways
	// FsyncModeInterval lets Pebble coalesce WAL syncs within FsyncInterval.
	FsyncModeInterval
	// FsyncModeNever leaves syncing to Pebble's own policy.
	FsyncModeNever
)

// Options configures the Pebble store wrapper.
type Options struct {
	DataDir       string
	Fsync         FsyncMode
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning. If nil, defaults are used.
	PebbleOptions *pebble.Options
	// Metrics observes read/write/commit latencies and sizes. Optional.
	Metrics MetricsHook
}

// MetricsHook is a minimal hook surface for storage observations.
type MetricsHook interface {
	ObserveWrite(elapsed time.Duration, bytes int)
	ObserveRead(elapsed time.Duration, bytes int)
	ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int)
}

// NoopMetrics is used when no metrics hook is provided.
type NoopMetrics struct{}

func (NoopMetrics) ObserveWrite(time.Duration, int)            {}
func (NoopMetrics) ObserveRead(time.Duration, int)             {}
func (NoopMetrics) ObserveBatchCommit(time.Duration, int, int) {}

// DB wraps a Pebble database with an fsync policy and a serialized
// read-modify-write helper.
type DB struct {
	inner     *pebble.DB
	writeSync pebble.WriteOptions
	metrics   MetricsHook

	// updateMu serializes Update so read-modify-write cycles do not interleave.
	updateMu sync.Mutex
}

// Open creates or opens a Pebble database with the provided options.
func Open(opts Options) (*DB, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	switch opts.Fsync {
	case FsyncModeAlways, FsyncModeNever:
	case FsyncModeInterval:
		if opts.FsyncInterval <= 0 {
			opts.FsyncInterval = 5 * time.Millisecond
		}
		interval := opts.FsyncInterval
		po.WALMinSyncInterval = func() time.Duration { return interval }
	default:
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", opts.DataDir, err)
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	db := &DB{inner: inner, metrics: metrics, writeSync: *pebble.NoSync}
	if opts.Fsync != FsyncModeNever {
		db.writeSync = *pebble.Sync
	}
	return db, nil
}

// Close closes the Pebble database.
func (db *DB) Close() error {
	if db == nil || db.inner == nil {
		return nil
	}
	return db.inner.Close()
}

// Set writes key=value respecting the fsync policy.
func (db *DB) Set(key, value []byte) error {
	start := time.Now()
	if err := db.inner.Set(key, value, &db.writeSync); err != nil {
		return err
	}
	db.metrics.ObserveWrite(time.Since(start), len(key)+len(value))
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (db *DB) Delete(key []byte) error {
	start := time.Now()
	if err := db.inner.Delete(key, &db.writeSync); err != nil {
		return err
	}
	db.metrics.ObserveWrite(time.Since(start), len(key))
	return nil
}

// Get copies the value for key. Absent keys return ErrNotFound.
func (db *DB) Get(key []byte) ([]byte, error) {
	start := time.Now()
	val, closer, err := db.inner.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	buf := append([]byte(nil), val...)
	db.metrics.ObserveRead(time.Since(start), len(buf))
	return buf, nil
}

// Update reads key, passes the current value (nil when absent) to fn and
// writes the result in one batch. A nil result deletes the key. Updates are
// serialized across the DB.
func (db *DB) Update(key []byte, fn func(current []byte) ([]byte, error)) ([]byte, error) {
	db.updateMu.Lock()
	defer db.updateMu.Unlock()

	current, err := db.Get(key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	next, err := fn(current)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	b := db.inner.NewBatch()
	defer b.Close()
	if next == nil {
		err = b.Delete(key, nil)
	} else {
		err = b.Set(key, next, nil)
	}
	if err != nil {
		return nil, err
	}
	size := b.Len()
	if err := b.Commit(&db.writeSync); err != nil {
		return nil, err
	}
	db.metrics.ObserveBatchCommit(time.Since(start), 1, size)
	return next, nil
}

// ScanPrefix calls fn for every key with the given prefix, in key order,
// until fn returns false.
func (db *DB) ScanPrefix(prefix []byte, fn func(key, value []byte) bool) error {
	iter, err := db.inner.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if !fn(iter.Key(), iter.Value()) {
			break
		}
	}
	return iter.Error()
}

// prefixEnd returns the smallest key greater than every key with prefix, or
// nil if no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
