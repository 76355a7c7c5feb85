// Package heartbeat tracks which jobs this worker is processing. Each active
// job holds a lease that its processing path renews; leases that stop
// renewing are what the stuck detector looks for.
package heartbeat

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrDuplicateLease is returned by Register when the job already has an entry.
	ErrDuplicateLease = errors.New("heartbeat: duplicate lease")
	// ErrUnknownJob is returned when renewing a job that has no entry, or
	// whose entry belongs to a different lease.
	ErrUnknownJob = errors.New("heartbeat: unknown job")
)

const defaultShards = 32

// Entry is a point-in-time view of one lease.
type Entry struct {
	JobID       string    `json:"jobId"`
	OwnerID     string    `json:"ownerId"`
	LeaseStart  time.Time `json:"leaseStart"`
	LastRenewed time.Time `json:"lastRenewed"`
	// Generation identifies the lease instance. A job ID registered again
	// after a forced release gets a new generation.
	Generation uint64 `json:"generation"`
}

// Age returns how long ago the entry was last renewed.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.LastRenewed)
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// Registry holds active leases spread over shards keyed by an xxhash of the
// job ID. Operations on different shards never contend.
type Registry struct {
	shards []*shard
	now    func() time.Time
	gen    atomic.Uint64
	count  atomic.Int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithShards sets the shard count. Values below 1 are ignored.
func WithShards(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.shards = make([]*shard, n)
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{shards: make([]*shard, defaultShards), now: time.Now}
	for _, o := range opts {
		o(r)
	}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[string]*Entry)}
	}
	return r
}

func (r *Registry) shardFor(jobID string) *shard {
	return r.shards[xxhash.Sum64String(jobID)%uint64(len(r.shards))]
}

// Register creates an entry for jobID owned by ownerID.
func (r *Registry) Register(jobID, ownerID string) (*Lease, error) {
	s := r.shardFor(jobID)
	now := r.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[jobID]; ok {
		return nil, ErrDuplicateLease
	}
	e := &Entry{
		JobID:       jobID,
		OwnerID:     ownerID,
		LeaseStart:  now,
		LastRenewed: now,
		Generation:  r.gen.Add(1),
	}
	s.entries[jobID] = e
	r.count.Add(1)
	l := &Lease{reg: r, jobID: jobID, gen: e.Generation}
	l.progress.Store(now.UnixNano())
	return l, nil
}

// Renew refreshes LastRenewed for jobID regardless of which lease holds it.
func (r *Registry) Renew(jobID string) error {
	return r.renew(jobID, 0)
}

func (r *Registry) renew(jobID string, gen uint64) error {
	s := r.shardFor(jobID)
	now := r.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	if !ok || (gen != 0 && e.Generation != gen) {
		return ErrUnknownJob
	}
	e.LastRenewed = now
	return nil
}

// Release removes the entry for jobID. Releasing an absent job is a no-op.
func (r *Registry) Release(jobID string) {
	r.release(jobID, 0)
}

func (r *Registry) release(jobID string, gen uint64) bool {
	s := r.shardFor(jobID)

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	if !ok || (gen != 0 && e.Generation != gen) {
		return false
	}
	delete(s.entries, jobID)
	r.count.Add(-1)
	return true
}

// Expire removes the entry for jobID only if it has gone unrenewed for longer
// than staleFor at now. It returns the removed entry.
func (r *Registry) Expire(jobID string, staleFor time.Duration, now time.Time) (Entry, bool) {
	s := r.shardFor(jobID)

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	if !ok || e.Age(now) <= staleFor {
		return Entry{}, false
	}
	delete(s.entries, jobID)
	r.count.Add(-1)
	return *e, true
}

// Get returns a copy of the entry for jobID.
func (r *Registry) Get(jobID string) (Entry, bool) {
	s := r.shardFor(jobID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot copies every entry, sorted by LeaseStart. Each shard is locked
// only while it is copied, so the result is consistent per shard.
func (r *Registry) Snapshot() []Entry {
	out := make([]Entry, 0, r.Count())
	for _, s := range r.shards {
		s.mu.Lock()
		for _, e := range s.entries {
			out = append(out, *e)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LeaseStart.Equal(out[j].LeaseStart) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].LeaseStart.Before(out[j].LeaseStart)
	})
	return out
}

// Count returns the number of active entries.
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// Now returns the registry's clock reading.
func (r *Registry) Now() time.Time {
	return r.now()
}
