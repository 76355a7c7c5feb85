package heartbeat

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNoProgress is passed to KeepaliveOptions.OnError when renewal pauses
// because the job reported no progress within MaxSilence.
var ErrNoProgress = errors.New("heartbeat: no progress reported")

// Lease is the handle returned by Register. Renew and Release act only while
// the registry entry still belongs to this lease.
type Lease struct {
	reg   *Registry
	jobID string
	gen   uint64

	// progress is the registry clock at the last Touch, in unix nanoseconds.
	progress atomic.Int64
}

// JobID returns the job this lease tracks.
func (l *Lease) JobID() string { return l.jobID }

// Generation returns the token that distinguishes this lease from a later
// one for the same job ID.
func (l *Lease) Generation() uint64 { return l.gen }

// Renew refreshes the entry. It returns ErrUnknownJob once the lease was
// released or force-expired.
func (l *Lease) Renew() error {
	return l.reg.renew(l.jobID, l.gen)
}

// Release removes the entry and reports whether this call removed it.
func (l *Lease) Release() bool {
	return l.reg.release(l.jobID, l.gen)
}

// Touch records that the job is making progress. It does not renew the entry
// itself; Keepalive does, as long as touches keep arriving.
func (l *Lease) Touch() {
	l.progress.Store(l.reg.now().UnixNano())
}

// silentFor returns how long ago the last Touch, or registration, happened.
func (l *Lease) silentFor() time.Duration {
	return l.reg.now().Sub(time.Unix(0, l.progress.Load()))
}

// KeepaliveOptions configures Lease.Keepalive.
type KeepaliveOptions struct {
	Interval time.Duration
	// MaxSilence pauses renewal while the job has not called Touch for
	// longer than this, so a hung job goes stale. Zero renews unconditionally.
	MaxSilence time.Duration
	// OnError receives renewal failures and ErrNoProgress, once per pause.
	OnError func(error)
}

// Keepalive renews the lease every interval until the returned stop function
// is called. Renewal failures do not end the loop. stop blocks until the
// renewal goroutine has exited.
func (l *Lease) Keepalive(opts KeepaliveOptions) (stop func()) {
	onErr := opts.OnError
	if onErr == nil {
		onErr = func(error) {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(opts.Interval)
		defer t.Stop()
		paused := false
		for {
			select {
			case <-done:
				return
			case <-t.C:
			}
			if opts.MaxSilence > 0 && l.silentFor() > opts.MaxSilence {
				if !paused {
					paused = true
					onErr(ErrNoProgress)
				}
				continue
			}
			paused = false
			if err := l.Renew(); err != nil {
				onErr(err)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}
