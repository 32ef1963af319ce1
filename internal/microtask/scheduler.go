// Package microtask provides a stand-in for "schedule this after the
// current call chain returns, before the next round of I/O": a single
// pending run per key is scheduled a tick out, and any caller that asks
// again before it fires joins the same pending run instead of scheduling a
// second one.
//
// Grounded on internal/rpc/query_dedup.go's QueryDeduplicator, which
// coalesces concurrent identical work into one in-flight call; this
// package applies the same idea to coalescing repeated "please refresh"
// requests instead of deduplicating reads.
package microtask

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Scheduler coalesces repeated Schedule(key, fn) calls: if a run for key is
// already pending, a new call does not start a second one, it just waits
// for the pending run to finish (or, with ScheduleAsync, returns
// immediately having changed nothing).
type Scheduler struct {
	delay time.Duration
	group singleflight.Group

	mu      sync.Mutex
	pending map[string]bool
}

// New returns a Scheduler that waits delay before running a scheduled fn,
// giving other calls for the same key a window to coalesce into it.
func New(delay time.Duration) *Scheduler {
	return &Scheduler{delay: delay, pending: make(map[string]bool)}
}

// Schedule runs fn after delay and blocks until it (or a coalesced run
// already in flight for key) completes: concurrent callers for the same
// key all join the one singleflight.Group.Do call instead of each running
// fn themselves.
func (s *Scheduler) Schedule(key string, fn func()) {
	s.setPending(key)
	_, _, _ = s.group.Do(key, func() (interface{}, error) {
		time.Sleep(s.delay)
		s.clearPending(key)
		// Once pending is cleared, a new call must start its own run rather
		// than join this one, which has already started fn.
		s.group.Forget(key)
		fn()
		return nil, nil
	})
}

// ScheduleAsync arranges for fn to run after delay without blocking the
// caller, by handing key off to Schedule on a background goroutine. If a
// run is already pending for key, this call is a no-op: the caller's
// request is satisfied by the pending run once it fires.
func (s *Scheduler) ScheduleAsync(key string, fn func()) {
	s.mu.Lock()
	alreadyPending := s.pending[key]
	s.pending[key] = true
	s.mu.Unlock()
	if alreadyPending {
		return
	}
	go s.Schedule(key, fn)
}

func (s *Scheduler) setPending(key string) {
	s.mu.Lock()
	s.pending[key] = true
	s.mu.Unlock()
}

func (s *Scheduler) clearPending(key string) {
	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()
}

// Pending reports whether a run is currently scheduled for key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[key]
}
