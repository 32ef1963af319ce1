// Package uisync is the reactive view layer: it lets UI code register a
// named query ("repo") against a set of watched tables, and refreshes that
// query's cached result once, batched, whenever any of its watched tables
// might have changed.
//
// Grounded on internal/rpc/server_bus.go's subscriber registry (named
// subscriptions with a release function) and
// internal/rpc/query_dedup.go's batching (here reused via
// internal/microtask to coalesce refresh storms from back-to-back merges
// into a single re-read).
package uisync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crdtsync/crdtsync/internal/logging"
	"github.com/crdtsync/crdtsync/internal/microtask"
)

var log = logging.New("uisync")

// refreshCoalesceWindow bounds how long a burst of table-changed
// notifications is allowed to coalesce into one refresh.
const refreshCoalesceWindow = 10 * time.Millisecond

// CommandFunc performs a write through a repo. args is caller-defined per
// command.
type CommandFunc func(ctx context.Context, args interface{}) error

// RepoDefinition describes one reactive query: which tables it depends on,
// how to recompute its result, and the named writes that mutate it.
type RepoDefinition struct {
	Name     string
	Tables   []string
	Refresh  func(ctx context.Context) (interface{}, error)
	Commands map[string]CommandFunc
}

// Repo is a live handle on a RepoDefinition's current result. Callers read
// Repo.Value(); UISyncer keeps it current. Commands holds one bound
// function per name in the definition's Commands map: calling it runs the
// underlying write, then refreshes this repo's own view immediately (the
// caller doesn't need to wait for a batched refresh to see its own write),
// then tells UISyncer.OnCommandRun so the surrounding coordinator can
// announce the change to tabs and peers.
type Repo struct {
	def      RepoDefinition
	Commands map[string]func(ctx context.Context, args interface{}) error

	mu    sync.RWMutex
	value interface{}
	err   error

	refCount int
}

// Value returns the most recently computed result and any error from the
// last refresh attempt.
func (r *Repo) Value() (interface{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value, r.err
}

func (r *Repo) set(v interface{}, err error) {
	r.mu.Lock()
	r.value, r.err = v, err
	r.mu.Unlock()
}

// ReleaseFunc returns a Repo handle to UISyncer. Once every acquirer has
// called it, the Repo stops being refreshed and is evicted, per the
// explicit-release pattern that substitutes for a weak reference.
type ReleaseFunc func()

// UISyncer owns the set of live Repos and refreshes them as tables change.
type UISyncer struct {
	scheduler *microtask.Scheduler

	// OnCommandRun, if set, is called after a bound command completes
	// successfully, so the coordinator can notify tabs and peers without
	// uisync needing to know about either.
	OnCommandRun func(ctx context.Context, tables []string)

	mu    sync.Mutex
	repos map[string]*Repo
	byTbl map[string][]string // table -> repo names watching it
}

// New returns an empty UISyncer.
func New() *UISyncer {
	return &UISyncer{
		scheduler: microtask.New(refreshCoalesceWindow),
		repos:     make(map[string]*Repo),
		byTbl:     make(map[string][]string),
	}
}

// RepoFor returns the Repo for def, creating and running its first refresh
// if this is the first acquirer, and incrementing a reference count. The
// returned ReleaseFunc must be called exactly once when the caller is done
// with the Repo.
func (u *UISyncer) RepoFor(ctx context.Context, def RepoDefinition) (*Repo, ReleaseFunc, error) {
	u.mu.Lock()
	repo, exists := u.repos[def.Name]
	if !exists {
		repo = &Repo{def: def}
		repo.Commands = make(map[string]func(ctx context.Context, args interface{}) error, len(def.Commands))
		for name, cmd := range def.Commands {
			repo.Commands[name] = u.bindCommand(repo, cmd)
		}
		u.repos[def.Name] = repo
		for _, table := range def.Tables {
			u.byTbl[table] = append(u.byTbl[table], def.Name)
		}
	}
	repo.refCount++
	u.mu.Unlock()

	if !exists {
		v, err := def.Refresh(ctx)
		repo.set(v, err)
		if err != nil {
			return nil, nil, fmt.Errorf("uisync: initial refresh of %s: %w", def.Name, err)
		}
	}

	released := false
	release := func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		if released {
			return
		}
		released = true
		repo.refCount--
		if repo.refCount <= 0 {
			delete(u.repos, def.Name)
			for _, table := range def.Tables {
				u.byTbl[table] = removeString(u.byTbl[table], def.Name)
			}
		}
	}
	return repo, release, nil
}

// bindCommand wraps cmd so that running it through the returned function
// also refreshes repo's own view immediately (errors from that refresh are
// recorded on the repo but not returned, matching the separation between a
// write failing and a subsequent read failing), schedules a batched refresh
// of every live repo watching any of the same tables (repo itself
// included), and notifies
// OnCommandRun. Errors from cmd itself propagate to the caller unchanged.
func (u *UISyncer) bindCommand(repo *Repo, cmd CommandFunc) func(ctx context.Context, args interface{}) error {
	return func(ctx context.Context, args interface{}) error {
		if err := cmd(ctx, args); err != nil {
			return err
		}
		v, err := repo.def.Refresh(ctx)
		repo.set(v, err)
		if err != nil {
			log.Warnf("refresh %s after command: %v", repo.def.Name, err)
		}
		u.NotifyTablesChanged(ctx, repo.def.Tables)
		if u.OnCommandRun != nil {
			u.OnCommandRun(ctx, repo.def.Tables)
		}
		return nil
	}
}

func removeString(ss []string, s string) []string {
	out := ss[:0]
	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// NotifyTablesChanged schedules a batched refresh of every live Repo that
// watches any of the given tables.
func (u *UISyncer) NotifyTablesChanged(ctx context.Context, tables []string) {
	u.mu.Lock()
	names := make(map[string]bool)
	for _, table := range tables {
		for _, name := range u.byTbl[table] {
			names[name] = true
		}
	}
	u.mu.Unlock()

	for name := range names {
		name := name
		u.scheduler.ScheduleAsync("repo:"+name, func() { u.refreshOne(ctx, name) })
	}
}

func (u *UISyncer) refreshOne(ctx context.Context, name string) {
	u.mu.Lock()
	repo, ok := u.repos[name]
	u.mu.Unlock()
	if !ok {
		return // evicted while the refresh was pending
	}
	v, err := repo.def.Refresh(ctx)
	if err != nil {
		log.Warnf("refresh %s: %v", name, err)
	}
	repo.set(v, err)
}
