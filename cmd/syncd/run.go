package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crdtsync/crdtsync/internal/config"
	"github.com/crdtsync/crdtsync/internal/coordinator"
	"github.com/crdtsync/crdtsync/internal/crdtstore"
	"github.com/crdtsync/crdtsync/internal/lockfile"
	"github.com/crdtsync/crdtsync/internal/logging"
	"github.com/crdtsync/crdtsync/internal/peersync"
	"github.com/crdtsync/crdtsync/internal/tabsync"
	"github.com/crdtsync/crdtsync/internal/transport"
	"github.com/crdtsync/crdtsync/internal/uisync"
)

// localPollInterval is how often the daemon checks whether the db version
// moved since it last looked, to catch writes made directly by the
// application rather than through this process.
const localPollInterval = 250 * time.Millisecond

// coordinatorSet is a goroutine-safe registry of the coordinators wired up
// for this run: one per peer connection, added from the dial loop and from
// the inbound-accept goroutine alike.
type coordinatorSet struct {
	mu   sync.Mutex
	list []*coordinator.Coordinator
}

func (s *coordinatorSet) add(c *coordinator.Coordinator) {
	s.mu.Lock()
	s.list = append(s.list, c)
	s.mu.Unlock()
}

func (s *coordinatorSet) snapshot() []*coordinator.Coordinator {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*coordinator.Coordinator, len(s.list))
	copy(out, s.list)
	return out
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Attach to a database and keep it converged with peers and siblings",
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logging.SetVerbose(cfg.Verbose)

	lock, err := lockfile.Acquire(cfg.DBPath)
	if err != nil {
		if lockfile.IsLocked(err) {
			return fmt.Errorf("another syncd process is already serving %s", cfg.DBPath)
		}
		return fmt.Errorf("acquire writer lock: %w", err)
	}
	defer lock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := crdtstore.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	for _, table := range cfg.Tables {
		if err := store.EnrollTable(ctx, table); err != nil {
			return fmt.Errorf("enroll table %s: %w", table, err)
		}
	}
	log.Debugf("enrolled %d tables, site id %s", len(cfg.Tables), store.SiteID())

	watcher, err := crdtstore.NewWatcher(cfg.DBPath)
	if err != nil {
		log.Warnf("file watcher unavailable: %v", err)
	} else {
		go watcher.Run(ctx)
		go func() {
			for range watcher.Replaced() {
				log.Warnf("database file was replaced externally; restart syncd to reopen it")
			}
		}()
		defer watcher.Close()
	}

	coords := &coordinatorSet{}

	ui := uisync.New()
	ui.OnCommandRun = func(ctx context.Context, tables []string) {
		for _, c := range coords.snapshot() {
			c.Sync(ctx, coordinator.SourceUI, tables)
		}
	}

	var tab *tabsync.TabSyncer
	if cfg.TabBroadcastURL != "" {
		subject := cfg.TabSubject
		if subject == "" {
			subject = "crdtsync.tabs." + store.SiteID()
		}
		tab, err = tabsync.New(cfg.TabBroadcastURL, subject)
		if err != nil {
			return fmt.Errorf("connect tab broadcast: %w", err)
		}
		defer tab.Close()
	}

	for _, addr := range cfg.Peers {
		dialer := transport.NewDialer(addr)
		peer := peersync.New(store, dialer)
		coords.add(coordinator.New(tab, ui, peer))
		if err := peer.Start(ctx); err != nil {
			return fmt.Errorf("start peer %s: %w", addr, err)
		}
	}

	if cfg.Listen != "" {
		go func() {
			err := transport.Listen(ctx, cfg.Listen, func(t transport.Transport) {
				peer := peersync.New(store, t)
				coords.add(coordinator.New(tab, ui, peer))
				if err := peer.Start(ctx); err != nil {
					log.Errorf("start inbound peer: %v", err)
				}
			})
			if err != nil && ctx.Err() == nil {
				log.Errorf("listener stopped: %v", err)
			}
		}()
		log.Debugf("listening for peers on %s", cfg.Listen)
	}

	go pollLocalChanges(ctx, store, cfg.Tables, tab, coords)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.Debugf("received %s, shutting down", sig)
	case <-ctx.Done():
	}

	for _, c := range coords.snapshot() {
		if err := c.Close(); err != nil {
			log.Warnf("close coordinator: %v", err)
		}
	}
	return nil
}

// pollLocalChanges watches the local db version for movement not caused by
// this process's own peer merges, so writes the host application makes
// directly to the database still get pushed out to peers and siblings.
func pollLocalChanges(ctx context.Context, store *crdtstore.Store, tables []string, tab *tabsync.TabSyncer, coords *coordinatorSet) {
	ticker := time.NewTicker(localPollInterval)
	defer ticker.Stop()

	last, err := store.GetVersion(ctx)
	if err != nil {
		log.Warnf("read initial version for local poll: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v, err := store.GetVersion(ctx)
			if err != nil {
				log.Warnf("poll version: %v", err)
				continue
			}
			if v == last {
				continue
			}
			last = v

			// Each coordinator's SourceUI handling broadcasts to tab
			// siblings and pushes to its own peer; with more than one
			// coordinator configured the tab broadcast is sent once per
			// coordinator, which siblings tolerate as a harmless repeat.
			active := coords.snapshot()
			for _, c := range active {
				c.Sync(ctx, coordinator.SourceUI, tables)
			}
			if len(active) == 0 && tab != nil {
				if err := tab.Broadcast(tables); err != nil {
					log.Warnf("broadcast local change to tabs: %v", err)
				}
			}
		}
	}
}
