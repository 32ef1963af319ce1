// Package coordinator wires the tab broadcaster, the reactive UI layer, and
// an optional peer connection together, routing a change notification from
// whichever source saw it first to the other two without ever routing a
// notification back to the source it came from.
//
// Grounded on internal/rpc/server_bus.go's role as the hub a daemon's
// various subsystems register with rather than calling each other
// directly.
package coordinator

import (
	"context"

	"github.com/crdtsync/crdtsync/internal/logging"
	"github.com/crdtsync/crdtsync/internal/peersync"
	"github.com/crdtsync/crdtsync/internal/tabsync"
	"github.com/crdtsync/crdtsync/internal/uisync"
)

var log = logging.New("coordinator")

// Source identifies where a change notification originated.
type Source int

const (
	// SourceUI is a local write made by this process.
	SourceUI Source = iota
	// SourceTab is a notification relayed from a sibling process sharing
	// the same database file.
	SourceTab
	// SourcePeer is a change merged in from a remote peer over the network.
	SourcePeer
)

// Coordinator routes a "tables changed" event between the three channels
// that can produce or need one, without ever echoing a notification back
// to the channel it came from.
type Coordinator struct {
	tab  *tabsync.TabSyncer // optional; nil if no sibling-process sync
	ui   *uisync.UISyncer
	peer *peersync.Peer // optional; nil if no remote peer configured
}

// New builds a Coordinator. tab and peer may be nil when those channels are
// not configured for this process.
func New(tab *tabsync.TabSyncer, ui *uisync.UISyncer, peer *peersync.Peer) *Coordinator {
	c := &Coordinator{tab: tab, ui: ui, peer: peer}
	if tab != nil {
		if err := tab.OnNotification(func(tables []string) {
			c.Sync(context.Background(), SourceTab, tables)
		}); err != nil {
			log.Errorf("subscribe to tab notifications: %v", err)
		}
	}
	if peer != nil {
		peer.OnLocalChange = func(table string) {
			c.Sync(context.Background(), SourcePeer, []string{table})
		}
	}
	return c
}

// Sync routes a change in watchedTables according to source:
//
//   - SourceUI:   a local write. Tell the tab siblings and push to the peer.
//   - SourceTab:  a sibling process already wrote to the shared file.
//     Refresh the UI layer only; never rebroadcast to tabs, or every sibling
//     would re-announce what it just heard and the notification would
//     loop forever.
//   - SourcePeer: a remote change was merged in. Tell the tab siblings (they
//     share the file and need to know) and refresh the UI layer, but never
//     push back to the peer that just sent it.
func (c *Coordinator) Sync(ctx context.Context, source Source, watchedTables []string) {
	switch source {
	case SourceUI:
		if c.tab != nil {
			if err := c.tab.Broadcast(watchedTables); err != nil {
				log.Warnf("broadcast to tabs: %v", err)
			}
		}
		if c.peer != nil {
			c.peer.NotifyLocalChange(ctx)
		}
	case SourceTab:
		c.ui.NotifyTablesChanged(ctx, watchedTables)
	case SourcePeer:
		if c.tab != nil {
			if err := c.tab.Broadcast(watchedTables); err != nil {
				log.Warnf("broadcast merged peer change to tabs: %v", err)
			}
		}
		c.ui.NotifyTablesChanged(ctx, watchedTables)
	}
}

// Close tears down the tab and peer connections, if configured.
func (c *Coordinator) Close() error {
	var firstErr error
	if c.tab != nil {
		if err := c.tab.Close(); err != nil {
			firstErr = err
		}
	}
	if c.peer != nil {
		if err := c.peer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
