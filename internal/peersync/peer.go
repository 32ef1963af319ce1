// Package peersync drives one peer-to-peer sync connection: the
// handshake, the initial bulk load or incremental catch-up, and the
// steady-state push/pull/ack traffic once both sides are caught up.
//
// Grounded on internal/rpc/client.go's connection lifecycle (dial, wait for
// a greeting, then issue requests) and internal/rpc/query_dedup.go's
// coalescing idea, reused here via internal/microtask to batch outgoing
// pushes instead of deduplicating reads.
package peersync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crdtsync/crdtsync/internal/crdtschema"
	"github.com/crdtsync/crdtsync/internal/crdtstore"
	"github.com/crdtsync/crdtsync/internal/logging"
	"github.com/crdtsync/crdtsync/internal/microtask"
	"github.com/crdtsync/crdtsync/internal/syncproto"
	"github.com/crdtsync/crdtsync/internal/transport"
)

var log = logging.New("peersync")

// State is a peer connection's position in its lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSyncing
	StateSteady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateSteady:
		return "steady"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// pushCoalesceWindow is how long Peer waits for more local writes to land
// before sending an accumulated batch, per the batched-push behavior.
const pushCoalesceWindow = 15 * time.Millisecond

// Peer manages sync with one remote site over one Transport.
type Peer struct {
	store     *crdtstore.Store
	transport transport.Transport
	scheduler *microtask.Scheduler

	// OnLocalChange, if set, is called whenever a remote change is merged
	// in, so the caller can refresh a reactive view layer. Table is the
	// name of the affected user table.
	OnLocalChange func(table string)

	mu            sync.Mutex
	state         State
	remoteSiteID  string
	remoteVersion int64

	// hasData is computed once per peer lifetime from the local db version
	// at Start and set once a bulk load has been applied, not from
	// connection state: a reconnect must not re-treat a
	// node that already has local writes as an empty bulk-load target, or
	// an incoming update would overwrite locally-winning values without
	// going through Merge's Wins() comparison.
	hasDataOnce sync.Once
	hasData     bool
}

// New creates a Peer bound to store and communicating over t. Call Start to
// begin the connection lifecycle.
func New(store *crdtstore.Store, t transport.Transport) *Peer {
	return &Peer{
		store:     store,
		transport: t,
		scheduler: microtask.New(pushCoalesceWindow),
		state:     StateDisconnected,
	}
}

// State reports the peer's current lifecycle state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Start wires up the transport and begins the connection lifecycle.
func (p *Peer) Start(ctx context.Context) error {
	p.hasDataOnce.Do(func() {
		v, err := p.store.GetVersion(ctx)
		if err != nil {
			log.Errorf("get local version for hasData check: %v", err)
			return
		}
		p.hasData = v > 0
	})
	p.setState(StateConnecting)
	return p.transport.Setup(ctx, transport.Handlers{
		OnOpen:    func() { p.onOpen(ctx) },
		OnMessage: func(data []byte) { p.onMessage(ctx, data) },
		OnClose:   func(err error) { p.onClose(err) },
	})
}

// Close shuts the peer connection down.
func (p *Peer) Close() error {
	p.setState(StateClosed)
	return p.transport.Close()
}

func (p *Peer) onOpen(ctx context.Context) {
	p.setState(StateConnecting)
	v, err := p.store.GetVersion(ctx)
	if err != nil {
		log.Errorf("get local version on open: %v", err)
		return
	}
	msg := syncproto.Connected(p.store.SiteID(), v)
	if err := p.sendMessage(msg); err != nil {
		log.Errorf("send connected greeting: %v", err)
	}
}

func (p *Peer) onClose(err error) {
	if p.State() == StateClosed {
		return
	}
	p.setState(StateDisconnected)
	if err != nil {
		log.Warnf("connection dropped: %v", err)
	}
}

func (p *Peer) onMessage(ctx context.Context, data []byte) {
	msg, err := syncproto.Decode(data)
	if err != nil {
		log.Warnf("decode message: %v", err)
		return
	}

	switch msg.Type {
	case syncproto.MessageConnected:
		p.handleConnected(ctx, msg)
	case syncproto.MessageUpdate:
		p.handleUpdate(ctx, msg)
	case syncproto.MessageAck:
		p.handleAck(ctx, msg)
	case syncproto.MessagePull:
		p.handlePull(ctx, msg)
	default:
		log.Warnf("ignoring message of unknown type")
	}
}

// handleConnected processes the remote's greeting: if we have never
// tracked this site before, request a full bulk load (pull from version
// 0); otherwise request only what's changed since our last received
// version.
func (p *Peer) handleConnected(ctx context.Context, msg syncproto.Message) {
	p.mu.Lock()
	p.remoteSiteID = msg.SiteID
	p.remoteVersion = msg.Version
	p.mu.Unlock()

	since, err := p.store.LastTrackedVersionFor(ctx, msg.SiteID, crdtschema.DirectionReceived)
	if err != nil {
		log.Errorf("read last tracked version for %s: %v", msg.SiteID, err)
		return
	}

	p.setState(StateSyncing)
	if err := p.sendMessage(syncproto.Pull(p.store.SiteID(), since)); err != nil {
		log.Errorf("send pull: %v", err)
	}
}

// handleUpdate merges an incoming batch of changes. If this site had no
// local data before this peer connection's lifetime began, the first
// update is treated as a bulk load (every change becomes authoritative for
// its key); otherwise every update, including the first, goes through the
// ordinary last-writer-wins Merge path, since a reconnect between two
// already-populated sites must never let an incoming value overwrite a
// locally-winning one without going through Wins().
func (p *Peer) handleUpdate(ctx context.Context, msg syncproto.Message) {
	state := p.State()
	p.mu.Lock()
	bulk := state == StateSyncing && !p.hasData
	p.mu.Unlock()

	var err error
	if bulk {
		err = p.store.BulkLoad(ctx, msg.Changes)
	} else {
		err = p.store.Merge(ctx, msg.Changes)
	}
	if err != nil {
		log.Errorf("apply update from %s: %v", msg.SiteID, err)
		return
	}
	if bulk {
		p.mu.Lock()
		p.hasData = true
		p.mu.Unlock()
	}

	if err := p.store.InsertTrackedPeer(ctx, msg.SiteID, msg.Version, crdtschema.DirectionReceived); err != nil {
		log.Errorf("record tracked version for %s: %v", msg.SiteID, err)
	}

	if state == StateSyncing {
		p.setState(StateSteady)
	}

	if err := p.sendMessage(syncproto.Ack(p.store.SiteID(), msg.Version)); err != nil {
		log.Errorf("send ack: %v", err)
	}

	if p.OnLocalChange != nil {
		for _, table := range affectedTables(msg.Changes) {
			p.OnLocalChange(table)
		}
	}
}

// handleAck records that the remote has durably applied everything up to
// msg.Version from us.
func (p *Peer) handleAck(ctx context.Context, msg syncproto.Message) {
	if err := p.store.InsertTrackedPeer(ctx, msg.SiteID, msg.Version, crdtschema.DirectionSent); err != nil {
		log.Errorf("record ack from %s: %v", msg.SiteID, err)
	}
}

// handlePull answers a pull request with everything this site has past the
// requested version that did not originate from the requester, so a peer
// is never sent back its own writes.
func (p *Peer) handlePull(ctx context.Context, msg syncproto.Message) {
	changes, err := p.store.ChangesSinceExcluding(ctx, msg.Version, msg.SiteID)
	if err != nil {
		log.Errorf("read changes for pull from %s: %v", msg.SiteID, err)
		return
	}
	v, err := p.store.GetVersion(ctx)
	if err != nil {
		log.Errorf("get local version for pull response: %v", err)
		return
	}
	if err := p.sendMessage(syncproto.Update(p.store.SiteID(), v, changes)); err != nil {
		log.Errorf("send pull response: %v", err)
	}
}

// NotifyLocalChange tells the peer a local write happened, so any pending
// local changes should be pushed once the coalescing window elapses. Safe
// to call frequently; concurrent calls within the window collapse into one
// push.
func (p *Peer) NotifyLocalChange(ctx context.Context) {
	p.scheduler.ScheduleAsync("push", func() { p.pushLocalChanges(ctx) })
}

func (p *Peer) pushLocalChanges(ctx context.Context) {
	if p.State() != StateSteady {
		return
	}
	since, err := p.store.LastTrackedVersionFor(ctx, p.remoteSiteIDSafe(), crdtschema.DirectionSent)
	if err != nil {
		log.Errorf("read last pushed version: %v", err)
		return
	}
	changes, err := p.store.ClientChangesSince(ctx, since)
	if err != nil {
		log.Errorf("read local changes to push: %v", err)
		return
	}
	if len(changes) == 0 {
		return
	}
	v, err := p.store.GetVersion(ctx)
	if err != nil {
		log.Errorf("get local version to push: %v", err)
		return
	}
	if err := p.sendMessage(syncproto.Update(p.store.SiteID(), v, changes)); err != nil {
		log.Errorf("push local changes: %v", err)
	}
}

func (p *Peer) remoteSiteIDSafe() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSiteID
}

func (p *Peer) sendMessage(msg syncproto.Message) error {
	data, err := syncproto.Encode(msg)
	if err != nil {
		return fmt.Errorf("peersync: encode %s: %w", msg.Type, err)
	}
	return p.transport.Send(data)
}

func affectedTables(changes []syncproto.Change) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range changes {
		if !seen[c.Table] {
			seen[c.Table] = true
			out = append(out, c.Table)
		}
	}
	return out
}
