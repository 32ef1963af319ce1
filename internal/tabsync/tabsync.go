// Package tabsync fans a local write out to sibling processes sharing the
// same database file (the "tabs" of one browser-tab-per-site analogy: many
// processes on one machine, one sqlite file). It carries just enough
// information for a sibling to know which tables to refresh; it does not
// carry the changes themselves since siblings share the same file.
//
// Grounded on internal/eventbus/bus.go's Handler-registration dispatcher,
// adapted from in-process Dispatch to github.com/nats-io/nats.go core
// publish/subscribe so dispatch crosses process boundaries. JetStream is
// deliberately not used: tab broadcasts are fire-and-forget UI hints, not
// data that must survive a dead subscriber, so plain pub/sub fits better
// than JetStream's persistence.
package tabsync

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/crdtsync/crdtsync/internal/logging"
)

var log = logging.New("tabsync")

// Notification is what one sibling tells the others: a set of tables that
// changed and should be re-read.
type Notification struct {
	Origin string   `json:"origin"` // instance id of the sender, for loop prevention
	Tables []string `json:"tables"`
}

// TabSyncer broadcasts table-changed notifications to, and receives them
// from, sibling processes on the same NATS subject.
type TabSyncer struct {
	nc      *nats.Conn
	subject string
	origin  string

	mu   sync.Mutex
	subs []*nats.Subscription
}

// New connects to a NATS server at url and returns a TabSyncer broadcasting
// on subject; syncd run derives it from the shared database's site id so
// siblings sharing a file also share a subject.
func New(url, subject string) (*TabSyncer, error) {
	nc, err := nats.Connect(url, nats.Name("crdtsync-tabsync"))
	if err != nil {
		return nil, fmt.Errorf("tabsync: connect %s: %w", url, err)
	}
	return &TabSyncer{nc: nc, subject: subject, origin: uuid.NewString()}, nil
}

// Broadcast tells siblings that tables changed locally.
func (t *TabSyncer) Broadcast(tables []string) error {
	if len(tables) == 0 {
		return nil
	}
	data, err := json.Marshal(Notification{Origin: t.origin, Tables: tables})
	if err != nil {
		return fmt.Errorf("tabsync: marshal notification: %w", err)
	}
	return t.nc.Publish(t.subject, data)
}

// OnNotification registers fn to be called whenever a sibling broadcasts a
// notification that did not originate from this TabSyncer instance.
// Filtering out our own broadcasts keeps a process from reacting to its own
// announcements; not re-announcing a received change is left to the
// coordinator's SourceTab routing.
func (t *TabSyncer) OnNotification(fn func(tables []string)) error {
	sub, err := t.nc.Subscribe(t.subject, func(msg *nats.Msg) {
		var n Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			log.Warnf("decode tab notification: %v", err)
			return
		}
		if n.Origin == t.origin {
			return
		}
		fn(n.Tables)
	})
	if err != nil {
		return fmt.Errorf("tabsync: subscribe %s: %w", t.subject, err)
	}
	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
	return nil
}

// Close unsubscribes and closes the NATS connection.
func (t *TabSyncer) Close() error {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	t.nc.Close()
	return nil
}
