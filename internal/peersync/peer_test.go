package peersync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crdtsync/crdtsync/internal/crdtstore"
	"github.com/crdtsync/crdtsync/internal/transport"
)

// pipeTransport connects two Peers directly in-process, for tests that
// don't need a real socket.
type pipeTransport struct {
	h    transport.Handlers
	peer *pipeTransport
}

func newPipe() (*pipeTransport, *pipeTransport) {
	a := &pipeTransport{}
	b := &pipeTransport{}
	a.peer, b.peer = b, a
	return a, b
}

func (t *pipeTransport) Setup(ctx context.Context, h transport.Handlers) error {
	t.h = h
	if h.OnOpen != nil {
		h.OnOpen()
	}
	return nil
}

func (t *pipeTransport) Send(data []byte) error {
	cp := append([]byte(nil), data...)
	go func() {
		if t.peer.h.OnMessage != nil {
			t.peer.h.OnMessage(cp)
		}
	}()
	return nil
}

func (t *pipeTransport) IsReady() bool { return true }
func (t *pipeTransport) Close() error  { return nil }

func newTestStoreWithTable(t *testing.T) *crdtstore.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := crdtstore.Open(context.Background(), filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.DB().ExecContext(context.Background(), `
		CREATE TABLE todos (id TEXT PRIMARY KEY, title TEXT)`)
	require.NoError(t, err)
	require.NoError(t, s.EnrollTable(context.Background(), "todos"))
	return s
}

func TestTwoPeersConvergeAfterOneSideWrites(t *testing.T) {
	ctx := context.Background()
	storeA := newTestStoreWithTable(t)
	storeB := newTestStoreWithTable(t)

	_, err := storeA.DB().ExecContext(ctx, `INSERT INTO todos (id, title) VALUES ('a', 'from A')`)
	require.NoError(t, err)

	tA, tB := newPipe()
	peerA := New(storeA, tA)
	peerB := New(storeB, tB)

	require.NoError(t, peerA.Start(ctx))
	require.NoError(t, peerB.Start(ctx))

	require.Eventually(t, func() bool {
		var title string
		err := storeB.DB().QueryRowContext(ctx, `SELECT title FROM todos WHERE id = 'a'`).Scan(&title)
		return err == nil && title == "from A"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTwoPeersWithConflictingDataConvergeViaLWW(t *testing.T) {
	ctx := context.Background()
	storeA := newTestStoreWithTable(t)
	storeB := newTestStoreWithTable(t)

	_, err := storeA.DB().ExecContext(ctx, `INSERT INTO todos (id, title) VALUES ('a', 'from A')`)
	require.NoError(t, err)
	_, err = storeB.DB().ExecContext(ctx, `INSERT INTO todos (id, title) VALUES ('a', 'from B')`)
	require.NoError(t, err)

	tA, tB := newPipe()
	peerA := New(storeA, tA)
	peerB := New(storeB, tB)

	require.NoError(t, peerA.Start(ctx))
	require.NoError(t, peerB.Start(ctx))

	// Both sides had local data before this connection's lifetime began, so
	// the first update each receives must go through Merge's Wins()
	// comparison, never an unconditional BulkLoad.
	require.True(t, peerA.hasData)
	require.True(t, peerB.hasData)

	require.Eventually(t, func() bool {
		var titleA, titleB string
		errA := storeA.DB().QueryRowContext(ctx, `SELECT title FROM todos WHERE id = 'a'`).Scan(&titleA)
		errB := storeB.DB().QueryRowContext(ctx, `SELECT title FROM todos WHERE id = 'a'`).Scan(&titleB)
		return errA == nil && errB == nil && titleA == titleB
	}, 2*time.Second, 10*time.Millisecond)

	winner := "from A"
	if storeB.SiteID() > storeA.SiteID() {
		winner = "from B"
	}

	var titleA, titleB string
	require.NoError(t, storeA.DB().QueryRowContext(ctx, `SELECT title FROM todos WHERE id = 'a'`).Scan(&titleA))
	require.NoError(t, storeB.DB().QueryRowContext(ctx, `SELECT title FROM todos WHERE id = 'a'`).Scan(&titleB))
	require.Equal(t, winner, titleA, "the higher site id's value must win under LWW, not whichever update arrived second")
	require.Equal(t, winner, titleB)
}

func TestLocalWriteAfterSteadyGetsPushed(t *testing.T) {
	ctx := context.Background()
	storeA := newTestStoreWithTable(t)
	storeB := newTestStoreWithTable(t)

	tA, tB := newPipe()
	peerA := New(storeA, tA)
	peerB := New(storeB, tB)

	require.NoError(t, peerA.Start(ctx))
	require.NoError(t, peerB.Start(ctx))

	require.Eventually(t, func() bool {
		return peerA.State() == StateSteady && peerB.State() == StateSteady
	}, 2*time.Second, 10*time.Millisecond)

	_, err := storeA.DB().ExecContext(ctx, `INSERT INTO todos (id, title) VALUES ('b', 'written after steady')`)
	require.NoError(t, err)
	peerA.NotifyLocalChange(ctx)

	require.Eventually(t, func() bool {
		var title string
		err := storeB.DB().QueryRowContext(ctx, `SELECT title FROM todos WHERE id = 'b'`).Scan(&title)
		return err == nil && title == "written after steady"
	}, 2*time.Second, 10*time.Millisecond)
}
