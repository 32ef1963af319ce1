package crdtstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crdtsync/crdtsync/internal/syncproto"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.DB().ExecContext(context.Background(), `
		CREATE TABLE todos (id TEXT PRIMARY KEY, title TEXT, done INTEGER)`)
	require.NoError(t, err)

	require.NoError(t, s.EnrollTable(context.Background(), "todos"))
	return s
}

func TestInsertBumpsVersionAndEmitsChanges(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	v0, err := s.GetVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), v0)

	_, err = s.DB().ExecContext(ctx, `INSERT INTO todos (id, title, done) VALUES ('a', 'buy milk', 0)`)
	require.NoError(t, err)

	v1, err := s.GetVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), v1)

	changes, err := s.ChangesSince(ctx, 0)
	require.NoError(t, err)
	require.Len(t, changes, 2) // one per non-PK column: title, done
	for _, c := range changes {
		require.Equal(t, "todos", c.Table)
		require.Equal(t, int64(1), c.ColVersion)
		require.Equal(t, s.SiteID(), c.SiteID)
	}
}

func TestUpdateBumpsColVersionOnlyForChangedColumns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.DB().ExecContext(ctx, `INSERT INTO todos (id, title, done) VALUES ('a', 'buy milk', 0)`)
	require.NoError(t, err)

	_, err = s.DB().ExecContext(ctx, `UPDATE todos SET title = 'buy oat milk' WHERE id = 'a'`)
	require.NoError(t, err)

	changes, err := s.ChangesSince(ctx, 1)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, "title", changes[0].CID)
	require.Equal(t, int64(2), changes[0].ColVersion)
}

func TestDeleteEmitsTombstone(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.DB().ExecContext(ctx, `INSERT INTO todos (id, title, done) VALUES ('a', 'buy milk', 0)`)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, `DELETE FROM todos WHERE id = 'a'`)
	require.NoError(t, err)

	changes, err := s.ChangesSince(ctx, 1)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.True(t, changes[0].IsTombstone())
}

func TestMergeAppliesWinningChangeToUserTable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.DB().ExecContext(ctx, `INSERT INTO todos (id, title, done) VALUES ('a', 'buy milk', 0)`)
	require.NoError(t, err)

	remote := syncproto.Change{
		Table: "todos", PK: syncproto.PKToHex("a"), CID: "title",
		Val: "buy oat milk", ColVersion: 5, DBVersion: 1, SiteID: "remote-site", CL: 1,
	}
	require.NoError(t, s.Merge(ctx, []syncproto.Change{remote}))

	var title string
	err = s.DB().QueryRowContext(ctx, `SELECT title FROM todos WHERE id = 'a'`).Scan(&title)
	require.NoError(t, err)
	require.Equal(t, "buy oat milk", title)
}

func TestMergeRejectsLosingChange(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.DB().ExecContext(ctx, `INSERT INTO todos (id, title, done) VALUES ('a', 'buy milk', 0)`)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, `UPDATE todos SET title = 'buy oat milk' WHERE id = 'a'`)
	require.NoError(t, err) // local col_version now 2

	stale := syncproto.Change{
		Table: "todos", PK: syncproto.PKToHex("a"), CID: "title",
		Val: "stale value", ColVersion: 1, DBVersion: 1, SiteID: "remote-site", CL: 1,
	}
	require.NoError(t, s.Merge(ctx, []syncproto.Change{stale}))

	var title string
	err = s.DB().QueryRowContext(ctx, `SELECT title FROM todos WHERE id = 'a'`).Scan(&title)
	require.NoError(t, err)
	require.Equal(t, "buy oat milk", title)
}

func TestMergeTombstoneBeatsLaterLowerPriorityUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.DB().ExecContext(ctx, `INSERT INTO todos (id, title, done) VALUES ('a', 'buy milk', 0)`)
	require.NoError(t, err)

	tombstone := syncproto.Change{
		Table: "todos", PK: syncproto.PKToHex("a"), CID: syncproto.TombstoneCID,
		ColVersion: 5, DBVersion: 1, SiteID: "remote-site", CL: 1,
	}
	require.NoError(t, s.Merge(ctx, []syncproto.Change{tombstone}))

	var id string
	err = s.DB().QueryRowContext(ctx, `SELECT id FROM todos WHERE id = 'a'`).Scan(&id)
	require.ErrorIs(t, err, sql.ErrNoRows)

	// A later title change that beats the local title (col_version 2 > 1)
	// but ranks below the tombstone (2 < 5) must not bring the row back.
	later := syncproto.Change{
		Table: "todos", PK: syncproto.PKToHex("a"), CID: "title",
		Val: "resurrected", ColVersion: 2, DBVersion: 2, SiteID: "remote-site", CL: 1,
	}
	require.NoError(t, s.Merge(ctx, []syncproto.Change{later}))

	err = s.DB().QueryRowContext(ctx, `SELECT id FROM todos WHERE id = 'a'`).Scan(&id)
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestMergeDoesNotInflateLocalDBVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	before, err := s.GetVersion(ctx)
	require.NoError(t, err)

	remote := syncproto.Change{
		Table: "todos", PK: syncproto.PKToHex("a"), CID: "title",
		Val: "hi", ColVersion: 1, DBVersion: 1, SiteID: "remote-site", CL: 1,
	}
	require.NoError(t, s.Merge(ctx, []syncproto.Change{remote}))

	after, err := s.GetVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestTrackedPeerVersionNeverDecreases(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.InsertTrackedPeer(ctx, "peer-a", 10, "sent"))
	v, err := s.LastTrackedVersionFor(ctx, "peer-a", "sent")
	require.NoError(t, err)
	require.Equal(t, int64(10), v)

	require.NoError(t, s.InsertTrackedPeer(ctx, "peer-a", 3, "sent"))
	v, err = s.LastTrackedVersionFor(ctx, "peer-a", "sent")
	require.NoError(t, err)
	require.Equal(t, int64(10), v)
}
