package crdtschema

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, EnsureCoreTables(context.Background(), db))
	return db
}

func TestIntrospectSingleColumnPK(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	_, err := db.ExecContext(ctx, `CREATE TABLE todos (id TEXT PRIMARY KEY, title TEXT, done INTEGER)`)
	require.NoError(t, err)

	info, err := Introspect(ctx, db, "todos")
	require.NoError(t, err)
	require.Equal(t, []string{"id"}, info.PrimaryKey)

	nonPK := info.NonPKColumns()
	require.Len(t, nonPK, 2)
	names := []string{nonPK[0].Name, nonPK[1].Name}
	require.ElementsMatch(t, []string{"title", "done"}, names)
}

func TestIntrospectCompositePKOrdering(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	// Declare the PK columns out of alphabetical order to confirm Introspect
	// reports declaration order, not some other ordering.
	_, err := db.ExecContext(ctx, `
		CREATE TABLE memberships (
			org_id TEXT,
			user_id TEXT,
			role TEXT,
			PRIMARY KEY (user_id, org_id)
		)`)
	require.NoError(t, err)

	info, err := Introspect(ctx, db, "memberships")
	require.NoError(t, err)
	require.Equal(t, []string{"user_id", "org_id"}, info.PrimaryKey)
	require.Len(t, info.NonPKColumns(), 1)
	require.Equal(t, "role", info.NonPKColumns()[0].Name)
}

func TestIntrospectMissingTable(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	_, err := Introspect(ctx, db, "nope")
	require.Error(t, err)
}

func TestIntrospectTableWithNoPrimaryKey(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	_, err := db.ExecContext(ctx, `CREATE TABLE events (name TEXT, payload TEXT)`)
	require.NoError(t, err)

	_, err = Introspect(ctx, db, "events")
	require.Error(t, err)
}

func seedSiteID(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.ExecContext(context.Background(),
		`INSERT OR IGNORE INTO crdt_site_id (id, only_row) VALUES ('site-a', 0)`)
	require.NoError(t, err)
}

func TestEnsureTriggersSingleColumnPKEmitsChanges(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedSiteID(t, db)
	_, err := db.ExecContext(ctx, `CREATE TABLE todos (id TEXT PRIMARY KEY, title TEXT, done INTEGER)`)
	require.NoError(t, err)

	info, err := Introspect(ctx, db, "todos")
	require.NoError(t, err)
	require.NoError(t, EnsureTriggers(ctx, db, info))

	_, err = db.ExecContext(ctx, `INSERT INTO todos (id, title, done) VALUES ('a', 'buy milk', 0)`)
	require.NoError(t, err)

	rows, err := db.QueryContext(ctx, `SELECT cid, col_version, site_id FROM crdt_changes ORDER BY cid`)
	require.NoError(t, err)
	defer rows.Close()

	var got []string
	for rows.Next() {
		var cid, siteID string
		var colVersion int64
		require.NoError(t, rows.Scan(&cid, &colVersion, &siteID))
		require.Equal(t, int64(1), colVersion)
		require.Equal(t, "site-a", siteID)
		got = append(got, cid)
	}
	require.ElementsMatch(t, []string{"title", "done"}, got)
}

func TestEnsureTriggersCompositePKHexEncodesConcatenatedKey(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedSiteID(t, db)
	_, err := db.ExecContext(ctx, `
		CREATE TABLE memberships (
			org_id TEXT,
			user_id TEXT,
			role TEXT,
			PRIMARY KEY (user_id, org_id)
		)`)
	require.NoError(t, err)

	info, err := Introspect(ctx, db, "memberships")
	require.NoError(t, err)
	require.NoError(t, EnsureTriggers(ctx, db, info))

	_, err = db.ExecContext(ctx, `INSERT INTO memberships (org_id, user_id, role) VALUES ('o1', 'u1', 'admin')`)
	require.NoError(t, err)

	var pk string
	row := db.QueryRowContext(ctx, `SELECT pk FROM crdt_changes WHERE "table" = 'memberships' AND cid = 'role'`)
	require.NoError(t, row.Scan(&pk))
	require.NotEmpty(t, pk)

	// pk is hex("u1" || NUL || "o1"); a second row with the values swapped
	// must not collide with the first.
	_, err = db.ExecContext(ctx, `INSERT INTO memberships (org_id, user_id, role) VALUES ('u1', 'o1', 'member')`)
	require.NoError(t, err)

	var count int
	row = db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT pk) FROM crdt_changes WHERE "table" = 'memberships' AND cid = 'role'`)
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 2, count)
}

func TestEnsureTriggersUpdateOnlyBumpsChangedColumns(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedSiteID(t, db)
	_, err := db.ExecContext(ctx, `CREATE TABLE todos (id TEXT PRIMARY KEY, title TEXT, done INTEGER)`)
	require.NoError(t, err)

	info, err := Introspect(ctx, db, "todos")
	require.NoError(t, err)
	require.NoError(t, EnsureTriggers(ctx, db, info))

	_, err = db.ExecContext(ctx, `INSERT INTO todos (id, title, done) VALUES ('a', 'buy milk', 0)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE todos SET title = 'buy oat milk' WHERE id = 'a'`)
	require.NoError(t, err)

	var count int
	row := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM crdt_changes WHERE "table" = 'todos' AND cid = 'done'`)
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 1, count, "done was never touched by the update, so it should not get a second row")

	row = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM crdt_changes WHERE "table" = 'todos' AND cid = 'title'`)
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 2, count, "title changed, so insert + update each emit one row")

	var colVersion int64
	row = db.QueryRowContext(ctx, `SELECT MAX(col_version) FROM crdt_changes WHERE "table" = 'todos' AND cid = 'title'`)
	require.NoError(t, row.Scan(&colVersion))
	require.Equal(t, int64(2), colVersion)
}

func TestEnsureTriggersDeleteEmitsTombstone(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedSiteID(t, db)
	_, err := db.ExecContext(ctx, `CREATE TABLE todos (id TEXT PRIMARY KEY, title TEXT, done INTEGER)`)
	require.NoError(t, err)

	info, err := Introspect(ctx, db, "todos")
	require.NoError(t, err)
	require.NoError(t, EnsureTriggers(ctx, db, info))

	_, err = db.ExecContext(ctx, `INSERT INTO todos (id, title, done) VALUES ('a', 'buy milk', 0)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `DELETE FROM todos WHERE id = 'a'`)
	require.NoError(t, err)

	var val sql.NullString
	row := db.QueryRowContext(ctx, `SELECT val FROM crdt_changes WHERE "table" = 'todos' AND cid = ?`, TombstoneCID)
	require.NoError(t, row.Scan(&val))
	require.False(t, val.Valid)
}

func TestEnsureTriggersIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	_, err := db.ExecContext(ctx, `CREATE TABLE todos (id TEXT PRIMARY KEY, title TEXT, done INTEGER)`)
	require.NoError(t, err)

	info, err := Introspect(ctx, db, "todos")
	require.NoError(t, err)
	require.NoError(t, EnsureTriggers(ctx, db, info))
	require.NoError(t, EnsureTriggers(ctx, db, info))
}

func TestDropTriggersThenEnsureAgainRoundTrips(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedSiteID(t, db)
	_, err := db.ExecContext(ctx, `CREATE TABLE todos (id TEXT PRIMARY KEY, title TEXT, done INTEGER)`)
	require.NoError(t, err)

	info, err := Introspect(ctx, db, "todos")
	require.NoError(t, err)
	require.NoError(t, EnsureTriggers(ctx, db, info))
	require.NoError(t, DropTriggers(ctx, db, "todos"))

	_, err = db.ExecContext(ctx, `INSERT INTO todos (id, title, done) VALUES ('a', 'buy milk', 0)`)
	require.NoError(t, err)

	var count int
	row := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM crdt_changes`)
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 0, count, "with triggers dropped, inserts must not emit change rows")

	require.NoError(t, EnsureTriggers(ctx, db, info))
	_, err = db.ExecContext(ctx, `INSERT INTO todos (id, title, done) VALUES ('b', 'eggs', 0)`)
	require.NoError(t, err)

	row = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM crdt_changes`)
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 2, count, "triggers reinstalled, next insert should emit its two change rows")
}

func TestEnsureTriggersTableWithNoNonPKColumnsErrors(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	_, err := db.ExecContext(ctx, `CREATE TABLE tags (name TEXT PRIMARY KEY)`)
	require.NoError(t, err)

	info, err := Introspect(ctx, db, "tags")
	require.NoError(t, err)
	require.Error(t, EnsureTriggers(ctx, db, info))
}
