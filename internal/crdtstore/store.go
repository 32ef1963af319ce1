package crdtstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crdtsync/crdtsync/internal/crdtschema"
	"github.com/crdtsync/crdtsync/internal/logging"
	"github.com/crdtsync/crdtsync/internal/syncproto"

	_ "modernc.org/sqlite"
)

var log = logging.New("crdtstore")

// Store owns the SQL handle, the cached site id, and the enrolled-table
// registry needed to disable and recreate triggers around a merge.
type Store struct {
	db     *sql.DB
	siteID string

	tables map[string]crdtschema.TableInfo // enrolled tables, by name
}

// Open opens (creating if necessary) the SQLite database at path, ensures
// the CRDT bookkeeping tables exist, and loads or generates the site id.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := sqliteConnString(path, false)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("crdtstore: open %s: %w", path, err)
	}
	// The CRDT bookkeeping writes (db_version bump + trigger inserts) must
	// serialize through a single connection so BEGIN IMMEDIATE actually
	// gates concurrent writers; see withTx.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("crdtstore: ping %s: %w", path, err)
	}

	if err := crdtschema.EnsureCoreTables(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	siteID, err := ensureSiteID(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, siteID: siteID, tables: make(map[string]crdtschema.TableInfo)}, nil
}

// ensureSiteID reads the persisted site id, generating and storing a fresh
// one on first run. A site id is generated once and never mutated
// afterward.
func ensureSiteID(ctx context.Context, db *sql.DB) (string, error) {
	var id string
	err := db.QueryRowContext(ctx, `SELECT id FROM crdt_site_id WHERE only_row = 0`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", wrapDBError("read site id", err)
	}

	id = uuid.NewString()
	if _, err := db.ExecContext(ctx, `INSERT INTO crdt_site_id (id, only_row) VALUES (?, 0)`, id); err != nil {
		return "", wrapDBError("persist site id", err)
	}
	return id, nil
}

// SiteID returns this node's stable identifier.
func (s *Store) SiteID() string { return s.siteID }

// DB returns the underlying handle for user-table DDL and reads that fall
// outside this package's contract.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnrollTable introspects table and installs its CRDT triggers. Must be
// called once per user table before writes to it are expected to produce
// change rows.
func (s *Store) EnrollTable(ctx context.Context, table string) error {
	info, err := crdtschema.Introspect(ctx, s.db, table)
	if err != nil {
		return err
	}
	if err := crdtschema.EnsureTriggers(ctx, s.db, info); err != nil {
		return err
	}
	s.tables[table] = info
	return nil
}

// GetVersion returns the local db version.
func (s *Store) GetVersion(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM crdt_db_version WHERE only_row = 0`).Scan(&v)
	return v, wrapDBError("get version", err)
}

// ChangesSince returns every change row with db_version > v. Row order is
// unspecified.
func (s *Store) ChangesSince(ctx context.Context, v int64) ([]syncproto.Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT "table", pk, cid, val, col_version, db_version, site_id, cl, seq
		FROM crdt_changes WHERE db_version > ?`, v)
	if err != nil {
		return nil, wrapDBError("changes since", err)
	}
	return scanChanges(rows)
}

// ClientChangesSince returns changes since v that originated on this site.
func (s *Store) ClientChangesSince(ctx context.Context, v int64) ([]syncproto.Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT "table", pk, cid, val, col_version, db_version, site_id, cl, seq
		FROM crdt_changes WHERE db_version > ? AND site_id = ?`, v, s.siteID)
	if err != nil {
		return nil, wrapDBError("client changes since", err)
	}
	return scanChanges(rows)
}

// ChangesSinceExcluding returns changes since v that did NOT originate from
// excludeSiteID. Used by handlePull to avoid echoing a peer's own changes
// back to it.
func (s *Store) ChangesSinceExcluding(ctx context.Context, v int64, excludeSiteID string) ([]syncproto.Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT "table", pk, cid, val, col_version, db_version, site_id, cl, seq
		FROM crdt_changes WHERE db_version > ? AND site_id != ?`, v, excludeSiteID)
	if err != nil {
		return nil, wrapDBError("changes since excluding", err)
	}
	return scanChanges(rows)
}

func scanChanges(rows *sql.Rows) ([]syncproto.Change, error) {
	defer func() { _ = rows.Close() }()
	var out []syncproto.Change
	for rows.Next() {
		var c syncproto.Change
		var val sql.NullString
		if err := rows.Scan(&c.Table, &c.PK, &c.CID, &val, &c.ColVersion, &c.DBVersion, &c.SiteID, &c.CL, &c.Seq); err != nil {
			return nil, wrapDBError("scan change", err)
		}
		c.Val = val.String
		out = append(out, c)
	}
	return out, wrapDBError("iterate changes", rows.Err())
}

// LastTrackedVersionFor returns the highest db_version we have exchanged
// with peer in the given direction, or zero if unknown.
func (s *Store) LastTrackedVersionFor(ctx context.Context, peerSiteID, direction string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `
		SELECT version FROM crdt_tracked_peers WHERE site_id = ? AND tag = ? AND event = ?`,
		peerSiteID, crdtschema.TagPeer, direction).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, wrapDBError("last tracked version", err)
}

// InsertTrackedPeer upserts the tracked version for peer/direction. The
// stored version never decreases: the upsert takes the max of the existing
// and incoming value.
func (s *Store) InsertTrackedPeer(ctx context.Context, peerSiteID string, version int64, direction string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crdt_tracked_peers (site_id, tag, event, version) VALUES (?, ?, ?, ?)
		ON CONFLICT (site_id, tag, event) DO UPDATE SET version = MAX(version, excluded.version)`,
		peerSiteID, crdtschema.TagPeer, direction, version)
	return wrapDBError("insert tracked peer", err)
}

// beginImmediateWithRetry starts an IMMEDIATE transaction on conn, retrying
// a bounded number of times on SQLITE_BUSY. Grounded on
// internal/storage/sqlite's transaction helper: database/sql's BeginTx
// cannot express SQLite's IMMEDIATE lock mode, and modernc.org/sqlite's
// BeginTx always opens DEFERRED, so the mode is set with a raw statement
// instead.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn) error {
	const maxAttempts = 5
	backoff := 10 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		lastErr = err
		if !strings.Contains(err.Error(), "SQLITE_BUSY") && !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("begin immediate: %w (after %d attempts)", lastErr, maxAttempts)
}

// withTx acquires a dedicated connection and runs fn inside a BEGIN
// IMMEDIATE transaction on it, committing on success and rolling back on
// any error or panic. Raw BEGIN/COMMIT/ROLLBACK statements are used rather
// than database/sql's Tx because BeginTx cannot open an IMMEDIATE
// transaction (see beginImmediateWithRetry); withTriggersDisabled drops and
// recreates triggers on this same connection inside the transaction.
func (s *Store) withTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("crdtstore: acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn); err != nil {
		return fmt.Errorf("crdtstore: begin immediate: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(conn); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("crdtstore: commit: %w", err)
	}
	committed = true
	return nil
}

// withTriggersDisabled drops every enrolled table's CRDT triggers for the
// duration of fn and recreates them afterward, regardless of fn's outcome.
// Merging remote changes must not fire user-table triggers, or the local
// db_version would inflate from what is really a remote write.
func (s *Store) withTriggersDisabled(ctx context.Context, conn *sql.Conn, fn func() error) error {
	tables := make([]string, 0, len(s.tables))
	for name := range s.tables {
		tables = append(tables, name)
	}
	sort.Strings(tables) // deterministic drop/recreate order for tests

	for _, name := range tables {
		if err := dropTriggersOnConn(ctx, conn, name); err != nil {
			return err
		}
	}
	defer func() {
		for _, name := range tables {
			if err := createTriggersOnConn(ctx, conn, s.tables[name]); err != nil {
				log.Errorf("failed to recreate triggers for %s: %v", name, err)
			}
		}
	}()

	return fn()
}

func dropTriggersOnConn(ctx context.Context, conn *sql.Conn, table string) error {
	return crdtschema.DropTriggers(ctx, conn, table)
}

func createTriggersOnConn(ctx context.Context, conn *sql.Conn, info crdtschema.TableInfo) error {
	return crdtschema.EnsureTriggers(ctx, conn, info)
}

// Merge applies remote changes to the change log and, for each that wins
// its (table, pk, cid) slot under the lexicographic (col_version, site_id)
// rule, writes the value through to the live user-table row. Triggers are
// disabled for the duration so the writes do not themselves generate new
// change rows or bump db_version.
func (s *Store) Merge(ctx context.Context, changes []syncproto.Change) error {
	if len(changes) == 0 {
		return nil
	}
	return s.withTx(ctx, func(conn *sql.Conn) error {
		return s.withTriggersDisabled(ctx, conn, func() error {
			for _, c := range changes {
				if err := s.mergeOne(ctx, conn, c); err != nil {
					return fmt.Errorf("crdtstore: merge %s/%s/%s: %w", c.Table, c.PK, c.CID, err)
				}
			}
			return nil
		})
	})
}

// mergeOne merges a single change row: it is recorded in crdt_changes only
// if it beats (or is absent from) the current winner for its key, and only
// a winning change is written through to the user table. A winning column
// change is not written through while the row's tombstone outranks it
// under the same (col_version, site_id) order.
func (s *Store) mergeOne(ctx context.Context, conn *sql.Conn, c syncproto.Change) error {
	info, ok := s.tables[c.Table]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, c.Table)
	}

	var current syncproto.Change
	row := conn.QueryRowContext(ctx, `
		SELECT col_version, site_id FROM crdt_changes
		WHERE "table" = ? AND pk = ? AND cid = ?
		ORDER BY col_version DESC, site_id DESC LIMIT 1`, c.Table, c.PK, c.CID)
	switch err := row.Scan(&current.ColVersion, &current.SiteID); {
	case errors.Is(err, sql.ErrNoRows):
		// no existing record for this key; any incoming change wins
	case err != nil:
		return wrapDBError("read current winner", err)
	}

	if !c.Wins(current) {
		return nil
	}

	if _, err := conn.ExecContext(ctx, `
		INSERT INTO crdt_changes ("table", pk, cid, val, col_version, db_version, site_id, cl, seq)
		VALUES (?, ?, ?, ?, ?, (SELECT version FROM crdt_db_version WHERE only_row = 0), ?, ?, ?)`,
		c.Table, c.PK, c.CID, nullableVal(c.Val, c.IsTombstone()), c.ColVersion, c.SiteID, c.CL, c.Seq); err != nil {
		return wrapDBError("insert merged change", err)
	}

	if !c.IsTombstone() {
		var tomb syncproto.Change
		err := conn.QueryRowContext(ctx, `
			SELECT col_version, site_id FROM crdt_changes
			WHERE "table" = ? AND pk = ? AND cid = ?
			ORDER BY col_version DESC, site_id DESC LIMIT 1`, c.Table, c.PK, syncproto.TombstoneCID).Scan(&tomb.ColVersion, &tomb.SiteID)
		switch {
		case err == nil && tomb.Wins(c):
			return nil
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return wrapDBError("read tombstone", err)
		}
	}

	return applyToUserTable(ctx, conn, info, c)
}

func nullableVal(val string, isTombstone bool) interface{} {
	if isTombstone {
		return nil
	}
	return val
}

// applyToUserTable writes a winning change through to the live row: a
// tombstone deletes the row by primary key, a column change upserts just
// that column.
func applyToUserTable(ctx context.Context, conn *sql.Conn, info crdtschema.TableInfo, c syncproto.Change) error {
	pk, err := syncproto.HexToPK(c.PK)
	if err != nil {
		return fmt.Errorf("decode pk: %w", err)
	}
	pkVals, err := splitCompositePK(pk, info.PrimaryKey)
	if err != nil {
		return err
	}

	table := quoteIdentStore(info.Name)
	if c.IsTombstone() {
		where, args := pkWhereClause(info.PrimaryKey, pkVals)
		_, err := conn.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s`, table, where), args...)
		return wrapDBError("apply tombstone", err)
	}

	where, whereArgs := pkWhereClause(info.PrimaryKey, pkVals)
	col := quoteIdentStore(c.CID)
	updateSQL := fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s`, table, col, where)
	args := append([]interface{}{c.Val}, whereArgs...)
	res, err := conn.ExecContext(ctx, updateSQL, args...)
	if err != nil {
		return wrapDBError("apply column update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("rows affected", err)
	}
	if n > 0 {
		return nil
	}

	// Row does not exist locally yet (first time we've heard of this pk):
	// insert a new row with just this column and its primary key set.
	cols := append(append([]string{}, info.PrimaryKey...), c.CID)
	placeholders := make([]string, len(cols))
	insertArgs := make([]interface{}, 0, len(cols))
	for i, col := range info.PrimaryKey {
		placeholders[i] = "?"
		insertArgs = append(insertArgs, pkVals[col])
	}
	placeholders[len(cols)-1] = "?"
	insertArgs = append(insertArgs, c.Val)

	quotedCols := make([]string, len(cols))
	for i, col := range cols {
		quotedCols[i] = quoteIdentStore(col)
	}
	insertSQL := fmt.Sprintf(`INSERT OR IGNORE INTO %s (%s) VALUES (%s)`,
		table, strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "))
	_, err = conn.ExecContext(ctx, insertSQL, insertArgs...)
	return wrapDBError("insert new row for column update", err)
}

func pkWhereClause(pk []string, vals map[string]string) (string, []interface{}) {
	clauses := make([]string, len(pk))
	args := make([]interface{}, len(pk))
	for i, col := range pk {
		clauses[i] = quoteIdentStore(col) + " = ?"
		args[i] = vals[col]
	}
	return strings.Join(clauses, " AND "), args
}

// splitCompositePK reverses the crdtschema NUL-joined primary key encoding,
// mapping the decoded string back to {column name: value}. For a
// single-column key the decoded string is used whole.
func splitCompositePK(decoded string, pk []string) (map[string]string, error) {
	if len(pk) == 1 {
		return map[string]string{pk[0]: decoded}, nil
	}
	parts := strings.Split(decoded, "\x00")
	if len(parts) != len(pk) {
		return nil, fmt.Errorf("decoded primary key has %d parts, want %d", len(parts), len(pk))
	}
	out := make(map[string]string, len(pk))
	for i, col := range pk {
		out[col] = parts[i]
	}
	return out, nil
}

func quoteIdentStore(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// BulkLoad installs every change as the authoritative record for its key
// without the per-key Wins comparison Merge performs, for the initial
// bootstrap transfer to a freshly-joined peer. Triggers are disabled for
// the same reason as Merge.
func (s *Store) BulkLoad(ctx context.Context, changes []syncproto.Change) error {
	if len(changes) == 0 {
		return nil
	}
	return s.withTx(ctx, func(conn *sql.Conn) error {
		return s.withTriggersDisabled(ctx, conn, func() error {
			for _, c := range changes {
				if _, err := conn.ExecContext(ctx, `
					INSERT INTO crdt_changes ("table", pk, cid, val, col_version, db_version, site_id, cl, seq)
					VALUES (?, ?, ?, ?, ?, (SELECT version FROM crdt_db_version WHERE only_row = 0), ?, ?, ?)`,
					c.Table, c.PK, c.CID, nullableVal(c.Val, c.IsTombstone()), c.ColVersion, c.SiteID, c.CL, c.Seq); err != nil {
					return wrapDBError("insert bulk-loaded change", err)
				}
				info, ok := s.tables[c.Table]
				if !ok {
					return fmt.Errorf("%w: %s", ErrUnknownTable, c.Table)
				}
				if err := applyToUserTable(ctx, conn, info, c); err != nil {
					return fmt.Errorf("crdtstore: bulk load %s/%s/%s: %w", c.Table, c.PK, c.CID, err)
				}
			}
			return nil
		})
	})
}
