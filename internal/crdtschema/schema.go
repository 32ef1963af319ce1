// Package crdtschema declares the CRDT bookkeeping tables and the
// per-user-table triggers that populate the change log. Its job ends at DDL
// generation and execution; internal/crdtstore owns reading the resulting
// tables.
//
// Grounded on internal/storage/sqlite/migrations: small, independently
// applied SQL statements guarded by IF NOT EXISTS / CREATE TABLE IF NOT
// EXISTS, the same defensive style used there for additive schema changes.
package crdtschema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// execer is satisfied by both *sql.DB and *sql.Conn, so trigger DDL can run
// either during normal startup or pinned to the connection a merge holds
// its transaction on.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// coreTableDDL creates the four CRDT tables and their two indexes.
// Statements are idempotent so EnsureCoreTables can run on every startup.
const coreTableDDL = `
CREATE TABLE IF NOT EXISTS crdt_site_id (
	id TEXT NOT NULL,
	only_row INTEGER PRIMARY KEY CHECK (only_row = 0)
);

CREATE TABLE IF NOT EXISTS crdt_db_version (
	version INTEGER NOT NULL,
	only_row INTEGER PRIMARY KEY CHECK (only_row = 0)
);

CREATE TABLE IF NOT EXISTS crdt_changes (
	"table" TEXT NOT NULL,
	pk TEXT NOT NULL,
	cid TEXT NOT NULL,
	val TEXT,
	col_version INTEGER NOT NULL,
	db_version INTEGER NOT NULL,
	site_id TEXT NOT NULL,
	cl INTEGER NOT NULL DEFAULT 1,
	seq INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY ("table", pk, cid, db_version, site_id)
);

CREATE TABLE IF NOT EXISTS crdt_tracked_peers (
	site_id TEXT NOT NULL,
	tag TEXT NOT NULL,
	event TEXT NOT NULL,
	version INTEGER NOT NULL,
	PRIMARY KEY (site_id, tag, event)
);

CREATE INDEX IF NOT EXISTS idx_crdt_changes_db_version ON crdt_changes(db_version);
CREATE INDEX IF NOT EXISTS idx_crdt_changes_site_id ON crdt_changes(site_id, db_version);
`

// Direction and tag constants for crdt_tracked_peers rows.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
	TagPeer           = "peer"
)

// TombstoneCID is the sentinel column id denoting a row tombstone.
const TombstoneCID = "-1"

// EnsureCoreTables creates the CRDT bookkeeping tables and indexes if they
// do not already exist, and seeds crdt_db_version's single row to 0.
func EnsureCoreTables(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, coreTableDDL); err != nil {
		return fmt.Errorf("crdtschema: create core tables: %w", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO crdt_db_version (version, only_row) VALUES (0, 0)`); err != nil {
		return fmt.Errorf("crdtschema: seed db_version: %w", err)
	}
	return nil
}

// ColumnInfo describes one column of a user table, as read from
// PRAGMA table_info.
type ColumnInfo struct {
	Name string
	Type string
	PK   bool // part of the primary key (possibly composite)
}

// TableInfo is the introspected shape of a user table.
type TableInfo struct {
	Name       string
	Columns    []ColumnInfo
	PrimaryKey []string // column names, in declared PK order
}

// NonPKColumns returns the columns that are not part of the primary key —
// the set the insert/update triggers emit one change row per.
func (t TableInfo) NonPKColumns() []ColumnInfo {
	out := make([]ColumnInfo, 0, len(t.Columns))
	for _, c := range t.Columns {
		if !c.PK {
			out = append(out, c)
		}
	}
	return out
}

// Introspect reads a live table's columns and primary key via PRAGMA
// table_info, so triggers can be generated for any schema shape instead of
// assuming a single "id" column; composite primary keys are supported.
func Introspect(ctx context.Context, db *sql.DB, table string) (TableInfo, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return TableInfo{}, fmt.Errorf("crdtschema: introspect %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	info := TableInfo{Name: table}
	type pkCol struct {
		name string
		seq  int
	}
	var pkCols []pkCol

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return TableInfo{}, fmt.Errorf("crdtschema: scan table_info(%s): %w", table, err)
		}
		info.Columns = append(info.Columns, ColumnInfo{Name: name, Type: colType, PK: pk > 0})
		if pk > 0 {
			pkCols = append(pkCols, pkCol{name: name, seq: pk})
		}
	}
	if err := rows.Err(); err != nil {
		return TableInfo{}, fmt.Errorf("crdtschema: iterate table_info(%s): %w", table, err)
	}
	if len(info.Columns) == 0 {
		return TableInfo{}, fmt.Errorf("crdtschema: table %s has no columns (does it exist?)", table)
	}

	// PRAGMA table_info's pk column numbers primary key members in
	// declaration order starting at 1; sort by that to get composite-key
	// ordering right instead of assuming a single "id" column.
	for i := 1; i <= len(pkCols); i++ {
		for _, c := range pkCols {
			if c.seq == i {
				info.PrimaryKey = append(info.PrimaryKey, c.name)
				break
			}
		}
	}
	if len(info.PrimaryKey) == 0 {
		return TableInfo{}, fmt.Errorf("crdtschema: table %s has no primary key", table)
	}
	return info, nil
}

// quoteIdent quotes a SQLite identifier for safe interpolation into
// generated trigger SQL. Table and column names come only from
// Introspect's PRAGMA read, never from untrusted input.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// pkExpr builds the "hex-encoded primary key" expression for a trigger body,
// concatenating composite key columns with a NUL separator before hex
// encoding so distinct key tuples never collide once hex-encoded.
func pkExpr(pk []string, ref string) string {
	if len(pk) == 1 {
		return fmt.Sprintf("hex(%s.%s)", ref, quoteIdent(pk[0]))
	}
	parts := make([]string, len(pk))
	for i, col := range pk {
		parts[i] = fmt.Sprintf("CAST(%s.%s AS TEXT)", ref, quoteIdent(col))
	}
	return "hex(" + strings.Join(parts, " || char(0) || ") + ")"
}

// EnsureTriggers installs the insert/update/delete triggers for table.
// Column and primary-key shape comes from Introspect. Triggers are created
// with CREATE TRIGGER IF NOT EXISTS so re-enrolling an already-enrolled
// table is a no-op.
func EnsureTriggers(ctx context.Context, db execer, info TableInfo) error {
	pk := info.PrimaryKey
	pkNew := pkExpr(pk, "NEW")
	pkOld := pkExpr(pk, "OLD")
	table := quoteIdent(info.Name)
	nonPK := info.NonPKColumns()
	if len(nonPK) == 0 {
		return fmt.Errorf("crdtschema: table %s has no non-primary-key columns to track", info.Name)
	}

	var b strings.Builder

	// Insert trigger: bump db_version once, then one change row per
	// non-PK column at col_version = 1.
	fmt.Fprintf(&b, "CREATE TRIGGER IF NOT EXISTS crdt_trig_%s_insert\n", info.Name)
	fmt.Fprintf(&b, "AFTER INSERT ON %s\nBEGIN\n", table)
	b.WriteString("  UPDATE crdt_db_version SET version = version + 1 WHERE only_row = 0;\n")
	for _, col := range nonPK {
		fmt.Fprintf(&b, "  INSERT INTO crdt_changes (\"table\", pk, cid, val, col_version, db_version, site_id, cl, seq)\n")
		fmt.Fprintf(&b, "    SELECT %q, %s, %q, CAST(NEW.%s AS TEXT), 1,\n",
			info.Name, pkNew, col.Name, quoteIdent(col.Name))
		b.WriteString("      (SELECT version FROM crdt_db_version WHERE only_row = 0),\n")
		b.WriteString("      (SELECT id FROM crdt_site_id WHERE only_row = 0), 1, 0;\n")
	}
	b.WriteString("END;\n\n")

	// Update trigger: bump db_version once, then one change row per
	// non-PK column whose value actually changed, with col_version bumped
	// to 1 + max(prior col_version) for that (table,pk,cid).
	fmt.Fprintf(&b, "CREATE TRIGGER IF NOT EXISTS crdt_trig_%s_update\n", info.Name)
	fmt.Fprintf(&b, "AFTER UPDATE ON %s\nBEGIN\n", table)
	b.WriteString("  UPDATE crdt_db_version SET version = version + 1 WHERE only_row = 0;\n")
	for _, col := range nonPK {
		fmt.Fprintf(&b, "  INSERT INTO crdt_changes (\"table\", pk, cid, val, col_version, db_version, site_id, cl, seq)\n")
		fmt.Fprintf(&b, "    SELECT %q, %s, %q, CAST(NEW.%s AS TEXT),\n",
			info.Name, pkNew, col.Name, quoteIdent(col.Name))
		fmt.Fprintf(&b, "      1 + COALESCE((SELECT MAX(col_version) FROM crdt_changes WHERE \"table\" = %q AND pk = %s AND cid = %q), 0),\n",
			info.Name, pkNew, col.Name)
		b.WriteString("      (SELECT version FROM crdt_db_version WHERE only_row = 0),\n")
		b.WriteString("      (SELECT id FROM crdt_site_id WHERE only_row = 0), 1, 0\n")
		fmt.Fprintf(&b, "    WHERE NEW.%s IS NOT OLD.%s OR (NEW.%s IS NULL) IS NOT (OLD.%s IS NULL);\n",
			quoteIdent(col.Name), quoteIdent(col.Name), quoteIdent(col.Name), quoteIdent(col.Name))
	}
	b.WriteString("END;\n\n")

	// Delete trigger: bump db_version, append one tombstone row.
	fmt.Fprintf(&b, "CREATE TRIGGER IF NOT EXISTS crdt_trig_%s_delete\n", info.Name)
	fmt.Fprintf(&b, "AFTER DELETE ON %s\nBEGIN\n", table)
	b.WriteString("  UPDATE crdt_db_version SET version = version + 1 WHERE only_row = 0;\n")
	fmt.Fprintf(&b, "  INSERT INTO crdt_changes (\"table\", pk, cid, val, col_version, db_version, site_id, cl, seq)\n")
	fmt.Fprintf(&b, "    SELECT %q, %s, %q, NULL,\n", info.Name, pkOld, TombstoneCID)
	fmt.Fprintf(&b, "      1 + COALESCE((SELECT MAX(col_version) FROM crdt_changes WHERE \"table\" = %q AND pk = %s AND cid = %q), 0),\n",
		info.Name, pkOld, TombstoneCID)
	b.WriteString("      (SELECT version FROM crdt_db_version WHERE only_row = 0),\n")
	b.WriteString("      (SELECT id FROM crdt_site_id WHERE only_row = 0), 1, 0;\n")
	b.WriteString("END;\n")

	if _, err := db.ExecContext(ctx, b.String()); err != nil {
		return fmt.Errorf("crdtschema: install triggers for %s: %w", info.Name, err)
	}
	return nil
}

// DropTriggers removes a table's three CRDT triggers, e.g. while a bulk
// load or merge needs to bypass them (see internal/crdtstore.withTriggersDisabled).
func DropTriggers(ctx context.Context, db execer, table string) error {
	stmts := []string{
		fmt.Sprintf("DROP TRIGGER IF EXISTS crdt_trig_%s_insert", table),
		fmt.Sprintf("DROP TRIGGER IF EXISTS crdt_trig_%s_update", table),
		fmt.Sprintf("DROP TRIGGER IF EXISTS crdt_trig_%s_delete", table),
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("crdtschema: drop triggers for %s: %w", table, err)
		}
	}
	return nil
}
