// Package crdtstore wraps the embedded SQL engine with the per-column CRDT
// change log: site id, db version, change log, tracked-peer bookkeeping,
// and the merge/bulk-load entry points the sync layers above it consume.
package crdtstore

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// sqliteConnString builds a modernc.org/sqlite connection string with the
// pragmas this package relies on: WAL journaling so local readers are never
// blocked by an in-flight merge, a busy_timeout so concurrent writers from
// sibling tabs retry instead of failing outright, and foreign_keys left to
// the caller's own schema. Honors CRDTSYNC_LOCK_TIMEOUT for the busy timeout
// (default 30s).
func sqliteConnString(path string, readOnly bool) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}

	busy := 30 * time.Second
	if v := strings.TrimSpace(os.Getenv("CRDTSYNC_LOCK_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			busy = d
		}
	}
	busyMs := int64(busy / time.Millisecond)

	if strings.HasPrefix(path, "file:") {
		conn := path
		sep := "?"
		if strings.Contains(conn, "?") {
			sep = "&"
		}
		if readOnly && !strings.Contains(conn, "mode=") {
			conn += sep + "mode=ro"
			sep = "&"
		}
		if !strings.Contains(conn, "_pragma=busy_timeout") {
			conn += fmt.Sprintf("%s_pragma=busy_timeout(%d)", sep, busyMs)
			sep = "&"
		}
		if !strings.Contains(conn, "_pragma=journal_mode") {
			conn += sep + "_pragma=journal_mode(WAL)"
			sep = "&"
		}
		if !strings.Contains(conn, "_pragma=synchronous") {
			conn += sep + "_pragma=synchronous(NORMAL)"
		}
		return conn
	}

	mode := ""
	if readOnly {
		mode = "mode=ro&"
	}
	return fmt.Sprintf("file:%s?%s_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path, mode, busyMs)
}
