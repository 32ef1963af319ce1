// Package lockfile provides the single-writer advisory lock that guards a
// CRDT site database: only one process may hold the exclusive lock on a
// given database's lock file at a time, so concurrent sibling processes
// serialize their writes through one of them rather than corrupting SQLite
// with overlapping direct writers.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrLocked is returned when a lock cannot be acquired because it is held by another process.
var ErrLocked = errProcessLocked

// ErrLockBusy is returned when a non-blocking lock cannot be acquired
// because another process holds a conflicting lock.
var ErrLockBusy = errors.New("lock busy: held by another process")

// IsLocked returns true if the error indicates a lock is held by another process.
func IsLocked(err error) bool {
	return errors.Is(err, errProcessLocked)
}

// LockInfo is written alongside an acquired lock so a later process that
// fails to acquire it can report who is holding it.
type LockInfo struct {
	PID       int       `json:"pid"`
	Database  string    `json:"database"`
	StartedAt time.Time `json:"started_at"`
}

// SiteLock is a held exclusive lock on a CRDT site database's lock file.
type SiteLock struct {
	f    *os.File
	path string
	info LockInfo
}

// Acquire takes the exclusive lock for dbPath's lock file (dbPath + ".lock"),
// failing immediately with ErrLocked if another process already holds it.
// On success it writes a LockInfo record so ReadLockInfo can later describe
// the holder.
func Acquire(dbPath string) (*SiteLock, error) {
	path := dbPath + ".lock"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %s: %w", path, err)
	}

	if err := FlockExclusiveNonBlocking(f); err != nil {
		f.Close()
		return nil, err
	}

	info := LockInfo{PID: os.Getpid(), Database: dbPath, StartedAt: time.Now()}
	data, err := json.Marshal(info)
	if err != nil {
		FlockUnlock(f)
		f.Close()
		return nil, fmt.Errorf("lockfile: marshal lock info: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		FlockUnlock(f)
		f.Close()
		return nil, err
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		FlockUnlock(f)
		f.Close()
		return nil, err
	}

	return &SiteLock{f: f, path: path, info: info}, nil
}

// Info returns the LockInfo this lock was acquired with.
func (l *SiteLock) Info() LockInfo {
	return l.info
}

// Release unlocks and closes the lock file. It does not remove the file,
// since a stale lock file with no held flock is harmless and the next
// Acquire will happily reuse it.
func (l *SiteLock) Release() error {
	if err := FlockUnlock(l.f); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

// ReadLockInfo reads the LockInfo left behind at dbPath's lock file, without
// attempting to acquire the lock itself. It returns an error if no lock
// file exists or its contents cannot be parsed.
func ReadLockInfo(dbPath string) (*LockInfo, error) {
	data, err := os.ReadFile(dbPath + ".lock")
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("lockfile: parse lock info: %w", err)
	}
	return &info, nil
}

// HolderAlive reports whether the process recorded in info is still
// running. A false result after ErrLocked would indicate a stale lock file
// left by a crashed process; in practice Acquire never needs this, since an
// OS-level flock is released automatically when its owning process dies, but
// a "status" command can use it to explain an unexpectedly-held lock.
func HolderAlive(info LockInfo) bool {
	return isProcessRunning(info.PID)
}
