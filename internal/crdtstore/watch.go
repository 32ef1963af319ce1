package crdtstore

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher notices when the database file on disk has been replaced (moved
// out and a new file put in its place, as tools like `sqlite3 .restore` or a
// directory sync do) rather than written in place. A replaced file keeps
// this process's open *sql.DB pointed at the old, now-unlinked inode, so
// every write after a replacement is invisible to any other process
// reading the new file. Grounded on the file-replace guard pattern used to
// reopen a handle after an external tool rewrites the database out from
// under a running process.
type Watcher struct {
	path   string
	inode  uint64
	watch  *fsnotify.Watcher
	notify chan struct{}
}

// NewWatcher starts watching the directory containing path for changes to
// path's basename, recording its current inode as the baseline.
func NewWatcher(path string) (*Watcher, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}

	return &Watcher{
		path:   path,
		inode:  fileInode(info),
		watch:  w,
		notify: make(chan struct{}, 1),
	}, nil
}

// Replaced fires whenever the watched path's inode changes, meaning the
// file on disk has been replaced rather than written in place.
func (w *Watcher) Replaced() <-chan struct{} {
	return w.notify
}

// Run blocks, dispatching to Replaced until ctx is done or the underlying
// watch fails irrecoverably.
func (w *Watcher) Run(ctx context.Context) {
	base := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watch.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.checkInode()
		case _, ok := <-w.watch.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) checkInode() {
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}
	ino := fileInode(info)
	if ino == w.inode {
		return
	}
	w.inode = ino
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watch.Close()
}
