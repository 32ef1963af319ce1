//go:build windows

package crdtstore

import "os"

// fileInode returns 0 on Windows since inodes are not available, so the
// watcher never reports a replaced file there.
func fileInode(info os.FileInfo) uint64 {
	return 0
}
