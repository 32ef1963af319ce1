//go:build !windows

package crdtstore

import (
	"os"
	"syscall"
)

// fileInode extracts the inode of a file on Unix systems. Used by the
// watcher to tell a foreign process's file replacement (unlink+recreate)
// apart from an ordinary in-place write.
func fileInode(info os.FileInfo) uint64 {
	if sys := info.Sys(); sys != nil {
		if stat, ok := sys.(*syscall.Stat_t); ok {
			return stat.Ino
		}
	}
	return 0
}
