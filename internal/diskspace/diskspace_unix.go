//go:build !windows

package diskspace

import (
	"path/filepath"
	"syscall"
)

// availableBytes stats the filesystem of path's parent directory.
// Bavail counts blocks available to unprivileged users.
func availableBytes(path string) int64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(filepath.Dir(path), &stat); err != nil {
		return 0
	}
	return int64(stat.Bavail) * int64(stat.Bsize)
}
