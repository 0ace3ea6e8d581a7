//go:build linux

package storage

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

func renameNoReplace(srcPath string, destPath string) error {
	err := unix.Renameat2(unix.AT_FDCWD, srcPath, unix.AT_FDCWD, destPath, unix.RENAME_NOREPLACE)
	if err == nil {
		return nil
	}

	// Older kernels and some filesystems (e.g. certain network and overlay
	// mounts) do not implement RENAME_NOREPLACE.
	if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.ENOTSUP) {
		return linkNoReplace(srcPath, destPath)
	}

	return &os.LinkError{Op: "renameat2", Old: srcPath, New: destPath, Err: err}
}
