package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// PublishFile moves srcPath to destPath without ever replacing an existing
// destPath. If destPath already exists the returned error satisfies
// errors.Is(err, fs.ErrExist) and srcPath is left in place.
func PublishFile(srcPath string, destPath string) error {
	return renameNoReplace(srcPath, destPath)
}

// linkNoReplace publishes by hard-linking srcPath at destPath and then
// unlinking srcPath. link(2) refuses to replace an existing destination.
func linkNoReplace(srcPath string, destPath string) error {
	if err := os.Link(srcPath, destPath); err != nil {
		return err
	}

	// The blob is already visible at destPath, so a failure here only leaves
	// a staging entry behind for the sweeper.
	if err := removeIfExists(srcPath); err != nil {
		slog.Warn("Failed to unlink published staging file", "path", srcPath, "err", err)
	}

	return nil
}

// removeIfExists deletes path, treating a missing file as success.
func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// mkdirFor creates the parent directory of path.
func mkdirFor(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	return nil
}
