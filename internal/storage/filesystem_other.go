//go:build !linux

package storage

func renameNoReplace(srcPath string, destPath string) error {
	return linkNoReplace(srcPath, destPath)
}
