// Package fsutil provides the filesystem helpers shared by the registry and
// the injector: sandbox containment checks and directory copying.
package fsutil

import (
	"io"
	"os"
	"path/filepath"
	"strings"
)

// IsSubPath checks if child is contained within parent. Used both to guard
// archive extraction against zip slip and to keep asset reads inside an
// extension's directory sandbox.
func IsSubPath(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return !filepath.IsAbs(rel) && rel != ".." && !hasPathPrefix(rel, "..")
}

// hasPathPrefix checks if a path starts with a dangerous prefix
func hasPathPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	if len(path) > len(prefix) && path[:len(prefix)] == prefix && (path[len(prefix)] == '/' || path[len(prefix)] == filepath.Separator) {
		return true
	}
	return strings.Contains(path, prefix+"/") || strings.Contains(path, prefix+string(filepath.Separator))
}

// CopyDir recursively copies a directory
func CopyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		dstPath := filepath.Join(dst, relPath)

		if d.IsDir() {
			return os.MkdirAll(dstPath, 0755)
		}

		srcFile, err := os.Open(path)
		if err != nil {
			return err
		}
		defer srcFile.Close()

		if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
			return err
		}

		dstFile, err := os.Create(dstPath)
		if err != nil {
			return err
		}
		defer dstFile.Close()

		_, err = io.Copy(dstFile, srcFile)
		return err
	})
}

// ReadFileInSandbox reads a file at a path relative to root, refusing paths
// that escape the sandbox.
func ReadFileInSandbox(root, rel string) ([]byte, error) {
	full := filepath.Join(root, rel)
	if !IsSubPath(root, full) {
		return nil, os.ErrPermission
	}
	return os.ReadFile(full)
}
