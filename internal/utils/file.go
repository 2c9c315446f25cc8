package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// rename is swapped in tests to simulate a failed commit.
var rename = os.Rename

// EnsureDir creates a directory if it doesn't exist
func EnsureDir(dir string) error {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

// Latest returns the most recently modified of the given files that exist.
func Latest(paths ...string) (string, bool) {
	type candidate struct {
		path string
		info os.FileInfo
	}
	var found []candidate
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			found = append(found, candidate{p, info})
		}
	}
	if len(found) == 0 {
		return "", false
	}

	// Newest first; ties keep argument order.
	sort.SliceStable(found, func(i, j int) bool {
		return found[i].info.ModTime().After(found[j].info.ModTime())
	})
	return found[0].path, true
}

// WriteFileAtomic writes the output of write to a temporary file next to
// path and renames it over path. Readers see either the old file or the new
// one, never a partial write; on any error the old file is left untouched.
func WriteFileAtomic(path string, write func(io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if err = write(tmp); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err = os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err = rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
