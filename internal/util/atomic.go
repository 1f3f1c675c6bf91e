// Package util holds the small helpers shared across Stagehand's packages.
package util

import "os"

// AtomicWriteFile writes data to path through a temporary sibling and a
// rename, so a reader never observes a partial file. The ".tmp" suffix is
// load-bearing: pending-directory listings and the filesystem watcher both
// skip it, which keeps the write itself from triggering artifact events.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
