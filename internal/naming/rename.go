package naming

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// Relocate moves a media file to its newly templated path together with
// every sidecar sharing its stem. usesKey widens the sweep to any file
// under the source directory containing the remote key, for templates that
// embed {key}. Returns the sidecars that moved.
//
// Callers hold the per-media advisory lock; this function only touches the
// filesystem.
func Relocate(sourceDir, oldPath, newPath, remoteKey string, usesKey bool) ([]string, error) {
	if oldPath == newPath {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return nil, fmt.Errorf("create target dir: %w", err)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return nil, fmt.Errorf("rename media file: %w", err)
	}

	oldDir := filepath.Dir(oldPath)
	oldStem := stem(oldPath)
	newDir := filepath.Dir(newPath)
	newStem := stem(newPath)

	var moved []string

	// Exact-stem sidecars next to the old file always follow, replacing
	// anything already at the destination.
	entries, err := os.ReadDir(oldDir)
	if err == nil {
		for _, entry := range entries {
			name := entry.Name()
			if !strings.HasPrefix(name, oldStem) || name == filepath.Base(oldPath) {
				continue
			}
			dst := filepath.Join(newDir, newStem+strings.TrimPrefix(name, oldStem))
			if err := os.Rename(filepath.Join(oldDir, name), dst); err != nil {
				log.Printf("naming: move sidecar %s: %v", name, err)
				continue
			}
			moved = append(moved, dst)
		}
	}

	// Fuzzy matches anywhere under the source dir move only when nothing
	// occupies the destination.
	if usesKey && remoteKey != "" {
		filepath.WalkDir(sourceDir, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			name := d.Name()
			if !strings.Contains(name, remoteKey) || path == newPath {
				return nil
			}
			if !strings.Contains(name, oldStem) {
				return nil
			}
			dst := filepath.Join(newDir, strings.Replace(name, oldStem, newStem, 1))
			if _, statErr := os.Stat(dst); statErr == nil {
				return nil
			}
			if err := os.Rename(path, dst); err != nil {
				log.Printf("naming: move fuzzy sidecar %s: %v", name, err)
				return nil
			}
			moved = append(moved, dst)
			return nil
		})
	}

	RemoveEmptyDirs(sourceDir, oldDir)
	return moved, nil
}

// RemoveEmptyDirs walks upward from dir removing now-empty directories,
// stopping at stop (exclusive).
func RemoveEmptyDirs(stop, dir string) {
	stop = filepath.Clean(stop)
	for {
		dir = filepath.Clean(dir)
		if dir == stop || !strings.HasPrefix(dir, stop+string(filepath.Separator)) {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// DeleteWithSidecars removes the media file, its by-prefix sidecars, and
// any now-empty parent directories up to the source dir.
func DeleteWithSidecars(sourceDir, mediaPath string) {
	base := strings.TrimSuffix(mediaPath, filepath.Ext(mediaPath))
	os.Remove(mediaPath)
	for _, suffix := range []string{
		".nfo", ".jpg", ".webp", ".info.json",
		"-poster.jpg", "-poster.webp",
	} {
		os.Remove(base + suffix)
	}
	os.RemoveAll(base + ".trickplay")
	RemoveEmptyDirs(sourceDir, filepath.Dir(mediaPath))
}

func stem(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
