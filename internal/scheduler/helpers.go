package scheduler

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cookforge/cooker/internal/fileindex"
)

func statExists(absPath string) bool {
	_, err := os.Stat(absPath)
	return err == nil
}

// statAndApply stats the file at repoRoot/rel and records the observation in
// idx, the same way a watcher event would.
func statAndApply(idx *fileindex.Index, repoRoot, rel string) {
	info, err := os.Stat(filepath.Join(repoRoot, rel))
	if err != nil {
		idx.Apply(rel, false, false, 0, time.Now())
		return
	}
	idx.Apply(rel, true, info.IsDir(), info.Size(), info.ModTime())
}

func readFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
