package cluster

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// CleanDir deletes the files directly inside dir whose names end in one of
// suffixes and returns the deleted names. It never descends into
// subdirectories and never touches a file outside the suffix set; combined
// with the fixed ".cluster" naming this keeps cleanup safe around unrelated
// user files.
func CleanDir(dir string, suffixes []string) ([]string, error) {
	if dir == "" {
		dir = "."
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var deleted []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		for _, suffix := range suffixes {
			if !strings.HasSuffix(name, suffix) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return deleted, fmt.Errorf("remove %s: %w", name, err)
			}
			deleted = append(deleted, name)
			break
		}
	}
	if len(deleted) == 0 {
		log.Debug().Str("dir", dir).Msg("no job files found")
	}
	return deleted, nil
}
