// Package storage persists stage logs to files and terminal job results
// to a SQLite archive.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"forgeci/pkg/utils"
)

// LogStore writes captured stage output to files under a base directory
// and hands back the path plus content hash used as the output reference.
type LogStore struct {
	BaseDir string
}

func NewLogStore(baseDir string) *LogStore {
	return &LogStore{BaseDir: baseDir}
}

// Save writes output for one job stage. Filenames carry a timestamp so
// retried stages never overwrite earlier captures.
func (ls *LogStore) Save(jobID, stage, output string) (string, string, error) {
	if err := os.MkdirAll(ls.BaseDir, 0o775); err != nil {
		return "", "", err
	}

	timestamp := time.Now().UTC().Format("20060102_150405.000")
	filename := fmt.Sprintf("%s_%s_%s.log", sanitize(jobID), sanitize(stage), timestamp)
	path := filepath.Join(ls.BaseDir, filename)

	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		return "", "", err
	}
	return path, utils.HashString(output), nil
}

// sanitize strips characters unsafe in filenames from stage names.
func sanitize(name string) string {
	clean := make([]rune, 0, len(name))
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			clean = append(clean, r)
		}
	}
	if len(clean) == 0 {
		return "stage"
	}
	return string(clean)
}
