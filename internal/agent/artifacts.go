package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"forgeci/internal/external"
)

// Publisher uploads a stage's declared artifact paths, resolved against
// the agent workdir, under job-scoped keys. Implements
// core.ArtifactPublisher.
type Publisher struct {
	Store   external.ArtifactStore
	Workdir string
}

func (p *Publisher) Publish(ctx context.Context, jobID string, paths []string) error {
	for _, path := range paths {
		f, err := os.Open(filepath.Join(p.Workdir, path))
		if err != nil {
			return fmt.Errorf("artifact %s: %w", path, err)
		}
		key := jobID + "/" + filepath.Base(path)
		err = p.Store.Put(ctx, key, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("artifact %s: %w", path, err)
		}
	}
	return nil
}
