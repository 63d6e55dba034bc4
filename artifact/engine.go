// Package artifact converts between host filesystem trees and store
// artifacts: checkin walks a path into directory, file, and symlink
// values; checkout materializes an artifact under a per-ID directory.
package artifact

import (
	"os"

	"golang.org/x/sync/semaphore"

	"github.com/tangram-dev/tangram/value"
)

// DefaultFileDescriptorLimit bounds concurrent opens during checkin.
const DefaultFileDescriptorLimit = 16

// Engine performs checkins and checkouts against one artifacts root.
type Engine struct {
	store value.Store
	// artifactsPath is where checkouts materialize, one directory per ID.
	artifactsPath string
	// fds bounds concurrent file opens.
	fds *semaphore.Weighted
}

// New creates an engine. fdLimit <= 0 selects the default.
func New(store value.Store, artifactsPath string, fdLimit int64) (*Engine, error) {
	if fdLimit <= 0 {
		fdLimit = DefaultFileDescriptorLimit
	}
	if err := os.MkdirAll(artifactsPath, 0o755); err != nil {
		return nil, err
	}
	return &Engine{
		store:         store,
		artifactsPath: artifactsPath,
		fds:           semaphore.NewWeighted(fdLimit),
	}, nil
}

// ArtifactsPath returns the checkout root.
func (e *Engine) ArtifactsPath() string {
	return e.artifactsPath
}
