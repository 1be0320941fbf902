// Package artifacts persists processed outputs on the local filesystem.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Lllllllleong/docworkshop/internal/models"
	"github.com/Lllllllleong/docworkshop/internal/workspace"
)

// LocalStore keeps artifacts as files directly under a root directory.
type LocalStore struct {
	root string
	ttl  time.Duration
	now  func() time.Time
}

// NewLocalStore creates root if needed. Artifacts older than ttl are treated as
// gone even before a sweep removes them.
func NewLocalStore(root string, ttl time.Duration) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root %s: %w", root, err)
	}
	return &LocalStore{root: root, ttl: ttl, now: time.Now}, nil
}

// Persist writes src under name. The file only becomes visible once it is complete.
func (s *LocalStore) Persist(ctx context.Context, name string, src io.Reader) (*models.ProcessedArtifact, error) {
	if !workspace.ValidArtifactName(name) {
		return nil, models.Internal("invalid artifact name", fmt.Errorf("rejected artifact name %q", name))
	}
	tmp, err := os.CreateTemp(s.root, ".partial-*")
	if err != nil {
		return nil, models.Internal("failed to store artifact", err)
	}
	tmpPath := tmp.Name()
	size, err := io.Copy(tmp, src)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, models.Internal("failed to store artifact", err)
	}
	dst := filepath.Join(s.root, name)
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return nil, models.Internal("failed to store artifact", err)
	}
	return &models.ProcessedArtifact{Name: name, Size: size, CreatedAt: s.now()}, nil
}

// Open returns the artifact's content. Unknown, malformed and expired names are NotFound.
func (s *LocalStore) Open(_ context.Context, name string) (io.ReadCloser, *models.ProcessedArtifact, error) {
	if !workspace.ValidArtifactName(name) {
		return nil, nil, models.NotFound("artifact not found")
	}
	path := filepath.Join(s.root, name)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, models.NotFound("artifact not found")
		}
		return nil, nil, models.Internal("failed to open artifact", err)
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, nil, models.NotFound("artifact not found")
	}
	if s.now().Sub(info.ModTime()) > s.ttl {
		_ = f.Close()
		return nil, nil, models.NotFound("artifact expired")
	}
	return f, &models.ProcessedArtifact{Name: name, Size: info.Size(), CreatedAt: info.ModTime()}, nil
}

// Name identifies the store in sweep results.
func (s *LocalStore) Name() string { return "artifacts" }

// Sweep removes entries under the root older than ttl. Entries that vanish
// concurrently count as already handled.
func (s *LocalStore) Sweep(ctx context.Context, ttl time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list artifact root: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= ttl {
			continue
		}
		path := filepath.Join(s.root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("Failed to remove expired artifact.", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
