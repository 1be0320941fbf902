package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Lllllllleong/docworkshop/internal/models"
	"github.com/google/uuid"
)

// SessionStore keeps each upload batch in its own directory under the upload root,
// named by the session token.
type SessionStore struct {
	policy *Policy
	locker Locker
}

// NewSessionStore creates the upload root if needed. locker may be nil, in which
// case sweeps do not coordinate with running dispatches.
func NewSessionStore(policy *Policy, locker Locker) (*SessionStore, error) {
	if err := os.MkdirAll(policy.UploadRoot(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload root %s: %w", policy.UploadRoot(), err)
	}
	return &SessionStore{policy: policy, locker: locker}, nil
}

// dir maps a token to its directory. Only canonical UUIDs are accepted so a token
// can never address anything outside the upload root.
func (s *SessionStore) dir(token string) (string, bool) {
	id, err := uuid.Parse(token)
	if err != nil || id.String() != token {
		return "", false
	}
	return filepath.Join(s.policy.UploadRoot(), token), true
}

// Create allocates a new token and its empty staging directory.
func (s *SessionStore) Create() (string, error) {
	token := uuid.NewString()
	dir, _ := s.dir(token)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", models.Internal("failed to allocate session", fmt.Errorf("mkdir %s: %w", dir, err))
	}
	return token, nil
}

// Stage writes one uploaded file into the session. Files with an extension
// outside the accepted set are skipped and reported as not staged.
func (s *SessionStore) Stage(token, name string, src io.Reader) (bool, error) {
	if !s.policy.Accepts(name) {
		return false, nil
	}
	dir, ok := s.dir(token)
	if !ok {
		return false, models.NotFound("session not found")
	}
	f, err := createUnique(dir, SanitizeFileName(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, models.NotFound("session not found")
		}
		return false, models.Internal("failed to stage file", err)
	}
	dst := f.Name()
	if _, err := io.Copy(f, src); err != nil {
		_ = f.Close()
		_ = os.Remove(dst)
		return false, models.Internal("failed to stage file", fmt.Errorf("copy to %s: %w", dst, err))
	}
	if err := f.Close(); err != nil {
		return false, models.Internal("failed to stage file", err)
	}
	return true, nil
}

// maxNameAttempts bounds the numeric suffixes tried for colliding names.
const maxNameAttempts = 1000

// createUnique creates name in dir, or name_2, name_3 and so on before the
// extension when an earlier upload already sanitized to the same name.
func createUnique(dir, name string) (*os.File, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := name
	for i := 2; i <= maxNameAttempts; i++ {
		f, err := os.OpenFile(filepath.Join(dir, candidate), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if !errors.Is(err, fs.ErrExist) {
			return f, err
		}
		candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
	}
	return nil, fmt.Errorf("no free name for %s after %d attempts", name, maxNameAttempts)
}

// Resolve lists the session's staged documents in lexicographic name order.
func (s *SessionStore) Resolve(token string) ([]models.StagedDocument, error) {
	dir, ok := s.dir(token)
	if !ok {
		return nil, models.NotFound("session not found")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, models.NotFound("session not found")
		}
		return nil, models.Internal("failed to read session", err)
	}
	docs := make([]models.StagedDocument, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		docs = append(docs, models.StagedDocument{
			Name:      entry.Name(),
			Path:      filepath.Join(dir, entry.Name()),
			Size:      info.Size(),
			Extension: Extension(entry.Name()),
		})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
	return docs, nil
}

// Destroy removes the session directory. Unknown or already removed tokens are not an error.
func (s *SessionStore) Destroy(token string) error {
	dir, ok := s.dir(token)
	if !ok {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove session %s: %w", token, err)
	}
	return nil
}

// Name identifies the store in sweep results.
func (s *SessionStore) Name() string { return "sessions" }

// Sweep removes sessions older than ttl. A session held by a running dispatch is left alone.
func (s *SessionStore) Sweep(ctx context.Context, ttl time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(s.policy.UploadRoot())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list upload root: %w", err)
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
		path := filepath.Join(s.policy.UploadRoot(), entry.Name())
		if entry.IsDir() && s.locker != nil {
			unlock, ok, err := s.locker.TryLock(ctx, entry.Name())
			if err != nil {
				slog.Warn("Skipping session, lock check failed.", "token", entry.Name(), "error", err)
				continue
			}
			if !ok {
				continue
			}
			err = os.RemoveAll(path)
			unlock()
			if err != nil {
				slog.Warn("Failed to remove expired session.", "token", entry.Name(), "error", err)
				continue
			}
		} else if err := os.RemoveAll(path); err != nil {
			slog.Warn("Failed to remove expired entry.", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
