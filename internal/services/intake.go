package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/Lllllllleong/docworkshop/internal/metrics"
	"github.com/Lllllllleong/docworkshop/internal/models"
	"github.com/Lllllllleong/docworkshop/internal/workspace"
)

// UploadedFile is one named part of an upload request.
type UploadedFile struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

// Intake stages uploaded files under a fresh session token.
type Intake struct {
	policy   *workspace.Policy
	sessions *workspace.SessionStore
	metrics  *metrics.Metrics
}

func NewIntake(policy *workspace.Policy, sessions *workspace.SessionStore, m *metrics.Metrics) *Intake {
	return &Intake{policy: policy, sessions: sessions, metrics: m}
}

// Upload creates a session and stages every file with an accepted extension.
// Files of other types are dropped rather than rejected.
func (in *Intake) Upload(ctx context.Context, files []UploadedFile) (*models.UploadResponse, error) {
	if len(files) == 0 {
		return nil, models.Validation("no files uploaded")
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	if err := in.policy.CheckUploadSize(total); err != nil {
		return nil, err
	}

	token, err := in.sessions.Create()
	if err != nil {
		slog.Error("Failed to create session.", "error", err)
		return nil, err
	}
	logCtx := slog.With("token", token)
	in.metrics.SessionCreated()

	staged, dropped := 0, 0
	for _, f := range files {
		if ctx.Err() != nil {
			_ = in.sessions.Destroy(token)
			return nil, models.Internal("upload cancelled", ctx.Err())
		}
		ok, err := in.stage(token, f)
		if err != nil {
			logCtx.Error("Failed to stage file.", "file", f.Name, "error", err)
			_ = in.sessions.Destroy(token)
			return nil, err
		}
		if ok {
			staged++
		} else {
			dropped++
		}
	}
	logCtx.Info("Upload staged.", "staged", staged, "dropped", dropped, "bytes", total)

	msg := fmt.Sprintf("%d files uploaded successfully", staged)
	if dropped > 0 {
		msg += fmt.Sprintf(" (%d skipped: unsupported type)", dropped)
	}
	return &models.UploadResponse{
		Success: true,
		Token:   token,
		Message: msg,
		Staged:  staged,
		Dropped: dropped,
	}, nil
}

func (in *Intake) stage(token string, f UploadedFile) (bool, error) {
	if !in.policy.Accepts(f.Name) {
		return false, nil
	}
	rc, err := f.Open()
	if err != nil {
		return false, models.Internal("failed to read upload", err)
	}
	defer rc.Close()
	return in.sessions.Stage(token, f.Name, rc)
}
