package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/docworkshop/internal/models"
	"github.com/Lllllllleong/docworkshop/internal/workspace"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// ArtifactBucket stores artifacts as objects under a prefix of a GCS bucket.
type ArtifactBucket struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
	prefix string
	ttl    time.Duration
}

// NewArtifactBucket creates a storage client for bucketName.
func NewArtifactBucket(ctx context.Context, bucketName, prefix string, ttl time.Duration) (*ArtifactBucket, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("bucket name must be provided to create an artifact bucket")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &ArtifactBucket{
		client: client,
		bucket: client.Bucket(bucketName),
		name:   bucketName,
		prefix: prefix,
		ttl:    ttl,
	}, nil
}

func (b *ArtifactBucket) Close() error { return b.client.Close() }

func (b *ArtifactBucket) object(name string) string { return b.prefix + name }

// Persist uploads src as name. The write only succeeds if the object does not
// exist yet, so an artifact is never replaced under a reader.
func (b *ArtifactBucket) Persist(ctx context.Context, name string, src io.Reader) (*models.ProcessedArtifact, error) {
	if !workspace.ValidArtifactName(name) {
		return nil, models.Internal("invalid artifact name", fmt.Errorf("rejected artifact name %q", name))
	}
	objectName := b.object(name)
	writer := b.bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	size, err := io.Copy(writer, src)
	if err != nil {
		_ = writer.Close()
		return nil, models.Internal("failed to store artifact", fmt.Errorf("failed to write gs://%s/%s: %w", b.name, objectName, err))
	}
	if err := writer.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return nil, models.Internal("artifact already exists", err)
		}
		return nil, models.Internal("failed to store artifact", fmt.Errorf("failed to finalize gs://%s/%s: %w", b.name, objectName, err))
	}
	created := time.Now()
	if attrs := writer.Attrs(); attrs != nil {
		created = attrs.Created
	}
	return &models.ProcessedArtifact{Name: name, Size: size, CreatedAt: created}, nil
}

// Open streams the object for name. Missing and expired objects are NotFound.
func (b *ArtifactBucket) Open(ctx context.Context, name string) (io.ReadCloser, *models.ProcessedArtifact, error) {
	if !workspace.ValidArtifactName(name) {
		return nil, nil, models.NotFound("artifact not found")
	}
	reader, err := b.bucket.Object(b.object(name)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, nil, models.NotFound("artifact not found")
		}
		return nil, nil, models.Internal("failed to open artifact", err)
	}
	modified := reader.Attrs.LastModified
	if time.Since(modified) > b.ttl {
		_ = reader.Close()
		return nil, nil, models.NotFound("artifact expired")
	}
	return reader, &models.ProcessedArtifact{Name: name, Size: reader.Attrs.Size, CreatedAt: modified}, nil
}

// Name identifies the store in sweep results.
func (b *ArtifactBucket) Name() string { return "gcs-artifacts" }

// Sweep deletes objects under the prefix older than ttl.
func (b *ArtifactBucket) Sweep(ctx context.Context, ttl time.Duration, now time.Time) (int, error) {
	it := b.bucket.Objects(ctx, &storage.Query{Prefix: b.prefix})
	removed := 0
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return removed, fmt.Errorf("failed to list gs://%s/%s: %w", b.name, b.prefix, err)
		}
		if strings.HasSuffix(attrs.Name, "/") || now.Sub(attrs.Updated) <= ttl {
			continue
		}
		if err := b.bucket.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			slog.Warn("Failed to delete expired artifact object.", "gcsObject", attrs.Name, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
