package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/docworkshop/internal/models"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// Ledger records every artifact in a Firestore collection, keyed by artifact name.
type Ledger struct {
	client     *firestore.Client
	collection string
}

func NewLedger(ctx context.Context, projectID, collection string) (*Ledger, error) {
	client, err := NewFirestoreClient(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &Ledger{client: client, collection: collection}, nil
}

func (l *Ledger) Record(ctx context.Context, rec models.ArtifactRecord) error {
	if _, err := l.client.Collection(l.collection).Doc(rec.ArtifactName).Set(ctx, rec); err != nil {
		return fmt.Errorf("failed to record artifact %s: %w", rec.ArtifactName, err)
	}
	return nil
}

func (l *Ledger) Close() error { return l.client.Close() }
