package models

import "time"

// ProcessedArtifact is a finished output owned by the artifact store.
// Its lifetime is independent of the session that produced it.
type ProcessedArtifact struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// StagedDocument is a file held in a session awaiting transformation.
type StagedDocument struct {
	Name      string
	Path      string
	Size      int64
	Extension string
}

// ArtifactRecord is the ledger entry tying an artifact to the request that produced it.
type ArtifactRecord struct {
	ArtifactName string    `firestore:"artifactName,omitempty"`
	Operation    string    `firestore:"operation,omitempty"`
	Token        string    `firestore:"token,omitempty"`
	SourceNames  []string  `firestore:"sourceNames,omitempty"`
	SourceHash   string    `firestore:"sourceHash,omitempty"`
	OriginalSize int64     `firestore:"originalSize"`
	NewSize      int64     `firestore:"newSize"`
	Strategy     string    `firestore:"strategy,omitempty"`
	CreatedAt    time.Time `firestore:"createdAt,omitempty"`
}
