// Package store defines the persistence contracts consumed by the
// orchestrator. Stores do plain CRUD: version arithmetic and stage rules live
// in the callers.
package store

import (
	"context"
	"errors"

	"github.com/danielolaszy/capflow/pkg/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a write presents a stale revision or
	// reuses an existing document version.
	ErrConflict = errors.New("store: conflict")
)

// IdeaStore persists ideas. Ideas are never deleted.
type IdeaStore interface {
	CreateIdea(ctx context.Context, idea *models.Idea) error
	GetIdea(ctx context.Context, id string) (*models.Idea, error)
	UpdateIdea(ctx context.Context, idea *models.Idea) error
	ListIdeas(ctx context.Context, scope models.Scope) ([]*models.Idea, error)
}

// CapabilityStore persists capabilities. UpdateCapability compares the
// record's Revision with the stored one and fails with ErrConflict on
// mismatch; on success the revision is incremented in place.
type CapabilityStore interface {
	CreateCapability(ctx context.Context, capability *models.Capability) error
	GetCapability(ctx context.Context, id string) (*models.Capability, error)
	UpdateCapability(ctx context.Context, capability *models.Capability) error
	FindCapabilityByIdea(ctx context.Context, ideaID string) (*models.Capability, error)
	ListCapabilities(ctx context.Context) ([]*models.Capability, error)
}

// DocumentStore is an append-only log of stage documents.
type DocumentStore interface {
	// LatestDocument returns the highest version for the pair or ErrNotFound.
	LatestDocument(ctx context.Context, capabilityID string, stage models.Stage) (*models.StageDocument, error)
	// AppendDocument stores doc as given. The caller supplies the version.
	AppendDocument(ctx context.Context, doc *models.StageDocument) (*models.StageDocument, error)
	// ListDocuments returns documents newest first. An empty stage lists all stages.
	ListDocuments(ctx context.Context, capabilityID string, stage models.Stage) ([]*models.StageDocument, error)
}

// PullRequestStore keeps at most one record per capability and repository.
type PullRequestStore interface {
	GetPullRequest(ctx context.Context, capabilityID, repository string) (*models.PullRequestRecord, error)
	SavePullRequest(ctx context.Context, record *models.PullRequestRecord) error
	FindPullRequestByBranch(ctx context.Context, branch string) (*models.PullRequestRecord, error)
	ListPullRequests(ctx context.Context, capabilityID string) ([]*models.PullRequestRecord, error)
}

// ArtifactStore records pipeline outputs for traceability.
type ArtifactStore interface {
	// AppendArtifact assigns the next version for (capability, type).
	AppendArtifact(ctx context.Context, artifact *models.Artifact) error
	LatestArtifact(ctx context.Context, capabilityID, artifactType string) (*models.Artifact, error)
	ListArtifacts(ctx context.Context, capabilityID string) ([]*models.Artifact, error)
}

// Store groups every contract.
type Store interface {
	IdeaStore
	CapabilityStore
	DocumentStore
	PullRequestStore
	ArtifactStore
}
