package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/danielolaszy/capflow/pkg/models"
)

type docKey struct {
	capabilityID string
	stage        models.Stage
}

type prKey struct {
	capabilityID string
	repository   string
}

// Memory is an in-process Store. It is safe for concurrent use.
type Memory struct {
	mu           sync.RWMutex
	ideas        map[string]*models.Idea
	ideaOrder    []string
	capabilities map[string]*models.Capability
	documents    map[docKey][]*models.StageDocument
	pullRequests map[prKey]*models.PullRequestRecord
	artifacts    map[string][]*models.Artifact
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		ideas:        make(map[string]*models.Idea),
		capabilities: make(map[string]*models.Capability),
		documents:    make(map[docKey][]*models.StageDocument),
		pullRequests: make(map[prKey]*models.PullRequestRecord),
		artifacts:    make(map[string][]*models.Artifact),
	}
}

func copyIdea(i *models.Idea) *models.Idea {
	out := *i
	out.Details.AcceptanceCriteria = append([]string(nil), i.Details.AcceptanceCriteria...)
	out.Details.Constraints = append([]string(nil), i.Details.Constraints...)
	out.Details.NonGoals = append([]string(nil), i.Details.NonGoals...)
	if i.Details.Provenance != nil {
		out.Details.Provenance = make(map[string]string, len(i.Details.Provenance))
		for k, v := range i.Details.Provenance {
			out.Details.Provenance[k] = v
		}
	}
	return &out
}

func copyDocument(d *models.StageDocument) *models.StageDocument {
	out := *d
	out.Attachments = append([]string(nil), d.Attachments...)
	return &out
}

func copyPullRequest(p *models.PullRequestRecord) *models.PullRequestRecord {
	out := *p
	out.Files = append([]string(nil), p.Files...)
	if p.URL != nil {
		u := *p.URL
		out.URL = &u
	}
	if p.Number != nil {
		n := *p.Number
		out.Number = &n
	}
	return &out
}

func copyArtifact(a *models.Artifact) *models.Artifact {
	out := *a
	if a.Metadata != nil {
		out.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// CreateIdea stores a new idea.
func (m *Memory) CreateIdea(_ context.Context, idea *models.Idea) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.ideas[idea.ID]; exists {
		return fmt.Errorf("idea %s: %w", idea.ID, ErrConflict)
	}
	m.ideas[idea.ID] = copyIdea(idea)
	m.ideaOrder = append(m.ideaOrder, idea.ID)
	return nil
}

// GetIdea returns a copy of the idea.
func (m *Memory) GetIdea(_ context.Context, id string) (*models.Idea, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idea, ok := m.ideas[id]
	if !ok {
		return nil, fmt.Errorf("idea %s: %w", id, ErrNotFound)
	}
	return copyIdea(idea), nil
}

// UpdateIdea replaces an existing idea.
func (m *Memory) UpdateIdea(_ context.Context, idea *models.Idea) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ideas[idea.ID]; !ok {
		return fmt.Errorf("idea %s: %w", idea.ID, ErrNotFound)
	}
	m.ideas[idea.ID] = copyIdea(idea)
	return nil
}

// ListIdeas returns the ideas owned by scope in creation order.
func (m *Memory) ListIdeas(_ context.Context, scope models.Scope) ([]*models.Idea, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Idea
	for _, id := range m.ideaOrder {
		idea := m.ideas[id]
		if idea.Scope == scope {
			out = append(out, copyIdea(idea))
		}
	}
	return out, nil
}

// CreateCapability stores a new capability at revision 1.
func (m *Memory) CreateCapability(_ context.Context, capability *models.Capability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.capabilities[capability.ID]; exists {
		return fmt.Errorf("capability %s: %w", capability.ID, ErrConflict)
	}
	capability.Revision = 1
	m.capabilities[capability.ID] = capability.Clone()
	return nil
}

// GetCapability returns a copy of the capability.
func (m *Memory) GetCapability(_ context.Context, id string) (*models.Capability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	capability, ok := m.capabilities[id]
	if !ok {
		return nil, fmt.Errorf("capability %s: %w", id, ErrNotFound)
	}
	return capability.Clone(), nil
}

// UpdateCapability writes capability if its revision is current.
func (m *Memory) UpdateCapability(_ context.Context, capability *models.Capability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.capabilities[capability.ID]
	if !ok {
		return fmt.Errorf("capability %s: %w", capability.ID, ErrNotFound)
	}
	if stored.Revision != capability.Revision {
		return fmt.Errorf("capability %s at revision %d, write based on %d: %w",
			capability.ID, stored.Revision, capability.Revision, ErrConflict)
	}
	capability.Revision++
	m.capabilities[capability.ID] = capability.Clone()
	return nil
}

// FindCapabilityByIdea returns the capability triaged from ideaID.
func (m *Memory) FindCapabilityByIdea(_ context.Context, ideaID string) (*models.Capability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, capability := range m.capabilities {
		if capability.IdeaID == ideaID {
			return capability.Clone(), nil
		}
	}
	return nil, fmt.Errorf("capability for idea %s: %w", ideaID, ErrNotFound)
}

// ListCapabilities returns every capability ordered by id.
func (m *Memory) ListCapabilities(_ context.Context) ([]*models.Capability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Capability, 0, len(m.capabilities))
	for _, capability := range m.capabilities {
		out = append(out, capability.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LatestDocument returns the highest version for the pair.
func (m *Memory) LatestDocument(_ context.Context, capabilityID string, stage models.Stage) (*models.StageDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := m.documents[docKey{capabilityID, stage}]
	if len(docs) == 0 {
		return nil, fmt.Errorf("document %s/%s: %w", capabilityID, stage, ErrNotFound)
	}
	return copyDocument(docs[len(docs)-1]), nil
}

// AppendDocument stores doc. Versions must strictly increase per pair.
func (m *Memory) AppendDocument(_ context.Context, doc *models.StageDocument) (*models.StageDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := docKey{doc.CapabilityID, doc.StageKey}
	docs := m.documents[key]
	if n := len(docs); n > 0 && docs[n-1].Version >= doc.Version {
		return nil, fmt.Errorf("document %s/%s version %d already written: %w",
			doc.CapabilityID, doc.StageKey, doc.Version, ErrConflict)
	}
	m.documents[key] = append(docs, copyDocument(doc))
	return copyDocument(doc), nil
}

// ListDocuments returns documents newest first.
func (m *Memory) ListDocuments(_ context.Context, capabilityID string, stage models.Stage) ([]*models.StageDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.StageDocument
	for key, docs := range m.documents {
		if key.capabilityID != capabilityID || (stage != "" && key.stage != stage) {
			continue
		}
		for _, doc := range docs {
			out = append(out, copyDocument(doc))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		if out[i].StageKey != out[j].StageKey {
			return out[i].StageKey < out[j].StageKey
		}
		return out[i].Version > out[j].Version
	})
	return out, nil
}

// GetPullRequest returns the record for (capability, repository).
func (m *Memory) GetPullRequest(_ context.Context, capabilityID, repository string) (*models.PullRequestRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.pullRequests[prKey{capabilityID, repository}]
	if !ok {
		return nil, fmt.Errorf("pull request %s/%s: %w", capabilityID, repository, ErrNotFound)
	}
	return copyPullRequest(record), nil
}

// SavePullRequest upserts the record keyed by (capability, repository).
func (m *Memory) SavePullRequest(_ context.Context, record *models.PullRequestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pullRequests[prKey{record.CapabilityID, record.Repository}] = copyPullRequest(record)
	return nil
}

// FindPullRequestByBranch returns the record synced to branch.
func (m *Memory) FindPullRequestByBranch(_ context.Context, branch string) (*models.PullRequestRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, record := range m.pullRequests {
		if record.Branch == branch {
			return copyPullRequest(record), nil
		}
	}
	return nil, fmt.Errorf("pull request on branch %s: %w", branch, ErrNotFound)
}

// ListPullRequests returns every record owned by the capability.
func (m *Memory) ListPullRequests(_ context.Context, capabilityID string) ([]*models.PullRequestRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.PullRequestRecord
	for key, record := range m.pullRequests {
		if key.capabilityID == capabilityID {
			out = append(out, copyPullRequest(record))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Repository < out[j].Repository })
	return out, nil
}

// AppendArtifact stores artifact with the next version for its type.
func (m *Memory) AppendArtifact(_ context.Context, artifact *models.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	version := 1
	for _, existing := range m.artifacts[artifact.CapabilityID] {
		if existing.Type == artifact.Type && existing.Version >= version {
			version = existing.Version + 1
		}
	}
	artifact.Version = version
	m.artifacts[artifact.CapabilityID] = append(m.artifacts[artifact.CapabilityID], copyArtifact(artifact))
	return nil
}

// LatestArtifact returns the newest artifact of the given type.
func (m *Memory) LatestArtifact(_ context.Context, capabilityID, artifactType string) (*models.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	artifacts := m.artifacts[capabilityID]
	for i := len(artifacts) - 1; i >= 0; i-- {
		if artifacts[i].Type == artifactType {
			return copyArtifact(artifacts[i]), nil
		}
	}
	return nil, fmt.Errorf("artifact %s/%s: %w", capabilityID, artifactType, ErrNotFound)
}

// ListArtifacts returns the capability's artifacts in append order.
func (m *Memory) ListArtifacts(_ context.Context, capabilityID string) ([]*models.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Artifact, 0, len(m.artifacts[capabilityID]))
	for _, artifact := range m.artifacts[capabilityID] {
		out = append(out, copyArtifact(artifact))
	}
	return out, nil
}
