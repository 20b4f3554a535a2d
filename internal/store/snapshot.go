package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/danielolaszy/capflow/pkg/models"
)

// Snapshot is the serialised content of a Memory store.
type Snapshot struct {
	Ideas        []*models.Idea              `json:"ideas"`
	Capabilities []*models.Capability        `json:"capabilities"`
	Documents    []*models.StageDocument     `json:"documents"`
	PullRequests []*models.PullRequestRecord `json:"pullRequests"`
	Artifacts    []*models.Artifact          `json:"artifacts"`
}

// Snapshot returns a deterministic copy of everything in the store.
func (m *Memory) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Snapshot
	for _, id := range m.ideaOrder {
		s.Ideas = append(s.Ideas, copyIdea(m.ideas[id]))
	}
	for _, c := range m.capabilities {
		s.Capabilities = append(s.Capabilities, c.Clone())
	}
	sort.Slice(s.Capabilities, func(i, j int) bool { return s.Capabilities[i].ID < s.Capabilities[j].ID })

	for _, docs := range m.documents {
		for _, d := range docs {
			s.Documents = append(s.Documents, copyDocument(d))
		}
	}
	sort.Slice(s.Documents, func(i, j int) bool {
		a, b := s.Documents[i], s.Documents[j]
		if a.CapabilityID != b.CapabilityID {
			return a.CapabilityID < b.CapabilityID
		}
		if a.StageKey != b.StageKey {
			return a.StageKey < b.StageKey
		}
		return a.Version < b.Version
	})

	for _, pr := range m.pullRequests {
		s.PullRequests = append(s.PullRequests, copyPullRequest(pr))
	}
	sort.Slice(s.PullRequests, func(i, j int) bool {
		a, b := s.PullRequests[i], s.PullRequests[j]
		if a.CapabilityID != b.CapabilityID {
			return a.CapabilityID < b.CapabilityID
		}
		return a.Repository < b.Repository
	})

	owners := make([]string, 0, len(m.artifacts))
	for id := range m.artifacts {
		owners = append(owners, id)
	}
	sort.Strings(owners)
	for _, id := range owners {
		for _, a := range m.artifacts[id] {
			s.Artifacts = append(s.Artifacts, copyArtifact(a))
		}
	}
	return s
}

// Restore returns a Memory holding the snapshot's records unchanged,
// revisions and versions included.
func Restore(s Snapshot) *Memory {
	m := NewMemory()
	for _, i := range s.Ideas {
		m.ideas[i.ID] = copyIdea(i)
		m.ideaOrder = append(m.ideaOrder, i.ID)
	}
	for _, c := range s.Capabilities {
		m.capabilities[c.ID] = c.Clone()
	}
	for _, d := range s.Documents {
		key := docKey{d.CapabilityID, d.StageKey}
		m.documents[key] = append(m.documents[key], copyDocument(d))
	}
	for _, pr := range s.PullRequests {
		m.pullRequests[prKey{pr.CapabilityID, pr.Repository}] = copyPullRequest(pr)
	}
	for _, a := range s.Artifacts {
		m.artifacts[a.CapabilityID] = append(m.artifacts[a.CapabilityID], copyArtifact(a))
	}
	return m
}

// OpenFile restores a Memory from the JSON state file at path. A missing
// file yields an empty store.
func OpenFile(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewMemory(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	return Restore(s), nil
}

// SaveFile writes the store to path, replacing it atomically.
func (m *Memory) SaveFile(path string) error {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
