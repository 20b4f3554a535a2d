package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielolaszy/capflow/pkg/models"
)

func TestCapabilityRevisionConflict(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	capability := &models.Capability{ID: "cap-1", Stage: models.StageTriage}
	require.NoError(t, m.CreateCapability(ctx, capability))
	assert.Equal(t, int64(1), capability.Revision)

	first, err := m.GetCapability(ctx, "cap-1")
	require.NoError(t, err)
	second, err := m.GetCapability(ctx, "cap-1")
	require.NoError(t, err)

	first.Stage = models.StageSpec
	require.NoError(t, m.UpdateCapability(ctx, first))
	assert.Equal(t, int64(2), first.Revision)

	second.Stage = models.StageSpec
	err = m.UpdateCapability(ctx, second)
	assert.True(t, errors.Is(err, ErrConflict), "stale revision must conflict, got %v", err)

	_, err = m.GetCapability(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateCapability(ctx, &models.Capability{ID: "cap-1"}))

	got, err := m.GetCapability(ctx, "cap-1")
	require.NoError(t, err)
	got.History = append(got.History, models.HistoryEvent{Type: "tampered"})

	again, err := m.GetCapability(ctx, "cap-1")
	require.NoError(t, err)
	assert.Empty(t, again.History)
}

func TestDocumentsAppendOnly(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := m.LatestDocument(ctx, "cap-1", models.StageSpec)
	assert.True(t, errors.Is(err, ErrNotFound))

	for v := 1; v <= 3; v++ {
		_, err := m.AppendDocument(ctx, &models.StageDocument{
			CapabilityID: "cap-1",
			StageKey:     models.StageSpec,
			Version:      v,
			Content:      "draft",
			Status:       models.DocumentDraft,
			CreatedAt:    base.Add(time.Duration(v) * time.Minute),
		})
		require.NoError(t, err)
	}

	_, err = m.AppendDocument(ctx, &models.StageDocument{CapabilityID: "cap-1", StageKey: models.StageSpec, Version: 2})
	assert.True(t, errors.Is(err, ErrConflict), "rewriting a version must fail")

	latest, err := m.LatestDocument(ctx, "cap-1", models.StageSpec)
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Version)

	docs, err := m.ListDocuments(ctx, "cap-1", models.StageSpec)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, []int{3, 2, 1}, []int{docs[0].Version, docs[1].Version, docs[2].Version})
}

func TestPullRequestUpsert(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	record := &models.PullRequestRecord{CapabilityID: "cap-1", Repository: "acme/app", Branch: "capflow/p/cap-1", Files: []string{"a.md"}}
	require.NoError(t, m.SavePullRequest(ctx, record))
	record.Files = append(record.Files, "b.md")
	require.NoError(t, m.SavePullRequest(ctx, record))

	records, err := m.ListPullRequests(ctx, "cap-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []string{"a.md", "b.md"}, records[0].Files)

	found, err := m.FindPullRequestByBranch(ctx, "capflow/p/cap-1")
	require.NoError(t, err)
	assert.Equal(t, "acme/app", found.Repository)
}

func TestArtifactVersioning(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i := 0; i < 2; i++ {
		require.NoError(t, m.AppendArtifact(ctx, &models.Artifact{CapabilityID: "cap-1", Type: "spec"}))
	}
	require.NoError(t, m.AppendArtifact(ctx, &models.Artifact{CapabilityID: "cap-1", Type: "approval"}))

	latest, err := m.LatestArtifact(ctx, "cap-1", "spec")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	approval, err := m.LatestArtifact(ctx, "cap-1", "approval")
	require.NoError(t, err)
	assert.Equal(t, 1, approval.Version)
}

func TestListIdeasByScope(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := models.Scope{OrgID: "o", SandboxID: "s", ProductID: "a"}
	b := models.Scope{OrgID: "o", SandboxID: "s", ProductID: "b"}

	require.NoError(t, m.CreateIdea(ctx, &models.Idea{ID: "i1", Scope: a}))
	require.NoError(t, m.CreateIdea(ctx, &models.Idea{ID: "i2", Scope: b}))
	require.NoError(t, m.CreateIdea(ctx, &models.Idea{ID: "i3", Scope: a}))

	ideas, err := m.ListIdeas(ctx, a)
	require.NoError(t, err)
	require.Len(t, ideas, 2)
	assert.Equal(t, "i1", ideas[0].ID)
	assert.Equal(t, "i3", ideas[1].ID)
}
