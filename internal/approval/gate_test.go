package approval

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielolaszy/capflow/internal/apperr"
	"github.com/danielolaszy/capflow/internal/github"
	"github.com/danielolaszy/capflow/internal/sourcesync"
	"github.com/danielolaszy/capflow/internal/stage"
	"github.com/danielolaszy/capflow/internal/store"
	"github.com/danielolaszy/capflow/internal/testutil"
	"github.com/danielolaszy/capflow/pkg/models"
)

type fixture struct {
	store *store.Memory
	fake  *testutil.FakeGitHub
	gate  *Gate
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	mem := store.NewMemory()
	fake := testutil.NewFakeGitHub()
	gate := NewGate(stage.NewMachine(mem), mem, sourcesync.StaticAuth{Token: token},
		func(context.Context, string) (Reviewer, error) { return fake, nil })

	ctx := context.Background()
	require.NoError(t, mem.CreateCapability(ctx, &models.Capability{ID: "cap-1", Stage: models.StageSpec}))
	_, err := mem.AppendDocument(ctx, &models.StageDocument{
		CapabilityID: "cap-1", StageKey: models.StageSpec, Version: 1, Content: "# Spec", Status: models.DocumentDraft,
	})
	require.NoError(t, err)
	_, err = mem.AppendDocument(ctx, &models.StageDocument{
		CapabilityID: "cap-1", StageKey: models.StageSpec, Version: 2, Content: "# Spec v2", Status: models.DocumentDraft,
	})
	require.NoError(t, err)
	return &fixture{store: mem, fake: fake, gate: gate}
}

func remotePR() *models.PullRequestRecord {
	url := "https://github.com/acme/capabilities/pull/7"
	return &models.PullRequestRecord{CapabilityID: "cap-1", Repository: "acme/capabilities", URL: &url}
}

func TestReviewOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		token       string
		pr          *models.PullRequestRecord
		remoteErr   error
		wantKind    Kind
		wantMode    string
		wantState   string
		wantActions []string
	}{
		{
			name: "draft record approves locally", token: "t",
			pr:       &models.PullRequestRecord{Repository: "acme/capabilities"},
			wantKind: Approved, wantMode: ModeLocal, wantState: StateApproved,
		},
		{
			name: "no token approves locally", token: "",
			pr:       remotePR(),
			wantKind: Approved, wantMode: ModeLocal, wantState: StateApproved,
		},
		{
			name: "remote approval", token: "t",
			pr:       remotePR(),
			wantKind: Approved, wantMode: ModeGitHub, wantState: StateApproved,
		},
		{
			name: "self approval falls back", token: "t",
			pr:          remotePR(),
			remoteErr:   fmt.Errorf("POST reviews: 422: %w", github.ErrSelfApproval),
			wantKind:    ApprovedWithFallback,
			wantMode:    ModeSelfFallback,
			wantState:   StateApproved,
			wantActions: []string{apperr.ActionApproveWithDifferentUser, apperr.ActionRetryApproveStage},
		},
		{
			name: "other failure rejects", token: "t",
			pr:          remotePR(),
			remoteErr:   errors.New("401 Bad credentials"),
			wantKind:    Rejected,
			wantMode:    ModeGitHubError,
			wantState:   StateApprovalFailed,
			wantActions: []string{apperr.ActionRetryApproveStage, apperr.ActionOpenPR, apperr.ActionReconnectGitHub},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.token)
			if tt.remoteErr != nil {
				f.fake.Errors["ApprovePullRequest"] = tt.remoteErr
			}
			d := f.gate.Review(context.Background(), tt.pr, models.StageSpec)
			assert.Equal(t, tt.wantKind, d.Kind)
			assert.Equal(t, tt.wantMode, d.Mode)
			assert.Equal(t, tt.wantState, d.State)
			assert.Equal(t, tt.wantActions, d.Actions)
			if tt.remoteErr != nil {
				assert.Contains(t, d.Reason, tt.remoteErr.Error())
			}
		})
	}
}

func TestReviewSubmitsToParsedPullRequestNumber(t *testing.T) {
	f := newFixture(t, "t")
	d := f.gate.Review(context.Background(), remotePR(), models.StageSpec)
	require.Equal(t, Approved, d.Kind)
	require.NotNil(t, d.PRNumber)
	assert.Equal(t, 7, *d.PRNumber)
	assert.Equal(t, 1, f.fake.Reviews[7])
}

func TestCommitSnapshotsThenAdvances(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, kind := range []Kind{Approved, ApprovedWithFallback} {
		t.Run(kind.String(), func(t *testing.T) {
			f := newFixture(t, "t")
			f.gate.WithClock(func() time.Time { return now })
			doc, c, err := f.gate.Commit(context.Background(), "cap-1", models.StageSpec, "alice", Decision{Kind: kind})
			require.NoError(t, err)

			assert.Equal(t, 3, doc.Version)
			assert.Equal(t, models.DocumentApproved, doc.Status)
			assert.Equal(t, "# Spec v2", doc.Content)
			assert.Equal(t, now, doc.CreatedAt)
			assert.Equal(t, models.StageSpecApproved, c.Stage)
			require.Len(t, c.History, 1)
			assert.Equal(t, "spec_approved", c.History[0].Type)
		})
	}
}

func TestCommitRejectedWritesNothing(t *testing.T) {
	f := newFixture(t, "t")
	ctx := context.Background()
	d := Decision{Kind: Rejected, Reason: "401 Bad credentials", Actions: []string{apperr.ActionRetryApproveStage}}

	_, _, err := f.gate.Commit(ctx, "cap-1", models.StageSpec, "alice", d)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeApprovalRejected))
	assert.Equal(t, "401 Bad credentials", apperr.ToPayload(err, "").Reason)

	latest, err := f.store.LatestDocument(ctx, "cap-1", models.StageSpec)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	c, err := f.store.GetCapability(ctx, "cap-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageSpec, c.Stage)
}

func TestCommitStageMismatchWritesNothing(t *testing.T) {
	f := newFixture(t, "t")
	ctx := context.Background()

	_, _, err := f.gate.Commit(ctx, "cap-1", models.StageArchitecture, "alice", Decision{Kind: Approved})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeStageMismatch))

	docs, err := f.store.ListDocuments(ctx, "cap-1", "")
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestCommitNonApprovableStage(t *testing.T) {
	f := newFixture(t, "t")
	_, _, err := f.gate.Commit(context.Background(), "cap-1", models.StageBuild, "alice", Decision{Kind: Approved})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidInput))
}
