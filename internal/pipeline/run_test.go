package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielolaszy/capflow/internal/apperr"
	"github.com/danielolaszy/capflow/internal/sourcesync"
	"github.com/danielolaszy/capflow/pkg/models"
)

func TestRunIdeaToPR(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	idea := h.idea(t, "Lead scoring widget", "Score inbound leads")

	res, err := h.orch.RunIdeaToPR(ctx, idea.ID, RunOptions{CorrelationID: "corr-42"})
	require.NoError(t, err)
	assert.Equal(t, "corr-42", res.CorrelationID)
	assert.Equal(t, models.StagePRCreated, res.Capability.Stage)
	assert.Equal(t, models.CapabilityReadyForReview, res.Capability.Status)
	require.Len(t, res.Steps, 8)
	assert.Equal(t, "open-build-pr", res.Steps[7].Step)

	records, err := h.store.ListPullRequests(ctx, res.Capability.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotEmpty(t, records[0].Files)
	require.NotNil(t, records[0].URL)
	assert.Equal(t, res.PullRequest.ID, records[0].ID)
	assert.Equal(t, 1, h.fake.OpenPulls(records[0].Branch))

	for _, s := range []models.Stage{models.StageSpec, models.StageArchitecture, models.StageCompliance} {
		latest, err := h.store.LatestDocument(ctx, res.Capability.ID, s)
		require.NoError(t, err)
		assert.Equal(t, models.DocumentApproved, latest.Status, "stage %s", s)
	}
	assert.Contains(t, records[0].Files, DiagramPath(res.Capability.ID, models.StageArchitecture))
	assert.Contains(t, records[0].Files, DocumentPath(res.Capability.ID, models.StageBuild))
}

func TestRunIdeaToPRWithoutCredential(t *testing.T) {
	h := newHarness(t, withToken(""))
	ctx := context.Background()
	idea := h.idea(t, "Lead scoring widget", "Score inbound leads")

	res, err := h.orch.RunIdeaToPR(ctx, idea.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StagePRCreated, res.Capability.Stage)
	for _, st := range res.Steps {
		assert.Nil(t, st.URL, "step %s", st.Step)
	}
	assert.Equal(t, sourcesync.ModeDraft, res.Steps[7].Mode)
	require.NotNil(t, res.PullRequest)
	assert.Nil(t, res.PullRequest.URL)
	assert.Nil(t, res.PullRequest.Number)
	assert.Equal(t, models.PullRequestDraft, res.PullRequest.Status)
	assert.NotEmpty(t, res.PullRequest.Files)
	assert.Zero(t, h.fake.TotalCalls())
}

func TestSyncWithoutCredentialIsDraft(t *testing.T) {
	h := newHarness(t, withToken(""))
	ctx := context.Background()
	c := h.capability(t)
	_, err := h.orch.WriteStageDocument(ctx, c.ID, models.StageSpec, "")
	require.NoError(t, err)

	res, err := h.orch.SyncStageToPR(ctx, c.ID, models.StageSpec, "")
	require.NoError(t, err)
	assert.Equal(t, sourcesync.ModeDraft, res.Mode)
	assert.Nil(t, res.URL)
	assert.Nil(t, res.PRNumber)
}

func TestRunIdeaToPREnforcesRemotePR(t *testing.T) {
	enforce := true
	tests := []struct {
		name string
		opts []harnessOption
		run  RunOptions
	}{
		{"per run", []harnessOption{withToken("")}, RunOptions{EnforceRemotePR: &enforce, CorrelationID: "corr-9"}},
		{"orchestrator default", []harnessOption{withToken(""), withEnforce()}, RunOptions{CorrelationID: "corr-9"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.opts...)
			ctx := context.Background()
			idea := h.idea(t, "Lead scoring widget", "Score inbound leads")

			res, err := h.orch.RunIdeaToPR(ctx, idea.ID, tt.run)
			require.Error(t, err)
			payload := apperr.ToPayload(err, res.CorrelationID)
			assert.Equal(t, apperr.CodePRNotCreated, payload.Error)
			assert.Equal(t, "github_pr_not_created", payload.Reason)
			assert.Equal(t, models.StageSpec, payload.Stage)
			assert.Equal(t, "corr-9", payload.CorrelationID)
			assert.Equal(t, models.StageSpec, h.reload(t, res.Capability.ID).Stage)
		})
	}
}

func TestRunIdeaToPRStopsAtFirstFailureAndResumes(t *testing.T) {
	offline := true
	producer := DraftFunc(func(ctx context.Context, in DraftInput) (Draft, error) {
		if offline && in.Stage == models.StageArchitecture {
			return Draft{}, errors.New("generator offline")
		}
		return NewTemplateProducer().Draft(ctx, in)
	})
	h := newHarness(t, withProducer(producer))
	ctx := context.Background()
	idea := h.idea(t, "Lead scoring widget", "Score inbound leads")

	res, err := h.orch.RunIdeaToPR(ctx, idea.ID, RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generator offline")
	payload := apperr.ToPayload(err, "")
	assert.Equal(t, models.StageArchitecture, payload.Stage)
	assert.Equal(t, []string{apperr.ActionRetryWriteStage}, payload.Actions)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, models.StageSpecApproved, h.reload(t, res.Capability.ID).Stage)

	offline = false
	res, err = h.orch.RunIdeaToPR(ctx, idea.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StagePRCreated, res.Capability.Stage)
	assert.Len(t, res.Steps, 6)

	records, err := h.store.ListPullRequests(ctx, res.Capability.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRunIdeaToPRUnknownIdea(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.RunIdeaToPR(context.Background(), "missing", RunOptions{})
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}
