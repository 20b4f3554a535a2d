package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielolaszy/capflow/internal/apperr"
	"github.com/danielolaszy/capflow/internal/pipeline"
	"github.com/danielolaszy/capflow/internal/store"
	"github.com/danielolaszy/capflow/pkg/models"
)

// chdir changes the working directory for the duration of the test.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

// isolate keeps the commands away from the caller's configuration.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("HOME", t.TempDir())
	for _, key := range []string{
		"GITHUB_TOKEN", "CAPFLOW_REPOSITORY", "CAPFLOW_LOCAL_ONLY", "CAPFLOW_CREATE_ISSUES",
		"CAPFLOW_ENFORCE_REMOTE_PR", "CAPFLOW_STATE", "CAPFLOW_OTEL_ENABLED",
		"JIRA_URL", "JIRA_USERNAME", "JIRA_TOKEN", "JIRA_PROJECT",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("LOG_LEVEL", "error")
	return filepath.Join(dir, "state.json")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), err
}

func addIdea(t *testing.T, state, title string) string {
	t.Helper()
	out, err := execute(t, "idea", "add", "--state", state, "--local-only",
		"--product", "crm", "--title", title, "--problem", "Sales cannot share lists")
	require.NoError(t, err)

	var result struct {
		Idea struct {
			ID string `json:"id"`
		} `json:"idea"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.NotEmpty(t, result.Idea.ID)
	return result.Idea.ID
}

func TestRunIdeaToPullRequestInDraftMode(t *testing.T) {
	state := isolate(t)
	ideaID := addIdea(t, state, "Bulk export of contacts")

	out, err := execute(t, "run", ideaID, "--state", state, "--local-only")
	require.NoError(t, err)

	var result pipeline.RunResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, models.StagePRCreated, result.Capability.Stage)
	assert.Len(t, result.Steps, 8)
	require.NotNil(t, result.PullRequest)
	assert.Nil(t, result.PullRequest.URL)

	out, err = execute(t, "show", result.Capability.ID, "--state", state, "--local-only")
	require.NoError(t, err)
	var view capabilityView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, models.StagePRCreated, view.Capability.Stage)
	assert.NotEmpty(t, view.Documents)
	assert.NotEmpty(t, view.Artifacts)
}

func TestStateIsSharedBetweenCommands(t *testing.T) {
	state := isolate(t)
	ideaID := addIdea(t, state, "Contact export")

	out, err := execute(t, "triage", ideaID, "--state", state, "--local-only")
	require.NoError(t, err)
	var capability models.Capability
	require.NoError(t, json.Unmarshal([]byte(out), &capability))
	assert.Equal(t, models.StageTriage, capability.Stage)

	_, err = execute(t, "stage", "write", capability.ID, "spec", "--state", state, "--local-only")
	require.NoError(t, err)

	out, err = execute(t, "stage", "approve", capability.ID, "spec", "--state", state, "--local-only")
	require.NoError(t, err)
	var approved pipeline.ApprovalResult
	require.NoError(t, json.Unmarshal([]byte(out), &approved))
	assert.Equal(t, models.StageSpecApproved, approved.Capability.Stage)
	assert.Equal(t, "local", approved.Mode)
	assert.Equal(t, "APPROVED", approved.State)
}

// draftSpec triages ideaID and writes its spec, returning the capability.
func draftSpec(t *testing.T, state, ideaID string) models.Capability {
	t.Helper()
	out, err := execute(t, "triage", ideaID, "--state", state, "--local-only")
	require.NoError(t, err)
	var capability models.Capability
	require.NoError(t, json.Unmarshal([]byte(out), &capability))

	_, err = execute(t, "stage", "write", capability.ID, "spec", "--state", state, "--local-only")
	require.NoError(t, err)
	return capability
}

func TestDuplicateIdeaIsFlagged(t *testing.T) {
	state := isolate(t)
	first := addIdea(t, state, "Bulk export of contacts")

	out, err := execute(t, "idea", "add", "--state", state, "--local-only",
		"--product", "crm", "--title", "Bulk export of contacts", "--problem", "Sales cannot share lists")
	require.NoError(t, err)

	var result pipeline.IdeaResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.NotNil(t, result.DuplicateWarning)
	assert.Equal(t, first, result.DuplicateWarning.IdeaID)
	assert.NotEqual(t, first, result.Idea.ID)
}

func TestWebhookReviewsSeeStateWrittenByOtherCommands(t *testing.T) {
	state := isolate(t)
	early := draftSpec(t, state, addIdea(t, state, "Contact export"))

	// The server keeps the configuration it started with while later
	// commands keep writing the same state file.
	reviews := lockedReviews{cfg: cfg}

	lateIdea := addIdea(t, state, "Quarterly revenue dashboard")
	late := draftSpec(t, state, lateIdea)

	ctx := context.Background()
	for _, c := range []models.Capability{late, early} {
		res, err := reviews.HandleReviewApproved(ctx, pipeline.ReviewEvent{
			Ref:         "capflow/crm/" + c.ID,
			Reviewer:    "alice",
			SubmittedAt: time.Now().Add(time.Minute),
		})
		require.NoError(t, err, c.ID)
		assert.Equal(t, pipeline.ReviewApplied, res.Outcome, c.ID)
	}

	saved, err := store.OpenFile(state)
	require.NoError(t, err)
	_, err = saved.GetIdea(ctx, lateIdea)
	require.NoError(t, err)
	for _, c := range []models.Capability{early, late} {
		got, err := saved.GetCapability(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StageSpecApproved, got.Stage, c.ID)
	}
}

func TestCommandErrorsCarryCodes(t *testing.T) {
	state := isolate(t)
	ideaID := addIdea(t, state, "Contact export")

	out, err := execute(t, "triage", ideaID, "--state", state, "--local-only")
	require.NoError(t, err)
	var capability models.Capability
	require.NoError(t, json.Unmarshal([]byte(out), &capability))

	tests := []struct {
		name string
		args []string
		code apperr.Code
	}{
		{
			name: "approve before write",
			args: []string{"stage", "approve", capability.ID, "spec"},
			code: apperr.CodeStageMismatch,
		},
		{
			name: "unknown stage",
			args: []string{"stage", "write", capability.ID, "deploy"},
			code: apperr.CodeInvalidInput,
		},
		{
			name: "unknown idea",
			args: []string{"triage", "idea-missing"},
			code: apperr.CodeNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append(tt.args, "--state", state, "--local-only")...)
			require.Error(t, err)
			assert.Equal(t, tt.code, apperr.CodeOf(err))
		})
	}
}

func TestWriteErrorPayload(t *testing.T) {
	correlationID = "corr-1"
	t.Cleanup(func() { correlationID = "" })

	var buf bytes.Buffer
	writeErrorPayload(&buf, apperr.New(apperr.CodePRNotCreated, "github_pr_not_created", apperr.ActionReconnectGitHub))

	var payload apperr.Payload
	require.NoError(t, json.Unmarshal(buf.Bytes(), &payload))
	assert.Equal(t, apperr.CodePRNotCreated, payload.Error)
	assert.Equal(t, []string{apperr.ActionReconnectGitHub}, payload.Actions)
	assert.Equal(t, "corr-1", payload.CorrelationID)

	buf.Reset()
	writeErrorPayload(&buf, errors.New("unknown flag: --nope"))
	assert.Equal(t, "Error: unknown flag: --nope\n", buf.String())
}

func TestCoverageMessage(t *testing.T) {
	tests := []struct {
		name  string
		total int
		ours  int
		want  string
	}{
		{name: "empty project", total: 0, ours: 0, want: "no tickets in project"},
		{name: "partial", total: 4, ours: 1, want: "25.0% of tickets track capabilities (1/4)"},
		{name: "complete", total: 3, ours: 3, want: "100.0% of tickets track capabilities (3/3)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, coverageMessage(tt.total, tt.ours))
		})
	}
}
