package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/danielolaszy/capflow/internal/apperr"
	"github.com/danielolaszy/capflow/internal/approval"
	"github.com/danielolaszy/capflow/internal/logging"
	"github.com/danielolaszy/capflow/internal/sourcesync"
	"github.com/danielolaszy/capflow/internal/stage"
	"github.com/danielolaszy/capflow/internal/store"
	"github.com/danielolaszy/capflow/pkg/models"
)

// artifactTypes names the artifact recorded when a stage document is written.
var artifactTypes = map[models.Stage]string{
	models.StageSpec:         "spec",
	models.StageArchitecture: "architecture",
	models.StageCompliance:   "compliance-checks",
	models.StageBuild:        "build-plan",
}

// StageResult is the outcome of writing or revising a stage document.
type StageResult struct {
	Capability *models.Capability    `json:"capability"`
	Document   *models.StageDocument `json:"document"`
}

// SyncResult is the outcome of syncing documents into the pull request.
type SyncResult struct {
	Capability  *models.Capability        `json:"capability"`
	PullRequest *models.PullRequestRecord `json:"pullRequest"`
	Mode        string                    `json:"mode"`
	URL         *string                   `json:"url"`
	PRNumber    *int                      `json:"prNumber"`
	Branch      string                    `json:"branch"`
}

// ApprovalResult is the outcome of approving a stage.
type ApprovalResult struct {
	Capability  *models.Capability        `json:"capability"`
	Document    *models.StageDocument     `json:"document"`
	PullRequest *models.PullRequestRecord `json:"pullRequest"`
	Mode        string                    `json:"mode"`
	State       string                    `json:"state"`
	Reason      string                    `json:"reason,omitempty"`
	Actions     []string                  `json:"actions,omitempty"`
}

// WriteStageDocument drafts the document for s and moves the capability
// into s. The capability must be at the stage preceding s.
func (o *Orchestrator) WriteStageDocument(ctx context.Context, capabilityID string, s models.Stage, actor string) (result *StageResult, err error) {
	ctx, done := o.begin(ctx, "write_stage", capabilityID, s)
	defer func() { done(err) }()

	required, err := stage.WriteRequires(s)
	if err != nil {
		return nil, err
	}
	action := "write " + string(s)
	c, err := o.machine.Guard(ctx, capabilityID, required, action)
	if err != nil {
		return nil, classify(err, s, apperr.CodeInternal, apperr.ActionRetryWriteStage)
	}

	draft, err := o.draft(ctx, c, s)
	if err != nil {
		return nil, classify(err, s, apperr.CodeInternal, apperr.ActionRetryWriteStage)
	}
	actor = o.actor(actor)
	doc, err := o.appendDocument(ctx, c.ID, s, draft, models.DocumentDraft, actor)
	if err != nil {
		return nil, classify(err, s, apperr.CodeInternal, apperr.ActionRetryWriteStage)
	}

	c, err = o.machine.Advance(ctx, stage.Transition{
		CapabilityID: c.ID,
		Action:       action,
		Required:     required,
		Next:         s,
		Event:        string(s) + "_written",
		Actor:        actor,
	})
	if err != nil {
		return nil, classify(err, s, apperr.CodeInternal, apperr.ActionRetryWriteStage)
	}

	o.recordArtifact(ctx, c.ID, artifactTypes[s], doc.Content, actor,
		map[string]string{"stage": string(s), "version": strconv.Itoa(doc.Version)})
	o.notifyStageChanged(ctx, c, required)
	return &StageResult{Capability: c, Document: doc}, nil
}

// ReviseStageDocument appends a new draft version for s with the given
// content. The capability must be at s. A preview of the following stage is
// regenerated in the background.
func (o *Orchestrator) ReviseStageDocument(ctx context.Context, capabilityID string, s models.Stage, content, diagram, actor string) (result *StageResult, err error) {
	ctx, done := o.begin(ctx, "revise_stage", capabilityID, s)
	defer func() { done(err) }()

	if !stage.IsDocumentStage(s) {
		return nil, apperr.New(apperr.CodeInvalidInput, fmt.Sprintf("stage %q has no document", s))
	}
	action := "revise " + string(s)
	c, err := o.machine.Guard(ctx, capabilityID, s, action)
	if err != nil {
		return nil, classify(err, s, apperr.CodeInternal, apperr.ActionRetryWriteStage)
	}

	actor = o.actor(actor)
	doc, err := o.appendDocument(ctx, c.ID, s, Draft{Content: content, Diagram: diagram}, models.DocumentDraft, actor)
	if err != nil {
		return nil, classify(err, s, apperr.CodeInternal, apperr.ActionRetryWriteStage)
	}
	c, err = o.machine.Advance(ctx, stage.Transition{
		CapabilityID: c.ID,
		Action:       action,
		Required:     s,
		Next:         s,
		Event:        string(s) + "_revised",
		Actor:        actor,
	})
	if err != nil {
		return nil, classify(err, s, apperr.CodeInternal, apperr.ActionRetryWriteStage)
	}

	o.schedulePreview(ctx, c, s)
	return &StageResult{Capability: c, Document: doc}, nil
}

// schedulePreview regenerates the next stage's draft after s changed and
// stores it as a "<next>-preview" artifact.
func (o *Orchestrator) schedulePreview(ctx context.Context, c *models.Capability, s models.Stage) {
	next, ok := nextDocumentStage(s)
	if !ok {
		return
	}
	snapshot := c.Clone()
	o.submit(ctx, string(next)+"-preview", c.ID, func(ctx context.Context) error {
		draft, err := o.draft(ctx, snapshot, next)
		if err != nil {
			return err
		}
		o.recordArtifact(ctx, snapshot.ID, string(next)+"-preview", draft.Content, o.opts.Actor,
			map[string]string{"stage": string(next), "source": string(s)})
		return nil
	})
}

// SyncStageToPR pushes the latest document for s into the capability's pull
// request. The capability must be at s.
func (o *Orchestrator) SyncStageToPR(ctx context.Context, capabilityID string, s models.Stage, actor string) (result *SyncResult, err error) {
	ctx, done := o.begin(ctx, "sync_stage", capabilityID, s)
	defer func() { done(err) }()

	if !stage.IsDocumentStage(s) {
		return nil, apperr.New(apperr.CodeInvalidInput, fmt.Sprintf("stage %q has no document", s))
	}
	action := "sync " + string(s)
	c, err := o.machine.Guard(ctx, capabilityID, s, action)
	if err != nil {
		return nil, classify(err, s, apperr.CodeInternal, apperr.ActionRetrySyncStage)
	}

	record, synced, err := o.syncStages(ctx, c, []models.Stage{s})
	if err != nil {
		return nil, err
	}
	c, err = o.machine.Advance(ctx, stage.Transition{
		CapabilityID: c.ID,
		Action:       action,
		Required:     s,
		Next:         s,
		Event:        string(s) + "_synced",
		Actor:        o.actor(actor),
	})
	if err != nil {
		return nil, classify(err, s, apperr.CodeInternal, apperr.ActionRetrySyncStage)
	}
	return newSyncResult(c, record, synced), nil
}

// ApproveStage syncs the latest document for s, requests an approving
// review and, once approved, snapshots the document and moves the
// capability to the approved stage.
func (o *Orchestrator) ApproveStage(ctx context.Context, capabilityID string, s models.Stage, actor string) (*ApprovalResult, error) {
	return o.approveStage(ctx, capabilityID, s, actor, false)
}

func (o *Orchestrator) approveStage(ctx context.Context, capabilityID string, s models.Stage, actor string, requireRemote bool) (result *ApprovalResult, err error) {
	ctx, done := o.begin(ctx, "approve_stage", capabilityID, s)
	defer func() { done(err) }()

	if !stage.IsApprovable(s) {
		return nil, apperr.New(apperr.CodeInvalidInput, fmt.Sprintf("stage %q cannot be approved", s))
	}
	c, err := o.machine.Guard(ctx, capabilityID, s, "approve "+string(s))
	if err != nil {
		return nil, classify(err, s, apperr.CodeInternal, apperr.ActionRetryApproveStage)
	}

	record, synced, err := o.syncStages(ctx, c, []models.Stage{s})
	if err != nil {
		return nil, err
	}
	if requireRemote && !synced.Remote() {
		return nil, prNotCreated(s, synced)
	}

	actor = o.actor(actor)
	decision := o.gate.Review(ctx, record, s)
	o.recordApproval(ctx, c.ID, s, decision, actor)
	result = &ApprovalResult{
		Capability:  c,
		PullRequest: record,
		Mode:        decision.Mode,
		State:       decision.State,
		Reason:      decision.Reason,
		Actions:     decision.Actions,
	}
	if err := decision.Err(s); err != nil {
		return result, err
	}

	doc, c, err := o.gate.Commit(ctx, c.ID, s, actor, decision)
	if err != nil {
		return result, classify(err, s, apperr.CodeInternal, apperr.ActionRetryApproveStage)
	}
	result.Capability = c
	result.Document = doc
	o.notifyStageChanged(ctx, c, s)
	return result, nil
}

// OpenBuildPullRequest syncs every stage document into the pull request and
// moves the capability from build to pr-created.
func (o *Orchestrator) OpenBuildPullRequest(ctx context.Context, capabilityID, actor string) (*SyncResult, error) {
	return o.openBuildPullRequest(ctx, capabilityID, actor, false)
}

func (o *Orchestrator) openBuildPullRequest(ctx context.Context, capabilityID, actor string, requireRemote bool) (result *SyncResult, err error) {
	ctx, done := o.begin(ctx, "open_build_pr", capabilityID, models.StageBuild)
	defer func() { done(err) }()

	action := "open build pull request"
	c, err := o.machine.Guard(ctx, capabilityID, models.StageBuild, action)
	if err != nil {
		return nil, classify(err, models.StageBuild, apperr.CodeInternal, apperr.ActionRetrySyncStage)
	}

	record, synced, err := o.syncStages(ctx, c, stage.DocumentStages)
	if err != nil {
		return nil, err
	}
	if requireRemote && !synced.Remote() {
		return nil, prNotCreated(models.StageBuild, synced)
	}

	c, err = o.machine.Advance(ctx, stage.Transition{
		CapabilityID: c.ID,
		Action:       action,
		Required:     models.StageBuild,
		Event:        "pr_created",
		Actor:        o.actor(actor),
		Mutate: func(c *models.Capability) {
			c.Status = models.CapabilityReadyForReview
		},
	})
	if err != nil {
		return nil, classify(err, models.StageBuild, apperr.CodeInternal, apperr.ActionRetrySyncStage)
	}

	url := ""
	if record.URL != nil {
		url = *record.URL
	}
	o.recordArtifact(ctx, c.ID, "pull-request", url, o.actor(actor),
		map[string]string{"branch": record.Branch, "mode": synced.Mode})
	o.notifyStageChanged(ctx, c, models.StageBuild)
	return newSyncResult(c, record, synced), nil
}

// syncStages renders the latest documents of stages and syncs them, then
// upserts the capability's pull request record. Stages without a document
// are skipped; syncing nothing is an error.
func (o *Orchestrator) syncStages(ctx context.Context, c *models.Capability, stages []models.Stage) (*models.PullRequestRecord, *sourcesync.Result, error) {
	s := stages[len(stages)-1]
	var docs []*models.StageDocument
	for _, candidate := range stages {
		doc, err := o.store.LatestDocument(ctx, c.ID, candidate)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, classify(err, s, apperr.CodeInternal, apperr.ActionRetrySyncStage)
		}
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return nil, nil, apperr.NotFound("document", c.ID+"/"+string(s)).WithStage(s)
	}
	files, err := documentFiles(c, docs)
	if err != nil {
		return nil, nil, classify(err, s, apperr.CodeInternal, apperr.ActionRetrySyncStage)
	}

	existing, err := o.store.GetPullRequest(ctx, c.ID, o.opts.Repository)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, nil, classify(err, s, apperr.CodeInternal, apperr.ActionRetrySyncStage)
	}
	branch := sourcesync.BranchName(o.opts.BranchPrefix, c.Scope.ProductID, c.ID)
	base := o.opts.BaseBranch
	if existing != nil {
		branch = existing.Branch
		if existing.BaseBranch != "" {
			base = existing.BaseBranch
		}
	}

	title := fmt.Sprintf("[capflow] %s", c.Title)
	synced, err := o.engine.SyncDocsToPullRequest(ctx, sourcesync.Request{
		Repository:  o.opts.Repository,
		Branch:      branch,
		BaseBranch:  base,
		Title:       title,
		Description: pullRequestBody(c),
		Message:     fmt.Sprintf("capflow: sync %s documents for %s", s, c.ID),
		Files:       files,
	})
	if err != nil {
		return nil, nil, classify(err, s, apperr.CodeRemoteSyncFailure,
			apperr.ActionRetrySyncStage, apperr.ActionReconnectGitHub)
	}

	record, err := o.savePullRequest(ctx, c, existing, title, synced)
	if err != nil {
		return nil, nil, classify(err, s, apperr.CodeInternal, apperr.ActionRetrySyncStage)
	}
	logging.FromContext(ctx).Info("Stage documents synced",
		"capability_id", c.ID, "stage", s, "mode", synced.Mode, "branch", record.Branch)
	return record, synced, nil
}

// savePullRequest upserts the single record for (capability, repository).
// A draft sync never clears a remote URL recorded earlier.
func (o *Orchestrator) savePullRequest(ctx context.Context, c *models.Capability, existing *models.PullRequestRecord, title string, synced *sourcesync.Result) (*models.PullRequestRecord, error) {
	now := o.now()
	record := existing
	if record == nil {
		record = &models.PullRequestRecord{
			ID:           o.newID(),
			CapabilityID: c.ID,
			Repository:   o.opts.Repository,
			Status:       models.PullRequestDraft,
			CreatedBy:    o.opts.Actor,
			CreatedAt:    now,
		}
	}
	record.Branch = synced.Branch
	record.BaseBranch = synced.BaseBranch
	record.Title = title
	record.Description = pullRequestBody(c)
	record.Files = mergeFiles(record.Files, synced.Files)
	if synced.Remote() {
		record.URL = synced.URL
		record.Number = synced.PRNumber
		record.Status = models.PullRequestOpen
	}
	record.UpdatedAt = now
	if err := o.store.SavePullRequest(ctx, record); err != nil {
		return nil, fmt.Errorf("save pull request record: %w", err)
	}
	return record, nil
}

func (o *Orchestrator) recordApproval(ctx context.Context, capabilityID string, s models.Stage, d approval.Decision, actor string) {
	metadata := map[string]string{
		"stage": string(s),
		"mode":  d.Mode,
		"state": d.State,
	}
	if d.PRNumber != nil {
		metadata["prNumber"] = strconv.Itoa(*d.PRNumber)
	}
	o.recordArtifact(ctx, capabilityID, "approval", d.Reason, actor, metadata)
}

// draft asks the producer for s, passing the latest earlier documents.
func (o *Orchestrator) draft(ctx context.Context, c *models.Capability, s models.Stage) (Draft, error) {
	idea, err := o.store.GetIdea(ctx, c.IdeaID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Draft{}, fmt.Errorf("load idea %s: %w", c.IdeaID, err)
	}
	var previous []*models.StageDocument
	for _, earlier := range stage.DocumentStages {
		if earlier == s {
			break
		}
		doc, err := o.store.LatestDocument(ctx, c.ID, earlier)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return Draft{}, fmt.Errorf("load %s document: %w", earlier, err)
		}
		previous = append(previous, doc)
	}
	draft, err := o.producer.Draft(ctx, DraftInput{Capability: c, Idea: idea, Stage: s, Previous: previous})
	if err != nil {
		return Draft{}, fmt.Errorf("draft %s: %w", s, err)
	}
	return draft, nil
}

// appendDocument writes the next version for (capability, s).
func (o *Orchestrator) appendDocument(ctx context.Context, capabilityID string, s models.Stage, draft Draft, status, actor string) (*models.StageDocument, error) {
	version := 1
	latest, err := o.store.LatestDocument(ctx, capabilityID, s)
	switch {
	case err == nil:
		version = latest.Version + 1
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("load %s document: %w", s, err)
	}
	return o.store.AppendDocument(ctx, &models.StageDocument{
		CapabilityID: capabilityID,
		StageKey:     s,
		Version:      version,
		Content:      draft.Content,
		Diagram:      draft.Diagram,
		Attachments:  draft.Attachments,
		Status:       status,
		Author:       actor,
		CreatedAt:    o.now(),
	})
}

func prNotCreated(s models.Stage, synced *sourcesync.Result) error {
	err := apperr.New(apperr.CodePRNotCreated, string(apperr.CodePRNotCreated),
		apperr.ActionReconnectGitHub, apperr.ActionOpenPR, apperr.ActionRetryRunPipeline)
	if synced != nil && synced.DraftReason != "" {
		err.Err = errors.New("sync ran in draft mode: " + synced.DraftReason)
	}
	return err.WithStage(s)
}

func newSyncResult(c *models.Capability, record *models.PullRequestRecord, synced *sourcesync.Result) *SyncResult {
	return &SyncResult{
		Capability:  c,
		PullRequest: record,
		Mode:        synced.Mode,
		URL:         synced.URL,
		PRNumber:    synced.PRNumber,
		Branch:      synced.Branch,
	}
}

func nextDocumentStage(s models.Stage) (models.Stage, bool) {
	for i, candidate := range stage.DocumentStages {
		if candidate == s && i+1 < len(stage.DocumentStages) {
			return stage.DocumentStages[i+1], true
		}
	}
	return "", false
}

func pullRequestBody(c *models.Capability) string {
	return fmt.Sprintf("%s\n\nCapability `%s`, managed by capflow.", c.Description, c.ID)
}

func mergeFiles(existing, added []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(added))
	out := make([]string, 0, len(existing)+len(added))
	for _, f := range append(append([]string(nil), existing...), added...) {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
