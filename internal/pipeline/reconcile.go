package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danielolaszy/capflow/internal/apperr"
	"github.com/danielolaszy/capflow/internal/approval"
	"github.com/danielolaszy/capflow/internal/logging"
	"github.com/danielolaszy/capflow/internal/stage"
	"github.com/danielolaszy/capflow/internal/store"
	"github.com/danielolaszy/capflow/pkg/models"
)

// Outcomes of an inbound review approval.
const (
	ReviewApplied    = "approved"
	ReviewReconciled = "reconciled"
	ReviewIgnored    = "ignored"
)

// ReviewEvent is an approving review delivered by the remote platform.
type ReviewEvent struct {
	// Ref is the pull request head branch.
	Ref         string
	Reviewer    string
	SubmittedAt time.Time
}

// ReviewResult reports what an inbound approval did.
type ReviewResult struct {
	Outcome    string             `json:"outcome"`
	Capability *models.Capability `json:"capability"`
	Stage      models.Stage       `json:"stage,omitempty"`
	Reason     string             `json:"reason,omitempty"`
}

// HandleReviewApproved applies an approval performed directly on the remote
// platform. When the capability sits at an approvable stage the regular
// approval transition is applied, provided the review was submitted after the
// stage's latest draft was written. When the stage was already advanced by a
// self-approval fallback, the fallback is reconciled with an
// "approval-reconciled" artifact.
func (o *Orchestrator) HandleReviewApproved(ctx context.Context, ev ReviewEvent) (result *ReviewResult, err error) {
	ctx, done := o.begin(ctx, "review_approved", "", "")
	defer func() { done(err) }()

	capabilityID, err := o.capabilityForRef(ctx, ev.Ref)
	if err != nil {
		return nil, err
	}
	c, err := o.machine.Load(ctx, capabilityID)
	if err != nil {
		return nil, err
	}
	actor := o.actor(ev.Reviewer)

	if stage.IsApprovable(c.Stage) {
		s := c.Stage
		reason, err := o.staleReview(ctx, c.ID, s, ev.SubmittedAt)
		if err != nil {
			return nil, classify(err, s, apperr.CodeInternal)
		}
		if reason != "" {
			logging.FromContext(ctx).Warn("Ignoring stale review",
				"capability_id", c.ID,
				"stage", s,
				"submitted_at", ev.SubmittedAt,
				"reason", reason)
			return &ReviewResult{Outcome: ReviewIgnored, Capability: c, Stage: s, Reason: reason}, nil
		}
		decision := approval.Decision{Kind: approval.Approved, Mode: approval.ModeGitHubWebhook, State: approval.StateApproved}
		_, c, err = o.gate.Commit(ctx, c.ID, s, actor, decision)
		if err != nil {
			return nil, classify(err, s, apperr.CodeInternal, apperr.ActionRetryApproveStage)
		}
		o.recordApproval(ctx, c.ID, s, decision, actor)
		o.notifyStageChanged(ctx, c, s)
		return &ReviewResult{Outcome: ReviewApplied, Capability: c, Stage: s}, nil
	}

	last, err := o.store.LatestArtifact(ctx, c.ID, "approval")
	if errors.Is(err, store.ErrNotFound) {
		return &ReviewResult{Outcome: ReviewIgnored, Capability: c}, nil
	}
	if err != nil {
		return nil, classify(err, c.Stage, apperr.CodeInternal)
	}
	if last.Metadata["mode"] != approval.ModeSelfFallback {
		return &ReviewResult{Outcome: ReviewIgnored, Capability: c}, nil
	}

	s := models.Stage(last.Metadata["stage"])
	o.recordArtifact(ctx, c.ID, "approval-reconciled",
		fmt.Sprintf("Remote approval by %s confirms local approval of %s", actor, s), actor,
		map[string]string{"stage": string(s), "mode": approval.ModeGitHubWebhook, "reconciles": fmt.Sprint(last.Version)})
	o.recordApproval(ctx, c.ID, s, approval.Decision{
		Kind: approval.Approved, Mode: approval.ModeGitHubWebhook, State: approval.StateApproved,
	}, actor)
	return &ReviewResult{Outcome: ReviewReconciled, Capability: c, Stage: s}, nil
}

// staleReview returns a non-empty reason when a review submitted at
// submittedAt cannot have covered the latest draft of stage s.
func (o *Orchestrator) staleReview(ctx context.Context, capabilityID string, s models.Stage, submittedAt time.Time) (string, error) {
	if submittedAt.IsZero() {
		return "review has no submission time", nil
	}
	doc, err := o.store.LatestDocument(ctx, capabilityID, s)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Sprintf("no %s draft to approve", s), nil
	}
	if err != nil {
		return "", err
	}
	if submittedAt.Before(doc.CreatedAt) {
		return fmt.Sprintf("review predates %s draft v%d", s, doc.Version), nil
	}
	return "", nil
}

// capabilityForRef resolves a head branch to a capability: by the stored
// pull request record, or else by the branch's last path segment.
func (o *Orchestrator) capabilityForRef(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "refs/heads/")
	if ref == "" {
		return "", apperr.New(apperr.CodeInvalidInput, "pull request head ref is empty")
	}
	record, err := o.store.FindPullRequestByBranch(ctx, ref)
	if err == nil {
		return record.CapabilityID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("find pull request for %s: %w", ref, err)
	}
	segment := ref[strings.LastIndex(ref, "/")+1:]
	if segment == "" {
		return "", apperr.NotFound("capability", ref)
	}
	return segment, nil
}
