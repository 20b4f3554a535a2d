// Package approval gates stage transitions on an external pull request
// review.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/danielolaszy/capflow/internal/apperr"
	"github.com/danielolaszy/capflow/internal/github"
	"github.com/danielolaszy/capflow/internal/logging"
	"github.com/danielolaszy/capflow/internal/sourcesync"
	"github.com/danielolaszy/capflow/internal/stage"
	"github.com/danielolaszy/capflow/internal/store"
	"github.com/danielolaszy/capflow/internal/telemetry"
	"github.com/danielolaszy/capflow/pkg/models"
)

// Kind distinguishes the three approval outcomes.
type Kind int

const (
	// Approved means the remote review was accepted, or no remote exists.
	Approved Kind = iota
	// ApprovedWithFallback means the platform refused a self-approval and
	// the approval was recorded locally instead.
	ApprovedWithFallback
	// Rejected means the review could not be submitted. The stage must not
	// advance.
	Rejected
)

func (k Kind) String() string {
	switch k {
	case Approved:
		return "approved"
	case ApprovedWithFallback:
		return "approved-with-fallback"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Modes and states reported with a decision.
const (
	ModeGitHub        = "github"
	ModeLocal         = "local"
	ModeSelfFallback  = "local-self-approval-fallback"
	ModeGitHubError   = "github-error"
	ModeGitHubWebhook = "github-webhook"

	StateApproved       = "APPROVED"
	StateApprovalFailed = "APPROVAL_FAILED"
)

// Decision is the outcome of requesting a review.
type Decision struct {
	Kind     Kind
	Mode     string
	State    string
	Reason   string
	Actions  []string
	PRNumber *int
	URL      *string
}

// Advances reports whether the decision allows the stage to move.
func (d Decision) Advances() bool {
	return d.Kind == Approved || d.Kind == ApprovedWithFallback
}

// Err returns the caller-facing error for a rejected decision, or nil.
func (d Decision) Err(s models.Stage) error {
	if d.Advances() {
		return nil
	}
	return apperr.New(apperr.CodeApprovalRejected, d.Reason, d.Actions...).WithStage(s)
}

// Reviewer submits approving reviews. *github.Client satisfies it.
type Reviewer interface {
	ApprovePullRequest(ctx context.Context, repository string, number int, body string) error
}

// ReviewerFactory builds a Reviewer for a resolved token.
type ReviewerFactory func(ctx context.Context, token string) (Reviewer, error)

// GitHubReviewers returns a ReviewerFactory backed by go-github.
func GitHubReviewers(domain string, timeout time.Duration) ReviewerFactory {
	return func(ctx context.Context, token string) (Reviewer, error) {
		return github.NewClient(ctx, github.Options{Token: token, Domain: domain, Timeout: timeout})
	}
}

// Gate decides approvals and applies them to the capability.
type Gate struct {
	machine   *stage.Machine
	docs      store.DocumentStore
	auth      sourcesync.AuthResolver
	reviewers ReviewerFactory
	now       func() time.Time
}

// NewGate wires a Gate.
func NewGate(machine *stage.Machine, docs store.DocumentStore, auth sourcesync.AuthResolver, reviewers ReviewerFactory) *Gate {
	return &Gate{
		machine:   machine,
		docs:      docs,
		auth:      auth,
		reviewers: reviewers,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the timestamp source for snapshots.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Review requests an approving review on the pull request mirrored by pr.
// Without a resolvable remote pull request the approval is local.
func (g *Gate) Review(ctx context.Context, pr *models.PullRequestRecord, s models.Stage) (d Decision) {
	ctx, span := telemetry.Start(ctx, "capflow/approval", "approval.review",
		attribute.String("capflow.stage", string(s)))
	defer func() {
		span.SetAttributes(attribute.String("capflow.approval_mode", d.Mode))
		var err error
		if d.Kind == Rejected {
			err = errors.New(d.Reason)
		}
		telemetry.End(span, err)
	}()
	log := logging.FromContext(ctx)

	number, repository, ok := remotePullRequest(pr)
	if !ok {
		return Decision{Kind: Approved, Mode: ModeLocal, State: StateApproved}
	}
	d = Decision{PRNumber: &number, URL: pr.URL}

	cred, err := g.auth.Resolve(ctx)
	if err == nil {
		if draft, reason := sourcesync.DraftMode(repository, cred); draft {
			log.Info("Approving locally", "stage", s, "reason", reason)
			d.Kind, d.Mode, d.State = Approved, ModeLocal, StateApproved
			return d
		}
		var reviewer Reviewer
		if reviewer, err = g.reviewers(ctx, cred.Token); err == nil {
			body := fmt.Sprintf("Approved %s stage.", s)
			err = reviewer.ApprovePullRequest(ctx, repository, number, body)
		}
	}

	switch {
	case err == nil:
		d.Kind, d.Mode, d.State = Approved, ModeGitHub, StateApproved
	case errors.Is(err, github.ErrSelfApproval):
		log.Warn("Remote rejected self-approval, recording local approval", "stage", s, "pr", number, "error", err)
		d.Kind, d.Mode, d.State = ApprovedWithFallback, ModeSelfFallback, StateApproved
		d.Reason = err.Error()
		d.Actions = []string{apperr.ActionApproveWithDifferentUser, apperr.ActionRetryApproveStage}
	default:
		log.Error("Approval failed", "stage", s, "pr", number, "error", err)
		d.Kind, d.Mode, d.State = Rejected, ModeGitHubError, StateApprovalFailed
		d.Reason = err.Error()
		d.Actions = []string{apperr.ActionRetryApproveStage, apperr.ActionOpenPR, apperr.ActionReconnectGitHub}
	}
	return d
}

// Commit records an advancing decision: it snapshots the latest document for
// s as a new approved version, then moves the capability from s to its
// approved stage. A rejected decision writes nothing.
func (g *Gate) Commit(ctx context.Context, capabilityID string, s models.Stage, actor string, d Decision) (*models.StageDocument, *models.Capability, error) {
	if err := d.Err(s); err != nil {
		return nil, nil, err
	}
	if !stage.IsApprovable(s) {
		return nil, nil, apperr.New(apperr.CodeInvalidInput, fmt.Sprintf("stage %s cannot be approved", s))
	}
	action := "approve " + string(s)
	if _, err := g.machine.Guard(ctx, capabilityID, s, action); err != nil {
		return nil, nil, err
	}

	latest, err := g.docs.LatestDocument(ctx, capabilityID, s)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, apperr.NotFound("document", capabilityID+"/"+string(s))
		}
		return nil, nil, fmt.Errorf("load %s document: %w", s, err)
	}
	snapshot := &models.StageDocument{
		CapabilityID: capabilityID,
		StageKey:     s,
		Version:      latest.Version + 1,
		Content:      latest.Content,
		Diagram:      latest.Diagram,
		Attachments:  append([]string(nil), latest.Attachments...),
		Status:       models.DocumentApproved,
		Author:       actor,
		CreatedAt:    g.now(),
	}
	approved, err := g.docs.AppendDocument(ctx, snapshot)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot approved %s document: %w", s, err)
	}

	capability, err := g.machine.Advance(ctx, stage.Transition{
		CapabilityID: capabilityID,
		Action:       action,
		Required:     s,
		Event:        string(s) + "_approved",
		Actor:        actor,
	})
	if err != nil {
		return approved, nil, err
	}
	return approved, capability, nil
}

func remotePullRequest(pr *models.PullRequestRecord) (int, string, bool) {
	if pr == nil || pr.URL == nil || pr.Repository == "" {
		return 0, "", false
	}
	if n, ok := sourcesync.PullRequestNumber(*pr.URL); ok {
		return n, pr.Repository, true
	}
	if pr.Number != nil && *pr.Number > 0 {
		return *pr.Number, pr.Repository, true
	}
	return 0, "", false
}
