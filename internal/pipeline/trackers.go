package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/danielolaszy/capflow/internal/github"
	"github.com/danielolaszy/capflow/internal/store"
	"github.com/danielolaszy/capflow/pkg/models"
)

// Tracker mirrors capability progress into an external work tracker.
// *jira.Client satisfies it.
type Tracker interface {
	Name() string
	CapabilityCreated(ctx context.Context, capability *models.Capability) (string, error)
	StageChanged(ctx context.Context, ref string, capability *models.Capability, from models.Stage) error
}

// IssueCreator opens issues on the hosting platform. *github.Client
// satisfies it.
type IssueCreator interface {
	CreateIssue(ctx context.Context, repository, title, body string, labels []string) (*github.Issue, error)
}

// IssueTracker opens one GitHub issue per capability. Stage changes are
// already visible on the pull request, so it does not comment.
type IssueTracker struct {
	issues     IssueCreator
	repository string
}

// NewIssueTracker returns a tracker filing issues in repository.
func NewIssueTracker(issues IssueCreator, repository string) *IssueTracker {
	return &IssueTracker{issues: issues, repository: repository}
}

// Name implements Tracker.
func (t *IssueTracker) Name() string { return "github-issue" }

// CapabilityCreated implements Tracker.
func (t *IssueTracker) CapabilityCreated(ctx context.Context, c *models.Capability) (string, error) {
	body := fmt.Sprintf("%s\n\nTracking capability `%s`.", c.Description, c.ID)
	issue, err := t.issues.CreateIssue(ctx, t.repository, "[capflow] "+c.Title, body, []string{"capflow"})
	if err != nil {
		return "", err
	}
	return issue.URL, nil
}

// StageChanged implements Tracker.
func (t *IssueTracker) StageChanged(context.Context, string, *models.Capability, models.Stage) error {
	return nil
}

// ErrNoTrackerRef fails a stage notification for a capability whose tracker
// item was never created.
var ErrNoTrackerRef = errors.New("no tracker reference")

func trackerArtifact(t Tracker) string {
	return "tracker-" + t.Name()
}

func (o *Orchestrator) notifyCreated(ctx context.Context, c *models.Capability) {
	for _, t := range o.trackers {
		snapshot := c.Clone()
		o.submit(ctx, trackerArtifact(t)+":created", c.ID, func(ctx context.Context) error {
			ref, err := t.CapabilityCreated(ctx, snapshot)
			if err != nil {
				return err
			}
			o.recordArtifact(ctx, snapshot.ID, trackerArtifact(t), ref, o.opts.Actor, map[string]string{"tracker": t.Name()})
			return nil
		})
	}
}

func (o *Orchestrator) notifyStageChanged(ctx context.Context, c *models.Capability, from models.Stage) {
	for _, t := range o.trackers {
		snapshot := c.Clone()
		o.submit(ctx, trackerArtifact(t)+":stage", c.ID, func(ctx context.Context) error {
			ref, err := o.store.LatestArtifact(ctx, snapshot.ID, trackerArtifact(t))
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s has no reference for %s", ErrNoTrackerRef, t.Name(), snapshot.ID)
			}
			if err != nil {
				return err
			}
			return t.StageChanged(ctx, ref.Content, snapshot, from)
		})
	}
}
