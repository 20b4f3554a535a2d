package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danielolaszy/capflow/internal/apperr"
	"github.com/danielolaszy/capflow/internal/similarity"
	"github.com/danielolaszy/capflow/internal/store"
	"github.com/danielolaszy/capflow/pkg/models"
)

// similarLimit is the number of matches attached to a new idea.
const similarLimit = 5

// IdeaInput is a proposal submitted for intake.
type IdeaInput struct {
	Scope       models.Scope
	Title       string
	Description string
	Details     models.IdeaDetails
	CreatedBy   string
}

// IdeaResult is a stored idea with its duplicate check.
type IdeaResult struct {
	Idea             *models.Idea        `json:"idea"`
	Similar          []similarity.Match  `json:"similar"`
	DuplicateWarning *similarity.Warning `json:"duplicateWarning"`
}

// CreateIdea validates and stores an idea. A likely duplicate in the same
// scope is reported as a warning; the idea is stored regardless.
func (o *Orchestrator) CreateIdea(ctx context.Context, in IdeaInput) (result *IdeaResult, err error) {
	ctx, done := o.begin(ctx, "create_idea", "", "")
	defer func() { done(err) }()

	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "idea title is required")
	}
	now := o.now()
	idea := &models.Idea{
		ID:          o.newID(),
		Scope:       in.Scope,
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Details:     normalizeDetails(in.Details),
		Status:      models.IdeaStatusNew,
		CreatedBy:   o.actor(in.CreatedBy),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	existing, err := o.store.ListIdeas(ctx, in.Scope)
	if err != nil {
		return nil, fmt.Errorf("list ideas: %w", err)
	}
	match := similarity.NewIndex(existing).Query(similarity.IdeaTokens(idea), similarLimit, idea.ID)

	if err := o.store.CreateIdea(ctx, idea); err != nil {
		return nil, fmt.Errorf("store idea: %w", err)
	}
	return &IdeaResult{Idea: idea, Similar: match.Matches, DuplicateWarning: match.DuplicateWarning}, nil
}

// FindSimilar ranks the ideas of scope against free text.
func (o *Orchestrator) FindSimilar(ctx context.Context, scope models.Scope, text string, limit int) (similarity.Result, error) {
	ideas, err := o.store.ListIdeas(ctx, scope)
	if err != nil {
		return similarity.Result{}, fmt.Errorf("list ideas: %w", err)
	}
	return similarity.NewIndex(ideas).Query(similarity.Tokenize(text), limit, ""), nil
}

// EnrichIdea merges the non-empty fields of details into the idea.
func (o *Orchestrator) EnrichIdea(ctx context.Context, ideaID string, details models.IdeaDetails) (*models.Idea, error) {
	idea, err := o.loadIdea(ctx, ideaID)
	if err != nil {
		return nil, err
	}
	details = normalizeDetails(details)
	merged := idea.Details
	if details.ProblemStatement != "" {
		merged.ProblemStatement = details.ProblemStatement
	}
	if details.Persona != "" {
		merged.Persona = details.Persona
	}
	if details.BusinessGoal != "" {
		merged.BusinessGoal = details.BusinessGoal
	}
	if len(details.AcceptanceCriteria) > 0 {
		merged.AcceptanceCriteria = details.AcceptanceCriteria
	}
	if len(details.Constraints) > 0 {
		merged.Constraints = details.Constraints
	}
	if len(details.NonGoals) > 0 {
		merged.NonGoals = details.NonGoals
	}
	for k, v := range details.Provenance {
		if merged.Provenance == nil {
			merged.Provenance = make(map[string]string)
		}
		merged.Provenance[k] = v
	}
	idea.Details = merged
	idea.UpdatedAt = o.now()
	if err := o.store.UpdateIdea(ctx, idea); err != nil {
		return nil, fmt.Errorf("update idea: %w", err)
	}
	return idea, nil
}

// Triage turns an idea into a capability at stage triage. Triaging an idea
// twice returns the existing capability.
func (o *Orchestrator) Triage(ctx context.Context, ideaID, actor string) (capability *models.Capability, err error) {
	ctx, done := o.begin(ctx, "triage", "", models.StageTriage)
	defer func() { done(err) }()

	idea, err := o.loadIdea(ctx, ideaID)
	if err != nil {
		return nil, err
	}
	existing, err := o.store.FindCapabilityByIdea(ctx, idea.ID)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, classify(err, models.StageTriage, apperr.CodeInternal, apperr.ActionRetryTriage)
	}

	actor = o.actor(actor)
	now := o.now()
	capability = &models.Capability{
		ID:          o.newID(),
		IdeaID:      idea.ID,
		Scope:       idea.Scope,
		Title:       idea.Title,
		Description: idea.Description,
		Stage:       models.StageTriage,
		Status:      models.CapabilityInProgress,
		History: []models.HistoryEvent{
			{Type: "triaged", Actor: actor, At: now, Stage: models.StageTriage},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateCapability(ctx, capability); err != nil {
		return nil, classify(err, models.StageTriage, apperr.CodeInternal, apperr.ActionRetryTriage)
	}

	idea.Status = models.IdeaStatusTriaged
	idea.UpdatedAt = now
	if err := o.store.UpdateIdea(ctx, idea); err != nil {
		return nil, classify(err, models.StageTriage, apperr.CodeInternal, apperr.ActionRetryTriage)
	}

	o.recordArtifact(ctx, capability.ID, "triage", idea.Title+"\n\n"+idea.Description, actor,
		map[string]string{"ideaId": idea.ID})
	o.notifyCreated(ctx, capability)
	return capability, nil
}

func (o *Orchestrator) loadIdea(ctx context.Context, id string) (*models.Idea, error) {
	idea, err := o.store.GetIdea(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("idea", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load idea %s: %w", id, err)
	}
	return idea, nil
}

func normalizeDetails(d models.IdeaDetails) models.IdeaDetails {
	d.ProblemStatement = strings.TrimSpace(d.ProblemStatement)
	d.Persona = strings.TrimSpace(d.Persona)
	d.BusinessGoal = strings.TrimSpace(d.BusinessGoal)
	d.AcceptanceCriteria = compact(d.AcceptanceCriteria)
	d.Constraints = compact(d.Constraints)
	d.NonGoals = compact(d.NonGoals)
	return d
}

func compact(items []string) []string {
	var out []string
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
