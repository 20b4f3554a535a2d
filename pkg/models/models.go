// Package models defines data structures shared across the application.
package models

import (
	"time"
)

// Stage is a position in the fixed capability delivery sequence.
type Stage string

const (
	StageIdea                 Stage = "idea"
	StageTriage               Stage = "triage"
	StageSpec                 Stage = "spec"
	StageSpecApproved         Stage = "spec-approved"
	StageArchitecture         Stage = "architecture"
	StageArchitectureApproved Stage = "architecture-approved"
	StageCompliance           Stage = "compliance"
	StageComplianceApproved   Stage = "compliance-approved"
	StageBuild                Stage = "build"
	StagePRCreated            Stage = "pr-created"
)

// Idea statuses.
const (
	IdeaStatusNew      = "new"
	IdeaStatusTriaged  = "triaged"
	IdeaStatusApproved = "approved"
)

// Capability statuses.
const (
	CapabilityInProgress     = "in_progress"
	CapabilityReadyForReview = "ready_for_review"
)

// Stage document statuses.
const (
	DocumentDraft    = "draft"
	DocumentApproved = "approved"
)

// Pull request record statuses.
const (
	PullRequestDraft = "draft"
	PullRequestOpen  = "open"
)

// Scope identifies the organization, sandbox and product that own a record.
type Scope struct {
	OrgID     string `json:"orgId" yaml:"orgId"`
	SandboxID string `json:"sandboxId" yaml:"sandboxId"`
	ProductID string `json:"productId" yaml:"productId"`
}

// Key returns a stable string form of the scope for indexing.
func (s Scope) Key() string {
	return s.OrgID + "/" + s.SandboxID + "/" + s.ProductID
}

// IdeaDetails is the structured part of an idea.
type IdeaDetails struct {
	ProblemStatement   string            `json:"problemStatement,omitempty"`
	Persona            string            `json:"persona,omitempty"`
	BusinessGoal       string            `json:"businessGoal,omitempty"`
	AcceptanceCriteria []string          `json:"acceptanceCriteria,omitempty"`
	Constraints        []string          `json:"constraints,omitempty"`
	NonGoals           []string          `json:"nonGoals,omitempty"`
	Provenance         map[string]string `json:"provenance,omitempty"`
}

// Idea is an unstructured proposal waiting to enter the pipeline.
type Idea struct {
	ID          string      `json:"id"`
	Scope       Scope       `json:"scope"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Details     IdeaDetails `json:"details"`
	Status      string      `json:"status"`
	CreatedBy   string      `json:"createdBy"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// HistoryEvent is one entry of a capability's append-only history log.
type HistoryEvent struct {
	Type  string    `json:"type"`
	Actor string    `json:"actor"`
	At    time.Time `json:"at"`
	Stage Stage     `json:"stage,omitempty"`
}

// Capability is the unit of work advancing through the stage pipeline.
type Capability struct {
	ID          string         `json:"id"`
	IdeaID      string         `json:"ideaId"`
	Scope       Scope          `json:"scope"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Stage       Stage          `json:"stage"`
	Status      string         `json:"status"`
	History     []HistoryEvent `json:"history"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`

	// Revision is the store's concurrency token. Writers must present the
	// revision they read.
	Revision int64 `json:"revision"`
}

// Clone returns a copy that shares no slices with c.
func (c *Capability) Clone() *Capability {
	out := *c
	out.History = append([]HistoryEvent(nil), c.History...)
	return &out
}

// StageDocument is an immutable versioned snapshot for one capability stage.
type StageDocument struct {
	CapabilityID string    `json:"capabilityId"`
	StageKey     Stage     `json:"stageKey"`
	Version      int       `json:"version"`
	Content      string    `json:"content"`
	Diagram      string    `json:"diagram,omitempty"`
	Attachments  []string  `json:"attachments,omitempty"`
	Status       string    `json:"status"`
	Author       string    `json:"author"`
	CreatedAt    time.Time `json:"createdAt"`
}

// PullRequestRecord mirrors a remote pull request locally. A nil URL means
// the record was produced in draft mode.
type PullRequestRecord struct {
	ID           string    `json:"id"`
	CapabilityID string    `json:"capabilityId"`
	Repository   string    `json:"repository"`
	Branch       string    `json:"branch"`
	BaseBranch   string    `json:"baseBranch"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Files        []string  `json:"files"`
	URL          *string   `json:"url"`
	Number       *int      `json:"number"`
	Status       string    `json:"status"`
	CreatedBy    string    `json:"createdBy"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Artifact is an audit record of a pipeline action's output.
type Artifact struct {
	ID           string            `json:"id"`
	CapabilityID string            `json:"capabilityId"`
	Type         string            `json:"type"`
	Version      int               `json:"version"`
	Content      string            `json:"content"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedBy    string            `json:"createdBy"`
	CreatedAt    time.Time         `json:"createdAt"`
}
