package pipeline

import (
	"context"

	"github.com/danielolaszy/capflow/internal/apperr"
	"github.com/danielolaszy/capflow/internal/logging"
	"github.com/danielolaszy/capflow/internal/stage"
	"github.com/danielolaszy/capflow/pkg/models"
)

// RunOptions adjusts a single end-to-end run.
type RunOptions struct {
	// EnforceRemotePR fails the run when a sync stays in draft mode.
	// Nil uses the orchestrator default.
	EnforceRemotePR *bool
	CorrelationID   string
	Actor           string
}

// StepResult records one completed step of a run.
type StepResult struct {
	Step  string       `json:"step"`
	Stage models.Stage `json:"stage"`
	Mode  string       `json:"mode,omitempty"`
	URL   *string      `json:"url,omitempty"`
}

// RunResult is the outcome of RunIdeaToPR.
type RunResult struct {
	Capability    *models.Capability        `json:"capability"`
	PullRequest   *models.PullRequestRecord `json:"pullRequest"`
	Steps         []StepResult              `json:"steps"`
	CorrelationID string                    `json:"correlationId"`
}

type step struct {
	name string
	// reaches is the stage the capability is at once the step succeeded.
	reaches models.Stage
	run     func(ctx context.Context, capabilityID string) (StepResult, error)
}

// RunIdeaToPR triages the idea and drives the capability through every
// stage up to pr-created. Steps already completed by an earlier run are
// skipped. The run stops at the first failing step and returns that step's
// error unchanged.
func (o *Orchestrator) RunIdeaToPR(ctx context.Context, ideaID string, opts RunOptions) (result *RunResult, err error) {
	ctx = WithCorrelationID(ctx, opts.CorrelationID)
	enforce := o.opts.EnforceRemotePR
	if opts.EnforceRemotePR != nil {
		enforce = *opts.EnforceRemotePR
	}

	ctx, done := o.begin(ctx, "run_idea_to_pr", "", "")
	defer func() { done(err) }()

	c, err := o.Triage(ctx, ideaID, opts.Actor)
	if err != nil {
		return nil, err
	}
	result = &RunResult{Capability: c, CorrelationID: logging.CorrelationID(ctx)}

	for _, st := range o.steps(opts.Actor, enforce) {
		if stage.Index(result.Capability.Stage) >= stage.Index(st.reaches) {
			continue
		}
		out, err := st.run(ctx, c.ID)
		if err != nil {
			return result, err
		}
		out.Step, out.Stage = st.name, st.reaches
		result.Steps = append(result.Steps, out)
		if result.Capability, err = o.machine.Load(ctx, c.ID); err != nil {
			return result, err
		}
	}

	result.PullRequest, err = o.store.GetPullRequest(ctx, c.ID, o.opts.Repository)
	if err != nil {
		return result, classify(err, models.StagePRCreated, apperr.CodeInternal)
	}
	return result, nil
}

func (o *Orchestrator) steps(actor string, enforce bool) []step {
	write := func(s models.Stage) step {
		return step{name: "write-" + string(s), reaches: s,
			run: func(ctx context.Context, id string) (StepResult, error) {
				if _, err := o.WriteStageDocument(ctx, id, s, actor); err != nil {
					return StepResult{}, err
				}
				return StepResult{}, nil
			}}
	}
	approve := func(s models.Stage) step {
		next, _ := stage.Next(s)
		return step{name: "approve-" + string(s), reaches: next,
			run: func(ctx context.Context, id string) (StepResult, error) {
				res, err := o.approveStage(ctx, id, s, actor, enforce)
				if err != nil {
					return StepResult{}, err
				}
				return StepResult{Mode: res.Mode, URL: res.PullRequest.URL}, nil
			}}
	}
	return []step{
		write(models.StageSpec),
		approve(models.StageSpec),
		write(models.StageArchitecture),
		approve(models.StageArchitecture),
		write(models.StageCompliance),
		approve(models.StageCompliance),
		write(models.StageBuild),
		{name: "open-build-pr", reaches: models.StagePRCreated,
			run: func(ctx context.Context, id string) (StepResult, error) {
				res, err := o.openBuildPullRequest(ctx, id, actor, enforce)
				if err != nil {
					return StepResult{}, err
				}
				return StepResult{Mode: res.Mode, URL: res.URL}, nil
			}},
	}
}
