// Package pipeline drives capabilities from idea to pull request. Every
// state-changing operation goes through the stage guard; every remote
// effect goes through the sync engine or the approval gate.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/danielolaszy/capflow/internal/apperr"
	"github.com/danielolaszy/capflow/internal/approval"
	"github.com/danielolaszy/capflow/internal/logging"
	"github.com/danielolaszy/capflow/internal/sourcesync"
	"github.com/danielolaszy/capflow/internal/stage"
	"github.com/danielolaszy/capflow/internal/store"
	"github.com/danielolaszy/capflow/internal/tasks"
	"github.com/danielolaszy/capflow/internal/telemetry"
	"github.com/danielolaszy/capflow/pkg/models"
)

const tracerScope = "capflow/pipeline"

// Options configures an Orchestrator.
type Options struct {
	Repository   string
	BaseBranch   string
	BranchPrefix string
	// Actor is recorded on history events when the caller supplies none.
	Actor string
	// EnforceRemotePR is the default for RunIdeaToPR.
	EnforceRemotePR bool
}

// Deps are the collaborators of an Orchestrator. Queue and Trackers are
// optional; without a queue no background work is scheduled.
type Deps struct {
	Store     store.Store
	Auth      sourcesync.AuthResolver
	Remotes   sourcesync.RemoteFactory
	Reviewers approval.ReviewerFactory
	Producer  DraftProducer
	Queue     *tasks.Queue
	Trackers  []Tracker
}

// Orchestrator composes the stage guard, sync engine and approval gate.
type Orchestrator struct {
	store    store.Store
	machine  *stage.Machine
	engine   *sourcesync.Engine
	gate     *approval.Gate
	producer DraftProducer
	queue    *tasks.Queue
	trackers []Tracker
	opts     Options
	now      func() time.Time
	newID    func() string
}

// New wires an Orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.Actor == "" {
		opts.Actor = "capflow"
	}
	if deps.Producer == nil {
		deps.Producer = NewTemplateProducer()
	}
	machine := stage.NewMachine(deps.Store)
	return &Orchestrator{
		store:    deps.Store,
		machine:  machine,
		engine:   sourcesync.NewEngine(deps.Auth, deps.Remotes),
		gate:     approval.NewGate(machine, deps.Store, deps.Auth, deps.Reviewers),
		producer: deps.Producer,
		queue:    deps.Queue,
		trackers: deps.Trackers,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// WithClock overrides the timestamp source everywhere.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	o.machine.WithClock(now)
	o.engine.WithClock(now)
	o.gate.WithClock(now)
	return o
}

// WithIDs overrides identifier generation.
func (o *Orchestrator) WithIDs(newID func() string) *Orchestrator {
	o.newID = newID
	return o
}

// WithCorrelationID returns ctx carrying id, or a generated id when id is
// empty and ctx carries none.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		if logging.CorrelationID(ctx) != "" {
			return ctx
		}
		id = uuid.NewString()
	}
	return logging.WithCorrelationID(ctx, id)
}

func (o *Orchestrator) actor(actor string) string {
	if actor == "" {
		return o.opts.Actor
	}
	return actor
}

// begin logs the start of an externally visible action and opens a span.
// The returned func logs completion or failure and closes the span.
func (o *Orchestrator) begin(ctx context.Context, action, capabilityID string, s models.Stage) (context.Context, func(error)) {
	ctx = WithCorrelationID(ctx, "")
	ctx, span := telemetry.Start(ctx, tracerScope, "pipeline."+action,
		attribute.String("capflow.capability_id", capabilityID),
		attribute.String("capflow.stage", string(s)))

	log := logging.FromContext(ctx).With("action", action, "capability_id", capabilityID)
	if s != "" {
		log = log.With("stage", s)
	}
	started := o.now()
	log.Info("Action started", "at", started)

	return ctx, func(err error) {
		elapsed := o.now().Sub(started)
		if err != nil {
			log.Error("Action failed", "error", err, "code", apperr.CodeOf(err), "duration", elapsed)
		} else {
			log.Info("Action completed", "duration", elapsed)
		}
		telemetry.End(span, err)
	}
}

// classify turns err into a caller-facing *apperr.Error tagged with s.
// Errors that already carry a code keep it; anything else becomes code with
// the given remediation actions.
func classify(err error, s models.Stage, code apperr.Code, actions ...string) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		if appErr.Stage == "" && s != "" {
			return appErr.WithStage(s)
		}
		return appErr
	}
	var mismatch *stage.MismatchError
	if errors.As(err, &mismatch) {
		out := apperr.Wrap(apperr.CodeStageMismatch, err)
		out.Stage = s
		return out
	}
	out := apperr.Wrap(code, err, actions...)
	out.Stage = s
	return out
}

func (o *Orchestrator) recordArtifact(ctx context.Context, capabilityID, artifactType, content, actor string, metadata map[string]string) {
	artifact := &models.Artifact{
		ID:           o.newID(),
		CapabilityID: capabilityID,
		Type:         artifactType,
		Content:      content,
		Metadata:     metadata,
		CreatedBy:    actor,
		CreatedAt:    o.now(),
	}
	if err := o.store.AppendArtifact(ctx, artifact); err != nil {
		logging.FromContext(ctx).Warn("Failed to record artifact", "type", artifactType, "capability_id", capabilityID, "error", err)
	}
}

// submit schedules best-effort work. It never fails the caller.
func (o *Orchestrator) submit(ctx context.Context, name, capabilityID string, fn tasks.Func) {
	if o.queue == nil {
		return
	}
	o.queue.Submit(ctx, name, capabilityID, fn)
}
