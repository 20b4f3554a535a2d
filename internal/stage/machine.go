package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/danielolaszy/capflow/internal/apperr"
	"github.com/danielolaszy/capflow/internal/store"
	"github.com/danielolaszy/capflow/pkg/models"
)

const maxConflictRetries = 3

// Transition describes one guarded write to a capability.
type Transition struct {
	CapabilityID string
	Action       string
	Required     models.Stage
	// Next is the stage written on success. Empty means the stage after
	// Required; setting it to Required records the event without moving.
	Next   models.Stage
	Event  string
	Actor  string
	Mutate func(*models.Capability)
}

// Machine applies guarded transitions to stored capabilities. Each attempt
// reads the record, evaluates the guard, and writes with the revision it
// read; a revision conflict re-runs the whole attempt so the guard is
// re-evaluated against the winner's write.
type Machine struct {
	caps       store.CapabilityStore
	now        func() time.Time
	newBackOff func() backoff.BackOff
}

// NewMachine returns a Machine over caps.
func NewMachine(caps store.CapabilityStore) *Machine {
	return &Machine{
		caps: caps,
		now:  func() time.Time { return time.Now().UTC() },
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 10 * time.Millisecond
			bo.MaxElapsedTime = 2 * time.Second
			return backoff.WithMaxRetries(bo, maxConflictRetries)
		},
	}
}

// WithClock overrides the timestamp source.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// Load returns the capability or a not_found error.
func (m *Machine) Load(ctx context.Context, id string) (*models.Capability, error) {
	c, err := m.caps.GetCapability(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("capability", id)
		}
		return nil, fmt.Errorf("load capability %s: %w", id, err)
	}
	return c, nil
}

// Guard loads the capability and checks it is exactly at required.
func (m *Machine) Guard(ctx context.Context, id string, required models.Stage, action string) (*models.Capability, error) {
	c, err := m.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := Check(c, required, action); err != nil {
		return nil, err
	}
	return c, nil
}

// Advance applies t. On a guard failure nothing is written.
func (m *Machine) Advance(ctx context.Context, t Transition) (*models.Capability, error) {
	next := t.Next
	if next == "" {
		n, ok := Next(t.Required)
		if !ok {
			return nil, apperr.New(apperr.CodeInvalidInput, fmt.Sprintf("stage %s is terminal", t.Required))
		}
		next = n
	}
	if following, _ := Next(t.Required); next != t.Required && next != following {
		return nil, apperr.New(apperr.CodeInvalidInput,
			fmt.Sprintf("transition %s -> %s skips the stage order", t.Required, next))
	}

	var result *models.Capability
	operation := func() error {
		c, err := m.Guard(ctx, t.CapabilityID, t.Required, t.Action)
		if err != nil {
			return backoff.Permanent(err)
		}
		now := m.now()
		c.Stage = next
		c.UpdatedAt = now
		c.History = append(c.History, models.HistoryEvent{
			Type:  t.Event,
			Actor: t.Actor,
			At:    now,
			Stage: next,
		})
		if t.Mutate != nil {
			t.Mutate(c)
		}
		if err := m.caps.UpdateCapability(ctx, c); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("write capability %s: %w", c.ID, err))
		}
		result = c
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(m.newBackOff(), ctx)); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.Wrap(apperr.CodeConflict, err, apperr.ActionRetryRunPipeline)
		}
		return nil, err
	}
	return result, nil
}
