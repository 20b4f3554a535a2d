// Package stage holds the fixed capability stage order and the guard that
// rejects any action whose required stage differs from the capability's
// actual stage.
package stage

import (
	"fmt"

	"github.com/danielolaszy/capflow/internal/apperr"
	"github.com/danielolaszy/capflow/pkg/models"
)

// Order is the fixed stage sequence.
var Order = []models.Stage{
	models.StageIdea,
	models.StageTriage,
	models.StageSpec,
	models.StageSpecApproved,
	models.StageArchitecture,
	models.StageArchitectureApproved,
	models.StageCompliance,
	models.StageComplianceApproved,
	models.StageBuild,
	models.StagePRCreated,
}

// DocumentStages are the stages that produce a stage document, in order.
var DocumentStages = []models.Stage{
	models.StageSpec,
	models.StageArchitecture,
	models.StageCompliance,
	models.StageBuild,
}

// Index returns the position of s in Order, or -1.
func Index(s models.Stage) int {
	for i, candidate := range Order {
		if candidate == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s belongs to the vocabulary.
func Valid(s models.Stage) bool {
	return Index(s) >= 0
}

// Next returns the stage following s.
func Next(s models.Stage) (models.Stage, bool) {
	i := Index(s)
	if i < 0 || i == len(Order)-1 {
		return "", false
	}
	return Order[i+1], true
}

// IsDocumentStage reports whether s produces a stage document.
func IsDocumentStage(s models.Stage) bool {
	for _, candidate := range DocumentStages {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsApprovable reports whether s is closed by an approval gate.
func IsApprovable(s models.Stage) bool {
	return s == models.StageSpec || s == models.StageArchitecture || s == models.StageCompliance
}

// WriteRequires returns the stage a capability must be in before the
// document for s can be written.
func WriteRequires(s models.Stage) (models.Stage, error) {
	if !IsDocumentStage(s) {
		return "", apperr.New(apperr.CodeInvalidInput, fmt.Sprintf("stage %q has no document", s))
	}
	i := Index(s)
	return Order[i-1], nil
}

// Parse validates a caller-supplied stage key.
func Parse(key string) (models.Stage, error) {
	s := models.Stage(key)
	if !Valid(s) {
		return "", apperr.New(apperr.CodeInvalidInput, fmt.Sprintf("unknown stage %q", key))
	}
	return s, nil
}

// MismatchError reports a guard violation.
type MismatchError struct {
	Action   string
	Required models.Stage
	Actual   models.Stage
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s requires stage %s, capability is at %s", e.Action, e.Required, e.Actual)
}

// ErrorCode classifies the error for callers.
func (e *MismatchError) ErrorCode() apperr.Code {
	return apperr.CodeStageMismatch
}

// Check returns a *MismatchError unless c is exactly at required.
func Check(c *models.Capability, required models.Stage, action string) error {
	if c.Stage != required {
		return &MismatchError{Action: action, Required: required, Actual: c.Stage}
	}
	return nil
}
