// Package apperr defines the error taxonomy returned to callers of the
// orchestrator. Every error carries a machine-checkable reason and, where the
// caller can remediate, a list of actions from a closed vocabulary.
package apperr

import (
	"errors"
	"fmt"

	"github.com/danielolaszy/capflow/pkg/models"
)

// Code is the value of the "error" field of a caller-facing payload.
type Code string

const (
	CodeStageMismatch     Code = "stage_mismatch"
	CodeNotFound          Code = "not_found"
	CodeRemoteSyncFailure Code = "remote_sync_failure"
	CodeApprovalRejected  Code = "approval_rejected"
	CodePRNotCreated      Code = "github_pr_not_created"
	CodeInvalidInput      Code = "invalid_input"
	CodeConflict          Code = "conflict"
	CodeInternal          Code = "internal"
)

// Remediation actions. Downstream UIs branch on these strings.
const (
	ActionRetryWriteStage          = "retry-write-stage"
	ActionRetrySyncStage           = "retry-sync-stage"
	ActionRetryApproveStage        = "retry-approve-stage"
	ActionRetryRunPipeline         = "retry-run-pipeline"
	ActionRetryTriage              = "retry-triage"
	ActionReconnectGitHub          = "reconnect-github"
	ActionOpenPR                   = "open-pr"
	ActionApproveWithDifferentUser = "approve-in-github-with-different-user"
)

// Error is a classified failure.
type Error struct {
	Code    Code
	Reason  string
	Actions []string
	Stage   models.Stage
	Err     error
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s (stage %s): %s", e.Code, e.Stage, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an Error without a cause.
func New(code Code, reason string, actions ...string) *Error {
	return &Error{Code: code, Reason: reason, Actions: actions}
}

// Wrap returns an Error whose reason is the cause's text.
func Wrap(code Code, err error, actions ...string) *Error {
	return &Error{Code: code, Reason: err.Error(), Actions: actions, Err: err}
}

// WithStage returns a copy of e tagged with stage.
func (e *Error) WithStage(stage models.Stage) *Error {
	out := *e
	out.Stage = stage
	return &out
}

// NotFound reports a missing idea, capability or document.
func NotFound(kind, id string) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s %s not found", kind, id))
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var coded interface{ ErrorCode() Code }
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Payload is the caller-facing {error, reason, actions[]} triple.
type Payload struct {
	Error         Code         `json:"error"`
	Reason        string       `json:"reason"`
	Actions       []string     `json:"actions"`
	Stage         models.Stage `json:"stage,omitempty"`
	CorrelationID string       `json:"correlationId,omitempty"`
}

// ToPayload renders err for a caller, echoing the correlation id.
func ToPayload(err error, correlationID string) Payload {
	p := Payload{Error: CodeInternal, Reason: err.Error(), Actions: []string{}, CorrelationID: correlationID}
	var e *Error
	if errors.As(err, &e) {
		p.Error = e.Code
		p.Reason = e.Reason
		p.Stage = e.Stage
		if len(e.Actions) > 0 {
			p.Actions = append(p.Actions, e.Actions...)
		}
		return p
	}
	var coded interface{ ErrorCode() Code }
	if errors.As(err, &coded) {
		p.Error = coded.ErrorCode()
	}
	return p
}
