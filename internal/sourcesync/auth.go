package sourcesync

import (
	"context"
	"strings"
)

// Reasons reported when a sync runs in draft mode.
const (
	DraftReasonLocalOnly         = "local_only"
	DraftReasonMissingToken      = "missing_token"
	DraftReasonMissingRepository = "missing_repository"
)

// Credential is the outcome of resolving remote access. Draft means no
// network call may be made.
type Credential struct {
	Token  string
	Draft  bool
	Reason string
}

// AuthResolver yields the credential used for remote calls.
type AuthResolver interface {
	Resolve(ctx context.Context) (Credential, error)
}

// StaticAuth resolves a fixed token, honouring a local-only policy.
type StaticAuth struct {
	Token     string
	LocalOnly bool
}

// Resolve implements AuthResolver.
func (a StaticAuth) Resolve(_ context.Context) (Credential, error) {
	switch {
	case a.LocalOnly:
		return Credential{Draft: true, Reason: DraftReasonLocalOnly}, nil
	case strings.TrimSpace(a.Token) == "":
		return Credential{Draft: true, Reason: DraftReasonMissingToken}, nil
	}
	return Credential{Token: a.Token}, nil
}

// DraftMode reports whether a sync for repository must stay local, and why.
func DraftMode(repository string, cred Credential) (bool, string) {
	switch {
	case cred.Draft:
		reason := cred.Reason
		if reason == "" {
			reason = DraftReasonLocalOnly
		}
		return true, reason
	case cred.Token == "":
		return true, DraftReasonMissingToken
	case strings.TrimSpace(repository) == "":
		return true, DraftReasonMissingRepository
	}
	return false, ""
}
