// Package sourcesync keeps a remote repository branch, its files and its pull
// request in step with a capability's stage documents.
package sourcesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/danielolaszy/capflow/internal/github"
	"github.com/danielolaszy/capflow/internal/logging"
	"github.com/danielolaszy/capflow/internal/telemetry"
)

// Sync modes.
const (
	ModeGitHub = "github"
	ModeDraft  = "draft"
)

const tracerScope = "capflow/sourcesync"

// Remote is the subset of the hosting platform the engine drives.
// *github.Client satisfies it.
type Remote interface {
	DefaultBranch(ctx context.Context, repository string) (string, error)
	BranchSHA(ctx context.Context, repository, branch string) (string, bool, error)
	CreateBranch(ctx context.Context, repository, branch, sha string) error
	FileSHA(ctx context.Context, repository, branch, path string) (string, bool, error)
	PutFile(ctx context.Context, repository, branch, path, content, message, sha string) error
	FindOpenPullRequest(ctx context.Context, repository, branch string) (*github.PullRequest, error)
	CreatePullRequest(ctx context.Context, repository string, pr github.NewPullRequest) (*github.PullRequest, error)
}

// RemoteFactory builds a Remote for a resolved token.
type RemoteFactory func(ctx context.Context, token string) (Remote, error)

// GitHubFactory returns a RemoteFactory backed by go-github.
func GitHubFactory(domain string, timeout time.Duration) RemoteFactory {
	return func(ctx context.Context, token string) (Remote, error) {
		return github.NewClient(ctx, github.Options{Token: token, Domain: domain, Timeout: timeout})
	}
}

// File is one document written to the sync branch.
type File struct {
	Path    string
	Content string
}

// Request describes a full sync of documents into a pull request.
type Request struct {
	Repository  string
	Branch      string
	BaseBranch  string
	Title       string
	Description string
	Message     string
	Files       []File
}

// Result reports where a sync landed. URL and PRNumber are nil in draft mode.
type Result struct {
	Mode        string
	Repository  string
	Branch      string
	BaseBranch  string
	URL         *string
	PRNumber    *int
	Files       []string
	DraftReason string
}

// Remote reports whether the sync produced a remote pull request.
func (r *Result) Remote() bool {
	return r != nil && r.URL != nil && r.PRNumber != nil
}

// BranchRef names the branch a sync writes to and the branch it targets.
type BranchRef struct {
	Base   string
	Branch string
}

// Engine performs idempotent syncs. It holds no state between calls.
type Engine struct {
	auth    AuthResolver
	factory RemoteFactory
	now     func() time.Time
}

// NewEngine returns an Engine resolving credentials through auth and
// building remotes through factory.
func NewEngine(auth AuthResolver, factory RemoteFactory) *Engine {
	return &Engine{
		auth:    auth,
		factory: factory,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock used for collision suffixes.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Connect resolves the credential and, unless the repository must stay in
// draft mode, returns a Session bound to a remote. A nil Session with an
// empty error means draft mode; the reason is returned alongside.
func (e *Engine) Connect(ctx context.Context, repository string) (*Session, string, error) {
	cred, err := e.auth.Resolve(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("resolving credential: %w", err)
	}
	if draft, reason := DraftMode(repository, cred); draft {
		return nil, reason, nil
	}
	remote, err := e.factory(ctx, cred.Token)
	if err != nil {
		return nil, "", fmt.Errorf("connecting to remote: %w", err)
	}
	return &Session{remote: remote, now: e.now}, "", nil
}

// SyncDocsToPullRequest ensures the branch, upserts every file and ensures a
// pull request. Files written before a failure stay in place; re-running the
// sync converges.
func (e *Engine) SyncDocsToPullRequest(ctx context.Context, req Request) (*Result, error) {
	ctx, span := telemetry.Start(ctx, tracerScope, "sourcesync.sync_docs",
		attribute.String("capflow.repository", req.Repository),
		attribute.String("capflow.branch", req.Branch),
		attribute.Int("capflow.files", len(req.Files)))
	result, err := e.sync(ctx, req)
	telemetry.End(span, err)
	return result, err
}

func (e *Engine) sync(ctx context.Context, req Request) (*Result, error) {
	log := logging.FromContext(ctx)
	paths := make([]string, 0, len(req.Files))
	for _, f := range req.Files {
		paths = append(paths, f.Path)
	}

	session, reason, err := e.Connect(ctx, req.Repository)
	if err != nil {
		return nil, err
	}
	if session == nil {
		log.Info("Sync kept local", "branch", req.Branch, "reason", reason, "files", len(paths))
		return &Result{
			Mode:        ModeDraft,
			Repository:  req.Repository,
			Branch:      req.Branch,
			BaseBranch:  req.BaseBranch,
			Files:       paths,
			DraftReason: reason,
		}, nil
	}

	ref, err := session.EnsureBranch(ctx, req.Repository, req.Branch, req.BaseBranch)
	if err != nil {
		return nil, err
	}
	message := req.Message
	if message == "" {
		message = "Sync " + req.Title
	}
	for _, f := range req.Files {
		if err := session.UpsertFile(ctx, req.Repository, ref.Branch, f.Path, f.Content, message); err != nil {
			return nil, err
		}
	}
	pr, err := session.EnsurePullRequest(ctx, req.Repository, ref.Branch, ref.Base, req.Title, req.Description)
	if err != nil {
		return nil, err
	}

	url, number := pr.URL, pr.Number
	log.Info("Synced documents to pull request", "branch", ref.Branch, "pr", number, "files", len(paths))
	return &Result{
		Mode:       ModeGitHub,
		Repository: req.Repository,
		Branch:     ref.Branch,
		BaseBranch: ref.Base,
		URL:        &url,
		PRNumber:   &number,
		Files:      paths,
	}, nil
}

// Session runs sync primitives against one connected remote.
type Session struct {
	remote Remote
	now    func() time.Time
}

// NewSession binds the primitives to remote directly.
func NewSession(remote Remote) *Session {
	return &Session{remote: remote, now: func() time.Time { return time.Now().UTC() }}
}

// EnsureBranch makes sure branch exists, creating it from base's head when
// missing. An empty base means the repository default branch. If a
// concurrent creator wins the race for the ref, the branch is created once
// more under a time-suffixed name.
func (s *Session) EnsureBranch(ctx context.Context, repository, branch, base string) (ref BranchRef, err error) {
	ctx, span := telemetry.Start(ctx, tracerScope, "sourcesync.ensure_branch",
		attribute.String("capflow.branch", branch))
	defer func() { telemetry.End(span, err) }()

	if base == "" {
		if base, err = s.remote.DefaultBranch(ctx, repository); err != nil {
			return BranchRef{}, err
		}
	}
	ref = BranchRef{Base: base, Branch: branch}

	_, exists, err := s.remote.BranchSHA(ctx, repository, branch)
	if err != nil {
		return BranchRef{}, err
	}
	if exists {
		return ref, nil
	}

	baseSHA, found, err := s.remote.BranchSHA(ctx, repository, base)
	if err != nil {
		return BranchRef{}, err
	}
	if !found {
		return BranchRef{}, fmt.Errorf("base branch %s not found in %s", base, repository)
	}

	err = s.remote.CreateBranch(ctx, repository, branch, baseSHA)
	if errors.Is(err, github.ErrRefExists) {
		ref.Branch = fmt.Sprintf("%s-%s", branch, s.now().Format("20060102150405"))
		logging.FromContext(ctx).Warn("Branch created concurrently, using suffixed name",
			"branch", branch, "fallback", ref.Branch)
		err = s.remote.CreateBranch(ctx, repository, ref.Branch, baseSHA)
	}
	if err != nil {
		return BranchRef{}, err
	}
	return ref, nil
}

// UpsertFile writes content at path, passing the current blob SHA when the
// file already exists.
func (s *Session) UpsertFile(ctx context.Context, repository, branch, path, content, message string) (err error) {
	ctx, span := telemetry.Start(ctx, tracerScope, "sourcesync.upsert_file",
		attribute.String("capflow.path", path))
	defer func() { telemetry.End(span, err) }()

	sha, _, err := s.remote.FileSHA(ctx, repository, branch, path)
	if err != nil {
		return err
	}
	if message == "" {
		message = "Update " + path
	}
	return s.remote.PutFile(ctx, repository, branch, path, content, message, sha)
}

// EnsurePullRequest returns the open pull request for branch, opening one
// only when none exists.
func (s *Session) EnsurePullRequest(ctx context.Context, repository, branch, base, title, description string) (pr *github.PullRequest, err error) {
	ctx, span := telemetry.Start(ctx, tracerScope, "sourcesync.ensure_pull_request",
		attribute.String("capflow.branch", branch))
	defer func() { telemetry.End(span, err) }()

	existing, err := s.remote.FindOpenPullRequest(ctx, repository, branch)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return s.remote.CreatePullRequest(ctx, repository, github.NewPullRequest{
		Head:  branch,
		Base:  base,
		Title: title,
		Body:  description,
	})
}
