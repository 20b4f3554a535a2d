// Package github provides functionality for interacting with the GitHub API.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v41/github"
	"golang.org/x/oauth2"

	"github.com/danielolaszy/capflow/internal/logging"
)

var (
	// ErrRefExists is returned when a branch ref already exists on create.
	ErrRefExists = errors.New("github: reference already exists")
	// ErrSelfApproval is returned when GitHub refuses a review because the
	// reviewer authored the pull request.
	ErrSelfApproval = errors.New("github: cannot approve own pull request")
)

const defaultTimeout = 15 * time.Second

// Options configures a Client.
type Options struct {
	Token   string
	Domain  string
	Timeout time.Duration
	// BaseURL overrides the API endpoint derived from Domain.
	BaseURL string
	// HTTPClient is the transport wrapped by the oauth2 client.
	HTTPClient *http.Client
}

// Client encapsulates the GitHub API client.
type Client struct {
	client  *github.Client
	timeout time.Duration
}

// PullRequest is the subset of a remote pull request the sync engine uses.
type PullRequest struct {
	Number int
	URL    string
	Head   string
	Base   string
	State  string
}

// NewPullRequest describes a pull request to open.
type NewPullRequest struct {
	Head  string
	Base  string
	Title string
	Body  string
}

// Issue is the subset of a created issue callers need.
type Issue struct {
	Number int
	URL    string
}

// NewClient creates a GitHub API client authenticated with a bearer token.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("github token not found in configuration")
	}

	domain := opts.Domain
	if domain == "" {
		domain = "github.com"
	}

	apiURL := opts.BaseURL
	if apiURL == "" && domain != "github.com" {
		apiURL = fmt.Sprintf("https://%s/api/v3/", domain)
	}

	if opts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, opts.HTTPClient)
	}
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: opts.Token},
	)
	client := github.NewClient(oauth2.NewClient(ctx, ts))

	if apiURL != "" {
		if !strings.HasSuffix(apiURL, "/") {
			apiURL += "/"
		}
		parsedURL, err := url.Parse(apiURL)
		if err != nil {
			return nil, fmt.Errorf("invalid github api url: %w", err)
		}
		client.BaseURL = parsedURL
		client.UploadURL = parsedURL
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	logging.Debug("github configuration",
		"domain", domain,
		"api_url", client.BaseURL.String(),
		"token", logging.MaskSensitive(opts.Token))

	return &Client{client: client, timeout: timeout}, nil
}

// SplitRepository parses "owner/repo".
func SplitRepository(repository string) (string, string, error) {
	parts := strings.Split(repository, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository format: %s, expected format: owner/repo", repository)
	}
	return parts[0], parts[1], nil
}

func (c *Client) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func statusOf(resp *github.Response, err error) int {
	if resp != nil && resp.Response != nil {
		return resp.StatusCode
	}
	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return errResp.Response.StatusCode
	}
	return 0
}

// Verify checks the token and returns the authenticated login.
func (c *Client) Verify(ctx context.Context) (string, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	user, resp, err := c.client.Users.Get(ctx, "")
	if err != nil {
		logging.Error("failed to test github token",
			"error", err,
			"status_code", statusOf(resp, err))
		return "", fmt.Errorf("error testing github token: %w", err)
	}
	return user.GetLogin(), nil
}

// DefaultBranch returns the repository's default branch.
func (c *Client) DefaultBranch(ctx context.Context, repository string) (string, error) {
	owner, repo, err := SplitRepository(repository)
	if err != nil {
		return "", err
	}
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	r, _, err := c.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("failed to get repository %s: %w", repository, err)
	}
	if r.GetDefaultBranch() == "" {
		return "", fmt.Errorf("repository %s reports no default branch", repository)
	}
	return r.GetDefaultBranch(), nil
}

// BranchSHA returns the commit SHA a branch points at. A missing branch is
// reported as found=false, not as an error.
func (c *Client) BranchSHA(ctx context.Context, repository, branch string) (string, bool, error) {
	owner, repo, err := SplitRepository(repository)
	if err != nil {
		return "", false, err
	}
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	ref, resp, err := c.client.Git.GetRef(ctx, owner, repo, "refs/heads/"+branch)
	if err != nil {
		if statusOf(resp, err) == http.StatusNotFound {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get ref %s in %s: %w", branch, repository, err)
	}
	return ref.GetObject().GetSHA(), true, nil
}

// CreateBranch creates refs/heads/branch at sha. A 422 response is reported
// as ErrRefExists.
func (c *Client) CreateBranch(ctx context.Context, repository, branch, sha string) error {
	owner, repo, err := SplitRepository(repository)
	if err != nil {
		return err
	}
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	_, resp, err := c.client.Git.CreateRef(ctx, owner, repo, &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: github.String(sha)},
	})
	if err != nil {
		if statusOf(resp, err) == http.StatusUnprocessableEntity {
			return fmt.Errorf("create ref %s: %w: %v", branch, ErrRefExists, err)
		}
		return fmt.Errorf("failed to create ref %s in %s: %w", branch, repository, err)
	}
	logging.Debug("created branch", "repository", repository, "branch", branch, "sha", sha)
	return nil
}

// FileSHA returns the blob SHA of path on branch. A 404 means found=false.
func (c *Client) FileSHA(ctx context.Context, repository, branch, path string) (string, bool, error) {
	owner, repo, err := SplitRepository(repository)
	if err != nil {
		return "", false, err
	}
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	file, _, resp, err := c.client.Repositories.GetContents(ctx, owner, repo, path,
		&github.RepositoryContentGetOptions{Ref: branch})
	if err != nil {
		if statusOf(resp, err) == http.StatusNotFound {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read %s@%s in %s: %w", path, branch, repository, err)
	}
	if file == nil {
		return "", false, fmt.Errorf("%s in %s is a directory", path, repository)
	}
	return file.GetSHA(), true, nil
}

// PutFile creates path on branch, or updates it when sha is the current
// blob SHA. The API transports content base64-encoded.
func (c *Client) PutFile(ctx context.Context, repository, branch, path, content, message, sha string) error {
	owner, repo, err := SplitRepository(repository)
	if err != nil {
		return err
	}
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	opts := &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: []byte(content),
		Branch:  github.String(branch),
	}
	if sha != "" {
		opts.SHA = github.String(sha)
		_, _, err = c.client.Repositories.UpdateFile(ctx, owner, repo, path, opts)
	} else {
		_, _, err = c.client.Repositories.CreateFile(ctx, owner, repo, path, opts)
	}
	if err != nil {
		return fmt.Errorf("failed to write %s@%s in %s: %w", path, branch, repository, err)
	}
	return nil
}

// FindOpenPullRequest returns the open pull request whose head is branch,
// or nil when there is none.
func (c *Client) FindOpenPullRequest(ctx context.Context, repository, branch string) (*PullRequest, error) {
	owner, repo, err := SplitRepository(repository)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	pulls, _, err := c.client.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		State:       "open",
		Head:        owner + ":" + branch,
		ListOptions: github.ListOptions{PerPage: 10},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pull requests for %s in %s: %w", branch, repository, err)
	}
	for _, pr := range pulls {
		if pr.GetHead().GetRef() == branch {
			return toPullRequest(pr), nil
		}
	}
	return nil, nil
}

// CreatePullRequest opens a pull request.
func (c *Client) CreatePullRequest(ctx context.Context, repository string, pr NewPullRequest) (*PullRequest, error) {
	owner, repo, err := SplitRepository(repository)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	created, _, err := c.client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.String(pr.Title),
		Head:  github.String(pr.Head),
		Base:  github.String(pr.Base),
		Body:  github.String(pr.Body),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pull request %s -> %s in %s: %w", pr.Head, pr.Base, repository, err)
	}
	logging.Info("opened pull request", "repository", repository, "number", created.GetNumber())
	return toPullRequest(created), nil
}

// ApprovePullRequest submits an APPROVE review. A refusal because the
// reviewer authored the pull request is reported as ErrSelfApproval.
func (c *Client) ApprovePullRequest(ctx context.Context, repository string, number int, body string) error {
	owner, repo, err := SplitRepository(repository)
	if err != nil {
		return err
	}
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	_, resp, err := c.client.PullRequests.CreateReview(ctx, owner, repo, number, &github.PullRequestReviewRequest{
		Body:  github.String(body),
		Event: github.String("APPROVE"),
	})
	if err != nil {
		if statusOf(resp, err) == http.StatusUnprocessableEntity && isSelfApproval(err) {
			return fmt.Errorf("%w: %v", ErrSelfApproval, err)
		}
		return fmt.Errorf("failed to approve %s#%d: %w", repository, number, err)
	}
	return nil
}

// CreateIssue opens an issue.
func (c *Client) CreateIssue(ctx context.Context, repository, title, body string, labels []string) (*Issue, error) {
	owner, repo, err := SplitRepository(repository)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	req := &github.IssueRequest{
		Title: github.String(title),
		Body:  github.String(body),
	}
	if len(labels) > 0 {
		req.Labels = &labels
	}
	issue, _, err := c.client.Issues.Create(ctx, owner, repo, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create issue in %s: %w", repository, err)
	}
	return &Issue{Number: issue.GetNumber(), URL: issue.GetHTMLURL()}, nil
}

func toPullRequest(pr *github.PullRequest) *PullRequest {
	return &PullRequest{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		Head:   pr.GetHead().GetRef(),
		Base:   pr.GetBase().GetRef(),
		State:  pr.GetState(),
	}
}

func isSelfApproval(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "own pull request")
}
