// Package testutil provides in-memory stand-ins for remote platforms.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/danielolaszy/capflow/internal/github"
)

// FakeGitHub is an in-memory repository host implementing the remote
// interfaces of the sync engine, approval gate and issue tracker.
type FakeGitHub struct {
	mu sync.Mutex

	DefaultBranchName string
	Branches          map[string]string // branch -> sha
	Files             map[string]string // branch:path -> content
	Pulls             []*github.PullRequest
	Reviews           map[int]int
	Issues            []string

	// Injected failures, keyed by operation name.
	Errors map[string]error
	// RefRace makes the next CreateBranch fail with ErrRefExists once.
	RefRace bool

	Calls map[string]int
}

// NewFakeGitHub returns a host whose default branch "main" exists.
func NewFakeGitHub() *FakeGitHub {
	return &FakeGitHub{
		DefaultBranchName: "main",
		Branches:          map[string]string{"main": "sha-main"},
		Files:             make(map[string]string),
		Reviews:           make(map[int]int),
		Errors:            make(map[string]error),
		Calls:             make(map[string]int),
	}
}

// TotalCalls returns the number of remote calls made.
func (f *FakeGitHub) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.Calls {
		total += n
	}
	return total
}

// CallCount returns the number of calls made to op.
func (f *FakeGitHub) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[op]
}

// OpenPulls returns the open pull requests with head branch.
func (f *FakeGitHub) OpenPulls(branch string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, pr := range f.Pulls {
		if pr.Head == branch && pr.State == "open" {
			n++
		}
	}
	return n
}

// File returns the content stored at branch:path.
func (f *FakeGitHub) File(branch, path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.Files[branch+":"+path]
	return content, ok
}

func (f *FakeGitHub) enter(op string) error {
	f.mu.Lock()
	f.Calls[op]++
	err := f.Errors[op]
	f.mu.Unlock()
	return err
}

func (f *FakeGitHub) DefaultBranch(_ context.Context, _ string) (string, error) {
	if err := f.enter("DefaultBranch"); err != nil {
		return "", err
	}
	return f.DefaultBranchName, nil
}

func (f *FakeGitHub) BranchSHA(_ context.Context, _ string, branch string) (string, bool, error) {
	if err := f.enter("BranchSHA"); err != nil {
		return "", false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sha, ok := f.Branches[branch]
	return sha, ok, nil
}

func (f *FakeGitHub) CreateBranch(_ context.Context, _ string, branch, sha string) error {
	if err := f.enter("CreateBranch"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RefRace {
		f.RefRace = false
		f.Branches[branch] = "sha-concurrent"
		return fmt.Errorf("create ref %s: %w", branch, github.ErrRefExists)
	}
	if _, exists := f.Branches[branch]; exists {
		return fmt.Errorf("create ref %s: %w", branch, github.ErrRefExists)
	}
	f.Branches[branch] = sha
	return nil
}

func (f *FakeGitHub) FileSHA(_ context.Context, _ string, branch, path string) (string, bool, error) {
	if err := f.enter("FileSHA"); err != nil {
		return "", false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.Files[branch+":"+path]
	if !ok {
		return "", false, nil
	}
	return blobSHA(content), true, nil
}

func (f *FakeGitHub) PutFile(_ context.Context, _ string, branch, path, content, _ string, sha string) error {
	if err := f.enter("PutFile"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := branch + ":" + path
	current, exists := f.Files[key]
	if exists && sha != blobSHA(current) {
		return fmt.Errorf("PUT %s: 409 sha does not match", path)
	}
	if !exists && sha != "" {
		return fmt.Errorf("PUT %s: 422 sha supplied for new file", path)
	}
	f.Files[key] = content
	return nil
}

func (f *FakeGitHub) FindOpenPullRequest(_ context.Context, _ string, branch string) (*github.PullRequest, error) {
	if err := f.enter("FindOpenPullRequest"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pr := range f.Pulls {
		if pr.Head == branch && pr.State == "open" {
			copied := *pr
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *FakeGitHub) CreatePullRequest(_ context.Context, repository string, pr github.NewPullRequest) (*github.PullRequest, error) {
	if err := f.enter("CreatePullRequest"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	number := len(f.Pulls) + 1
	created := &github.PullRequest{
		Number: number,
		URL:    fmt.Sprintf("https://github.com/%s/pull/%d", repository, number),
		Head:   pr.Head,
		Base:   pr.Base,
		State:  "open",
	}
	f.Pulls = append(f.Pulls, created)
	copied := *created
	return &copied, nil
}

func (f *FakeGitHub) ApprovePullRequest(_ context.Context, _ string, number int, _ string) error {
	if err := f.enter("ApprovePullRequest"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reviews[number]++
	return nil
}

func (f *FakeGitHub) CreateIssue(_ context.Context, repository, title, _ string, _ []string) (*github.Issue, error) {
	if err := f.enter("CreateIssue"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Issues = append(f.Issues, title)
	n := len(f.Issues)
	return &github.Issue{Number: n, URL: fmt.Sprintf("https://github.com/%s/issues/%d", repository, n)}, nil
}

func blobSHA(content string) string {
	return fmt.Sprintf("blob-%d-%x", len(content), fnv(content))
}

func fnv(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
