package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielolaszy/capflow/internal/approval"
	"github.com/danielolaszy/capflow/internal/config"
	"github.com/danielolaszy/capflow/internal/github"
	"github.com/danielolaszy/capflow/internal/jira"
	"github.com/danielolaszy/capflow/internal/logging"
	"github.com/danielolaszy/capflow/internal/pipeline"
	"github.com/danielolaszy/capflow/internal/sourcesync"
	"github.com/danielolaszy/capflow/internal/store"
	"github.com/danielolaszy/capflow/internal/tasks"
)

const taskTimeout = 2 * time.Minute

// app holds the components shared by the pipeline commands for one
// invocation.
type app struct {
	cfg   *config.Config
	store *store.Memory
	queue *tasks.Queue
	orch  *pipeline.Orchestrator
}

// openApp restores the state file and wires the orchestrator from cfg.
func openApp(ctx context.Context, c *config.Config) (*app, error) {
	mem, err := store.OpenFile(c.State.Path)
	if err != nil {
		return nil, err
	}

	auth := sourcesync.StaticAuth{Token: c.GitHub.Token, LocalOnly: c.GitHub.LocalOnly}
	queue := tasks.NewQueue(c.Pipeline.Workers, 64, taskTimeout)

	trackers, err := buildTrackers(ctx, c, auth)
	if err != nil {
		_ = queue.Close()
		return nil, err
	}

	orch := pipeline.New(pipeline.Deps{
		Store:     mem,
		Auth:      auth,
		Remotes:   sourcesync.GitHubFactory(c.GitHub.Domain, c.GitHub.Timeout),
		Reviewers: approval.GitHubReviewers(c.GitHub.Domain, c.GitHub.Timeout),
		Queue:     queue,
		Trackers:  trackers,
	}, pipeline.Options{
		Repository:      c.GitHub.Repository,
		BaseBranch:      c.GitHub.BaseBranch,
		BranchPrefix:    c.GitHub.BranchPrefix,
		Actor:           c.Pipeline.Actor,
		EnforceRemotePR: c.Pipeline.EnforceRemotePR,
	})

	return &app{cfg: c, store: mem, queue: queue, orch: orch}, nil
}

// buildTrackers returns the trackers enabled by configuration. A tracker
// that is configured but cannot be constructed is an error.
func buildTrackers(ctx context.Context, c *config.Config, auth sourcesync.StaticAuth) ([]pipeline.Tracker, error) {
	var trackers []pipeline.Tracker

	if c.JiraEnabled() {
		client, err := jira.NewClient(c.Jira, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize jira client: %w", err)
		}
		trackers = append(trackers, client)
	}

	cred, _ := auth.Resolve(ctx)
	if c.GitHub.CreateIssues {
		if draft, reason := sourcesync.DraftMode(c.GitHub.Repository, cred); draft {
			logging.Warn("github issue tracker disabled", "reason", reason)
			return trackers, nil
		}
		client, err := github.NewClient(ctx, github.Options{
			Token:   cred.Token,
			Domain:  c.GitHub.Domain,
			Timeout: c.GitHub.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize github client: %w", err)
		}
		trackers = append(trackers, pipeline.NewIssueTracker(client, c.GitHub.Repository))
	}
	return trackers, nil
}

// close waits for background work, reports its failures and saves state.
func (a *app) close() error {
	a.queue.Drain()
	if err := a.queue.Close(); err != nil {
		logging.Warn("background queue stopped with error", "error", err)
	}
	for _, f := range a.queue.Failures() {
		logging.Warn("background task failed",
			"task", f.Task,
			"capability_id", f.CapabilityID,
			"error", f.Err)
	}
	return a.store.SaveFile(a.cfg.State.Path)
}

// runLocked opens the app from the state file as it is on disk, runs fn and
// persists state, holding the state file lock throughout so concurrent
// invocations never overwrite each other's records.
func runLocked(ctx context.Context, c *config.Config, fn func(a *app) error) (err error) {
	lock, err := store.LockFile(ctx, c.State.Path)
	if err != nil {
		return err
	}
	defer func() {
		if unlockErr := lock.Unlock(); unlockErr != nil {
			logging.Warn("failed to release state lock", "error", unlockErr)
		}
	}()

	a, err := openApp(ctx, c)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(a)
}

// withApp adapts fn into a cobra RunE that runs it under runLocked.
func withApp(fn func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return runLocked(cmd.Context(), cfg, func(a *app) error {
			return fn(cmd, args, a)
		})
	}
}
