// Package jira mirrors capability progress into JIRA tickets.
package jira

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	jira "github.com/andygrunwald/go-jira"

	"github.com/danielolaszy/capflow/internal/config"
	"github.com/danielolaszy/capflow/internal/logging"
	"github.com/danielolaszy/capflow/pkg/models"
)

// ticketSignature marks descriptions of tickets created by capflow.
const ticketSignature = "Created by capflow for capability"

// Client handles interactions with the JIRA API
type Client struct {
	client    *jira.Client
	project   string
	issueType string
}

// NewClient creates a new JIRA client from cfg. httpClient may be nil, in
// which case basic auth with the configured username and token is used.
func NewClient(cfg config.JiraConfig, httpClient *http.Client) (*Client, error) {
	if err := config.ValidateJiraConfig(&config.Config{Jira: cfg}); err != nil {
		return nil, err
	}
	if httpClient == nil {
		tp := jira.BasicAuthTransport{
			Username: cfg.Username,
			Password: cfg.Token,
		}
		httpClient = tp.Client()
	}

	client, err := jira.NewClient(httpClient, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create JIRA client: %w", err)
	}
	logging.Debug("JIRA client created", "url", cfg.URL, "user", logging.MaskSensitive(cfg.Username))

	return &Client{client: client, project: cfg.Project, issueType: "Story"}, nil
}

// CapabilityCreated opens a ticket for a freshly triaged capability and
// returns its key.
func (c *Client) CapabilityCreated(ctx context.Context, capability *models.Capability) (string, error) {
	if c.client == nil {
		return "", errors.New("JIRA client not initialized")
	}

	description := fmt.Sprintf("%s\n\n----\n%s %s (stage %s)",
		capability.Description, ticketSignature, capability.ID, capability.Stage)

	issue := &jira.Issue{
		Fields: &jira.IssueFields{
			Project:     jira.Project{Key: c.project},
			Summary:     capability.Title,
			Description: description,
			Type:        jira.IssueType{Name: c.issueType},
			Labels:      []string{"capflow", label(capability.ID)},
		},
	}

	created, resp, err := c.client.Issue.CreateWithContext(ctx, issue)
	if err != nil {
		return "", fmt.Errorf("failed to create JIRA ticket: %w (status: %d)", err, statusCode(resp))
	}
	logging.FromContext(ctx).Info("Created JIRA ticket", "key", created.Key, "capability", capability.ID)
	return created.Key, nil
}

// StageChanged comments on the capability's ticket.
func (c *Client) StageChanged(ctx context.Context, key string, capability *models.Capability, from models.Stage) error {
	if c.client == nil {
		return errors.New("JIRA client not initialized")
	}
	if key == "" {
		return errors.New("no JIRA ticket recorded for capability " + capability.ID)
	}

	comment := &jira.Comment{
		Body: fmt.Sprintf("Capability %s moved from %s to %s.", capability.ID, from, capability.Stage),
	}
	if _, resp, err := c.client.Issue.AddCommentWithContext(ctx, key, comment); err != nil {
		return fmt.Errorf("failed to comment on %s: %w (status: %d)", key, err, statusCode(resp))
	}
	return nil
}

// CountTickets returns the number of tickets in the project and how many of
// them were created by capflow.
func (c *Client) CountTickets(ctx context.Context) (int, int, error) {
	if c.client == nil {
		return 0, 0, errors.New("JIRA client not initialized")
	}

	jql := fmt.Sprintf("project = '%s'", c.project)
	issues, resp, err := c.client.Issue.SearchWithContext(ctx, jql, &jira.SearchOptions{MaxResults: 1000})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to search JIRA issues: %w (status: %d)", err, statusCode(resp))
	}

	ours := 0
	for _, issue := range issues {
		if issue.Fields != nil && strings.Contains(issue.Fields.Description, ticketSignature) {
			ours++
		}
	}
	return len(issues), ours, nil
}

func label(capabilityID string) string {
	return "capflow-" + strings.ReplaceAll(strings.ToLower(capabilityID), " ", "-")
}

func statusCode(resp *jira.Response) int {
	if resp == nil || resp.Response == nil {
		return 0
	}
	return resp.StatusCode
}

// Name identifies the tracker.
func (c *Client) Name() string { return "jira" }
