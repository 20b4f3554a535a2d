package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir changes the working directory for the duration of the test.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func isolate(t *testing.T) {
	t.Helper()
	chdir(t, t.TempDir())
	t.Setenv("HOME", t.TempDir())
	for _, key := range []string{
		"GITHUB_TOKEN", "GITHUB_DOMAIN", "CAPFLOW_REPOSITORY", "CAPFLOW_LOCAL_ONLY",
		"CAPFLOW_BRANCH_PREFIX", "CAPFLOW_GITHUB_TIMEOUT", "CAPFLOW_ENFORCE_REMOTE_PR", "CAPFLOW_STATE",
		"JIRA_URL", "JIRA_USERNAME", "JIRA_TOKEN", "JIRA_PROJECT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadGitHubConfig(t *testing.T) {
	tests := []struct {
		name       string
		domain     string
		token      string
		repository string
		wantErr    bool
	}{
		{
			name:       "Explicit github.com",
			domain:     "github.com",
			token:      "test-token",
			repository: "acme/capabilities",
		},
		{
			name:   "Custom GitHub domain",
			domain: "github.example.com",
			token:  "test-token",
		},
		{
			name:  "Empty domain should default to github.com",
			token: "test-token",
		},
		{
			name:   "Missing token selects draft mode instead of failing",
			domain: "github.com",
		},
		{
			name:       "Malformed repository",
			token:      "test-token",
			repository: "acme",
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			t.Setenv("GITHUB_DOMAIN", tt.domain)
			t.Setenv("GITHUB_TOKEN", tt.token)
			t.Setenv("CAPFLOW_REPOSITORY", tt.repository)

			config, err := LoadConfig()
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, config)
				return
			}

			require.NoError(t, err)
			if tt.domain == "" {
				assert.Equal(t, "github.com", config.GitHub.Domain)
			} else {
				assert.Equal(t, tt.domain, config.GitHub.Domain)
			}
			assert.Equal(t, tt.token, config.GitHub.Token)
			assert.Equal(t, tt.repository, config.GitHub.Repository)
			assert.Equal(t, "capflow", config.GitHub.BranchPrefix)
			assert.Equal(t, 15*time.Second, config.GitHub.Timeout)
			assert.Equal(t, 2, config.Pipeline.Workers)
			assert.Equal(t, ".capflow/state.json", config.State.Path)
		})
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	isolate(t)
	content := []byte(`github:
  repository: acme/roadmap
  branch_prefix: features
  local_only: true
  timeout: 3s
pipeline:
  enforce_remote_pr: true
  actor: release-bot
`)
	require.NoError(t, os.WriteFile(filepath.Join(".", "capflow.yaml"), content, 0o600))

	config, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "acme/roadmap", config.GitHub.Repository)
	assert.Equal(t, "features", config.GitHub.BranchPrefix)
	assert.True(t, config.GitHub.LocalOnly)
	assert.Equal(t, 3*time.Second, config.GitHub.Timeout)
	assert.True(t, config.Pipeline.EnforceRemotePR)
	assert.Equal(t, "release-bot", config.Pipeline.Actor)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	isolate(t)
	require.NoError(t, os.WriteFile("capflow.yaml", []byte("github:\n  branch_prefix: from-file\n"), 0o600))
	t.Setenv("CAPFLOW_BRANCH_PREFIX", "from-env")

	config, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "from-env", config.GitHub.BranchPrefix)
}

func TestValidateJiraConfig(t *testing.T) {
	tests := []struct {
		name    string
		jira    JiraConfig
		wantErr bool
	}{
		{
			name: "All fields present",
			jira: JiraConfig{URL: "https://jira.example.com", Username: "u", Token: "t", Project: "CAP"},
		},
		{
			name:    "Missing URL",
			jira:    JiraConfig{Username: "u", Token: "t", Project: "CAP"},
			wantErr: true,
		},
		{
			name:    "Missing project",
			jira:    JiraConfig{URL: "https://jira.example.com", Username: "u", Token: "t"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := &Config{Jira: tt.jira}
			err := ValidateJiraConfig(config)
			if tt.wantErr {
				assert.Error(t, err)
				assert.False(t, config.JiraEnabled())
			} else {
				assert.NoError(t, err)
				assert.True(t, config.JiraEnabled())
			}
		})
	}
}

func TestGitHubAPIURL(t *testing.T) {
	assert.Equal(t, "https://api.github.com/", GitHubConfig{}.GitHubAPIURL())
	assert.Equal(t, "https://api.github.com/", GitHubConfig{Domain: "github.com"}.GitHubAPIURL())
	assert.Equal(t, "https://github.example.com/api/v3/", GitHubConfig{Domain: "github.example.com"}.GitHubAPIURL())
}
