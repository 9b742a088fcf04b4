// Package github provides pull-request creation via the gh CLI. Operations
// run on the host since they are pure API calls.
package github

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"legba/pkg/logx"
	"legba/pkg/registry"
)

// DefaultTimeout bounds a single gh invocation.
const DefaultTimeout = 30 * time.Second

// Client creates pull requests for completed sessions via the gh CLI.
type Client struct {
	logger  *logx.Logger
	timeout time.Duration
}

// NewClient creates a GitHub client.
func NewClient() *Client {
	return &Client{
		logger:  logx.NewLogger("github"),
		timeout: DefaultTimeout,
	}
}

// WithTimeout returns a client with the specified per-call timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	return &Client{logger: c.logger, timeout: timeout}
}

// CreatePR opens a pull request from branch against the project's default
// branch and returns the PR URL.
func (c *Client) CreatePR(ctx context.Context, project registry.Project, branch, summary string) (string, error) {
	repoPath, err := parseRepoPath(project.RepoURL)
	if err != nil {
		return "", err
	}

	base := project.DefaultBranch
	if base == "" {
		base = "main"
	}

	args := []string{
		"pr", "create",
		"--repo", repoPath,
		"--head", branch,
		"--base", base,
		"--title", fmt.Sprintf("%s: %s", project.Name, branch),
		"--body", summary,
	}

	out, err := c.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("failed to create PR for %s: %w", repoPath, err)
	}

	// gh prints the PR URL as the last non-empty line.
	prURL := lastLine(string(out))
	if !strings.HasPrefix(prURL, "https://") {
		return "", fmt.Errorf("unexpected gh output creating PR: %q", prURL)
	}

	c.logger.Info("Created PR %s (head=%s base=%s)", prURL, branch, base)
	return prURL, nil
}

// run executes a gh command with the client timeout.
func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "gh", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("gh %s: %w: %s", strings.Join(args[:2], " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// parseRepoPath extracts owner/repo from an HTTPS or SSH GitHub URL.
func parseRepoPath(repoURL string) (string, error) {
	trimmed := strings.TrimSuffix(repoURL, ".git")

	if strings.HasPrefix(trimmed, "git@") {
		// git@github.com:owner/repo
		parts := strings.SplitN(trimmed, ":", 2)
		if len(parts) != 2 || !strings.Contains(parts[1], "/") {
			return "", fmt.Errorf("cannot parse SSH repo URL %q", repoURL)
		}
		return parts[1], nil
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("cannot parse repo URL %q: %w", repoURL, err)
	}
	path := strings.Trim(u.Path, "/")
	if strings.Count(path, "/") != 1 {
		return "", fmt.Errorf("repo URL %q does not look like owner/repo", repoURL)
	}
	return path, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
