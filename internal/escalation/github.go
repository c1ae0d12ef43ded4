package escalation

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/time/rate"
)

// IssuesClient is the narrow slice of the issue tracker the gateway
// needs. Tests swap in a fake; production uses GitHubIssues.
type IssuesClient interface {
	CreateIssue(ctx context.Context, t Ticket) (number int, url string, err error)
}

// GitHubIssues creates issues in a single repository, rate limited so a
// burst of escalations cannot exhaust the API quota.
type GitHubIssues struct {
	client      *github.Client
	rateLimiter *rate.Limiter
	owner       string
	repo        string
}

// NewGitHubIssues builds the client for an "owner/name" repository slug.
func NewGitHubIssues(token, repoSlug string, rateLimit int) (*GitHubIssues, error) {
	owner, repo, ok := strings.Cut(repoSlug, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("github repo must be owner/name, got %q", repoSlug)
	}
	if rateLimit <= 0 {
		rateLimit = 5
	}

	return &GitHubIssues{
		client:      github.NewClient(nil).WithAuthToken(token),
		rateLimiter: rate.NewLimiter(rate.Limit(rateLimit), 1),
		owner:       owner,
		repo:        repo,
	}, nil
}

// CreateIssue implements IssuesClient.
func (g *GitHubIssues) CreateIssue(ctx context.Context, t Ticket) (int, string, error) {
	if err := g.rateLimiter.Wait(ctx); err != nil {
		return 0, "", fmt.Errorf("rate limiter: %w", err)
	}

	issue, _, err := g.client.Issues.Create(ctx, g.owner, g.repo, &github.IssueRequest{
		Title:  github.String(t.Title),
		Body:   github.String(t.Body),
		Labels: &t.Labels,
	})
	if err != nil {
		return 0, "", fmt.Errorf("create issue: %w", err)
	}

	return issue.GetNumber(), issue.GetHTMLURL(), nil
}
