package forge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	gogithub "github.com/google/go-github/v69/github"
)

// GitHub implements Provider using the go-github SDK.
type GitHub struct {
	client *gogithub.Client
	logger *slog.Logger
}

// NewGitHub creates a GitHub provider. An empty baseURL targets
// api.github.com; any other value is treated as a GitHub Enterprise
// server root.
func NewGitHub(httpClient *http.Client, token, baseURL string, logger *slog.Logger) (*GitHub, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client := gogithub.NewClient(httpClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	if baseURL != "" && baseURL != "https://api.github.com" {
		base := strings.TrimSuffix(baseURL, "/") + "/"
		var err error
		client, err = client.WithEnterpriseURLs(base, base)
		if err != nil {
			return nil, fmt.Errorf("forge: github url %q: %w", baseURL, err)
		}
	}

	return &GitHub{client: client, logger: logger}, nil
}

// splitRepo splits a "owner/repo" string into its two parts.
func splitRepo(repo string) (string, string, error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo %q: expected owner/repo", repo)
	}
	return parts[0], parts[1], nil
}

// checkRateLimit logs a warning when remaining API calls drop below threshold.
func (g *GitHub) checkRateLimit(resp *gogithub.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Limit > 0 && resp.Rate.Remaining < 100 {
		g.logger.Warn("forge: github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time,
		)
	}
}

// GetRepository fetches repository metadata.
func (g *GitHub) GetRepository(ctx context.Context, repo string) (*Repository, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	result, resp, err := g.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("forge: get repository: %w", err)
	}
	g.checkRateLimit(resp)
	return convertRepo(result), nil
}

// ListPullRequests lists pull requests sorted by creation time, newest first.
func (g *GitHub) ListPullRequests(ctx context.Context, repo, state string, limit int) ([]*PullRequest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	if state == "" {
		state = "open"
	}

	opts := &gogithub.PullRequestListOptions{
		State:       state,
		Sort:        "created",
		Direction:   "desc",
		ListOptions: gogithub.ListOptions{PerPage: limit},
	}

	results, resp, err := g.client.PullRequests.List(ctx, owner, name, opts)
	if err != nil {
		return nil, fmt.Errorf("forge: list prs: %w", err)
	}
	g.checkRateLimit(resp)

	prs := make([]*PullRequest, 0, len(results))
	for _, r := range results {
		prs = append(prs, convertPR(r))
	}
	if limit > 0 && len(prs) > limit {
		prs = prs[:limit]
	}
	return prs, nil
}

// ListCommits lists the most recent commits on the default branch.
func (g *GitHub) ListCommits(ctx context.Context, repo string, limit int) ([]*Commit, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	opts := &gogithub.CommitsListOptions{
		ListOptions: gogithub.ListOptions{PerPage: limit},
	}

	results, resp, err := g.client.Repositories.ListCommits(ctx, owner, name, opts)
	if err != nil {
		return nil, fmt.Errorf("forge: list commits: %w", err)
	}
	g.checkRateLimit(resp)

	commits := make([]*Commit, 0, len(results))
	for _, c := range results {
		commits = append(commits, convertCommit(c))
	}
	if limit > 0 && len(commits) > limit {
		commits = commits[:limit]
	}
	return commits, nil
}

func convertRepo(r *gogithub.Repository) *Repository {
	if r == nil {
		return nil
	}
	return &Repository{
		FullName:      r.GetFullName(),
		Description:   r.GetDescription(),
		DefaultBranch: r.GetDefaultBranch(),
		Language:      r.GetLanguage(),
		Stars:         r.GetStargazersCount(),
		Forks:         r.GetForksCount(),
		OpenIssues:    r.GetOpenIssuesCount(),
		Private:       r.GetPrivate(),
		Archived:      r.GetArchived(),
		URL:           r.GetHTMLURL(),
		UpdatedAt:     r.GetUpdatedAt().Time,
	}
}

func convertPR(pr *gogithub.PullRequest) *PullRequest {
	if pr == nil {
		return nil
	}
	return &PullRequest{
		Number:    pr.GetNumber(),
		Title:     pr.GetTitle(),
		State:     pr.GetState(),
		Author:    pr.GetUser().GetLogin(),
		Head:      pr.GetHead().GetRef(),
		Base:      pr.GetBase().GetRef(),
		Draft:     pr.GetDraft(),
		URL:       pr.GetHTMLURL(),
		CreatedAt: pr.GetCreatedAt().Time,
	}
}

func convertCommit(c *gogithub.RepositoryCommit) *Commit {
	if c == nil {
		return nil
	}
	author := c.GetAuthor().GetLogin()
	if author == "" {
		author = c.GetCommit().GetAuthor().GetName()
	}
	return &Commit{
		SHA:     c.GetSHA(),
		Message: c.GetCommit().GetMessage(),
		Author:  author,
		Date:    c.GetCommit().GetAuthor().GetDate().Time,
	}
}
