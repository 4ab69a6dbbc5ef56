package forge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/toolrelay/internal/jsonval"
	"github.com/nugget/toolrelay/internal/mcp"
	"github.com/nugget/toolrelay/internal/tools"
)

const (
	defaultListLimit = 10
	maxListLimit     = 100
)

// Tools holds forge tool dependencies. Each handle* method takes the
// decoded argument object from the tool registry and returns formatted
// text for the LLM.
type Tools struct {
	provider Provider
	owner    string
	logger   *slog.Logger
}

// NewTools creates forge tools backed by provider. owner is prepended
// to repo arguments that carry no owner; it may be empty.
func NewTools(provider Provider, owner string, logger *slog.Logger) *Tools {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tools{provider: provider, owner: owner, logger: logger}
}

// Register adds the forge tools to reg.
func (t *Tools) Register(reg *tools.Registry) {
	repoProp := &mcp.PropertySchema{
		Type:        "string",
		Description: "Repository in owner/name form. A bare name uses the configured default owner.",
	}
	limitProp := &mcp.PropertySchema{
		Type:        "integer",
		Description: fmt.Sprintf("Maximum entries to return (default %d, max %d)", defaultListLimit, maxListLimit),
	}

	reg.Register(&tools.Tool{
		Name:        "github_get_repository",
		Description: "Get details about a GitHub repository: description, default branch, language, stars, and open issue count.",
		InputSchema: &mcp.PropertySchema{
			Type:       "object",
			Properties: map[string]*mcp.PropertySchema{"repo": repoProp},
			Required:   []string{"repo"},
		},
		Handler: t.handleGetRepository,
	})

	reg.Register(&tools.Tool{
		Name:        "github_list_pull_requests",
		Description: "List pull requests in a GitHub repository, newest first.",
		InputSchema: &mcp.PropertySchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"repo": repoProp,
				"state": {
					Type:        "string",
					Description: "Filter by state (default open)",
					Enum:        []any{"open", "closed", "all"},
				},
				"limit": limitProp,
			},
			Required: []string{"repo"},
		},
		Handler: t.handleListPullRequests,
	})

	reg.Register(&tools.Tool{
		Name:        "github_list_commits",
		Description: "List recent commits on the default branch of a GitHub repository.",
		InputSchema: &mcp.PropertySchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"repo":  repoProp,
				"limit": limitProp,
			},
			Required: []string{"repo"},
		},
		Handler: t.handleListCommits,
	})
}

// resolveRepo converts a repo argument into "owner/repo" format.
func (t *Tools) resolveRepo(repo string) (string, error) {
	if strings.Contains(repo, "/") {
		return repo, nil
	}
	if t.owner == "" {
		return "", &tools.ArgumentError{Field: "repo", Reason: "must be owner/name (no default owner configured)"}
	}
	return t.owner + "/" + repo, nil
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return min(n, maxListLimit)
}

type repoArgs struct {
	Repo string `json:"repo" validate:"required"`
}

func (t *Tools) handleGetRepository(ctx context.Context, args jsonval.Object) (string, error) {
	var a repoArgs
	if err := tools.DecodeArgs(args, &a); err != nil {
		return "", err
	}
	repo, err := t.resolveRepo(a.Repo)
	if err != nil {
		return "", err
	}

	r, err := t.provider.GetRepository(ctx, repo)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n", r.FullName)
	if r.Description != "" {
		fmt.Fprintf(&sb, "%s\n", r.Description)
	}
	fmt.Fprintf(&sb, "\nDefault branch: %s\n", r.DefaultBranch)
	if r.Language != "" {
		fmt.Fprintf(&sb, "Language: %s\n", r.Language)
	}
	fmt.Fprintf(&sb, "Stars: %d  Forks: %d  Open issues: %d\n", r.Stars, r.Forks, r.OpenIssues)
	if r.Private {
		sb.WriteString("Visibility: private\n")
	}
	if r.Archived {
		sb.WriteString("Archived: yes\n")
	}
	if !r.UpdatedAt.IsZero() {
		fmt.Fprintf(&sb, "Updated: %s\n", r.UpdatedAt.Format("2006-01-02"))
	}
	fmt.Fprintf(&sb, "URL: %s", r.URL)
	return sb.String(), nil
}

type listPRArgs struct {
	Repo  string `json:"repo" validate:"required"`
	State string `json:"state" validate:"omitempty,oneof=open closed all"`
	Limit int    `json:"limit" validate:"gte=0"`
}

func (t *Tools) handleListPullRequests(ctx context.Context, args jsonval.Object) (string, error) {
	var a listPRArgs
	if err := tools.DecodeArgs(args, &a); err != nil {
		return "", err
	}
	repo, err := t.resolveRepo(a.Repo)
	if err != nil {
		return "", err
	}

	prs, err := t.provider.ListPullRequests(ctx, repo, a.State, clampLimit(a.Limit))
	if err != nil {
		return "", err
	}
	if len(prs) == 0 {
		return "No pull requests found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d PR(s) in %s:\n\n", len(prs), repo)
	for _, p := range prs {
		draft := ""
		if p.Draft {
			draft = " [draft]"
		}
		fmt.Fprintf(&sb, "#%d %s (%s)%s %s -> %s by %s\n",
			p.Number, p.Title, p.State, draft, p.Head, p.Base, p.Author)
	}
	return sb.String(), nil
}

type listCommitsArgs struct {
	Repo  string `json:"repo" validate:"required"`
	Limit int    `json:"limit" validate:"gte=0"`
}

func (t *Tools) handleListCommits(ctx context.Context, args jsonval.Object) (string, error) {
	var a listCommitsArgs
	if err := tools.DecodeArgs(args, &a); err != nil {
		return "", err
	}
	repo, err := t.resolveRepo(a.Repo)
	if err != nil {
		return "", err
	}

	commits, err := t.provider.ListCommits(ctx, repo, clampLimit(a.Limit))
	if err != nil {
		return "", err
	}
	if len(commits) == 0 {
		return "No commits found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d recent commit(s) in %s:\n\n", len(commits), repo)
	for _, c := range commits {
		fmt.Fprintf(&sb, "%s %s (%s, %s)\n",
			c.ShortSHA(), c.Subject(), c.Author, c.Date.Format("2006-01-02"))
	}
	return sb.String(), nil
}
