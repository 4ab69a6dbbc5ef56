// Package collab provides tools backed by two REST collaborators: a
// pull request review store and a support ticket store.
package collab

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/toolrelay/internal/httpkit"
	"github.com/nugget/toolrelay/internal/jsonval"
	"github.com/nugget/toolrelay/internal/mcp"
	"github.com/nugget/toolrelay/internal/tools"
)

// Review is one pull request review assigned to or written by a user.
type Review struct {
	Repo        string    `json:"repo"`
	PRNumber    int       `json:"pr_number"`
	Title       string    `json:"title"`
	State       string    `json:"state"`
	Reviewer    string    `json:"reviewer"`
	URL         string    `json:"url"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Reviewer is a registered reviewer account.
type Reviewer struct {
	GitHubUsername string `json:"github_username"`
	Email          string `json:"email,omitempty"`
}

// ReviewClient talks to the review store.
type ReviewClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewReviewClient creates a review store client. A nil httpClient gets
// a shared client carrying token as a bearer credential.
func NewReviewClient(baseURL, token string, httpClient *http.Client, logger *slog.Logger) *ReviewClient {
	if httpClient == nil {
		httpClient = httpkit.NewClient(httpkit.WithBearerToken(token))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReviewClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
		logger:  logger,
	}
}

// Reviews lists reviews for a GitHub user.
func (c *ReviewClient) Reviews(ctx context.Context, username string) ([]Review, error) {
	var out struct {
		Reviews []Review `json:"reviews"`
	}
	u := c.baseURL + "/reviews?" + url.Values{"github_username": {username}}.Encode()
	if err := httpkit.GetJSON(ctx, c.http, u, &out); err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	return out.Reviews, nil
}

// Register adds a reviewer to the store.
func (c *ReviewClient) Register(ctx context.Context, r Reviewer) error {
	if err := httpkit.PostJSON(ctx, c.http, c.baseURL+"/register", r, nil); err != nil {
		return fmt.Errorf("register reviewer: %w", err)
	}
	c.logger.Info("reviewer registered", "github_username", r.GitHubUsername)
	return nil
}

// RegisterTools adds get_pr_reviews and register_reviewer to reg.
func (c *ReviewClient) RegisterTools(reg *tools.Registry) {
	userProp := &mcp.PropertySchema{Type: "string", Description: "GitHub username"}

	reg.Register(&tools.Tool{
		Name:        "get_pr_reviews",
		Description: "List pull request reviews for a GitHub user from the review store.",
		InputSchema: &mcp.PropertySchema{
			Type:       "object",
			Properties: map[string]*mcp.PropertySchema{"github_username": userProp},
			Required:   []string{"github_username"},
		},
		Handler: c.handleGetReviews,
	})

	reg.Register(&tools.Tool{
		Name:        "register_reviewer",
		Description: "Register a GitHub user as a reviewer so their reviews are tracked.",
		InputSchema: &mcp.PropertySchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"github_username": userProp,
				"email":           {Type: "string", Description: "Contact email (optional)"},
			},
			Required: []string{"github_username"},
		},
		Handler: c.handleRegister,
	})
}

type reviewsArgs struct {
	GitHubUsername string `json:"github_username" validate:"required,max=39"`
}

func (c *ReviewClient) handleGetReviews(ctx context.Context, args jsonval.Object) (string, error) {
	var a reviewsArgs
	if err := tools.DecodeArgs(args, &a); err != nil {
		return "", err
	}

	reviews, err := c.Reviews(ctx, a.GitHubUsername)
	if err != nil {
		return "", err
	}
	if len(reviews) == 0 {
		return fmt.Sprintf("No reviews found for %s.", a.GitHubUsername), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d review(s) for %s:\n\n", len(reviews), a.GitHubUsername)
	for _, r := range reviews {
		fmt.Fprintf(&sb, "%s#%d %s [%s]", r.Repo, r.PRNumber, r.Title, r.State)
		if !r.SubmittedAt.IsZero() {
			fmt.Fprintf(&sb, " %s", r.SubmittedAt.Format("2006-01-02"))
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

type registerArgs struct {
	GitHubUsername string `json:"github_username" validate:"required,max=39"`
	Email          string `json:"email" validate:"omitempty,email"`
}

func (c *ReviewClient) handleRegister(ctx context.Context, args jsonval.Object) (string, error) {
	var a registerArgs
	if err := tools.DecodeArgs(args, &a); err != nil {
		return "", err
	}

	if err := c.Register(ctx, Reviewer(a)); err != nil {
		return "", err
	}
	return fmt.Sprintf("Registered %s as a reviewer.", a.GitHubUsername), nil
}
