package forge

import "context"

// Provider defines the repository queries backing the forge tools.
//
// All repo parameters use "owner/name" format (e.g. "acme/myapp").
type Provider interface {
	// GetRepository fetches repository metadata.
	GetRepository(ctx context.Context, repo string) (*Repository, error)

	// ListPullRequests returns pull requests in the given state
	// ("open", "closed", or "all"), newest first, at most limit entries.
	ListPullRequests(ctx context.Context, repo, state string, limit int) ([]*PullRequest, error)

	// ListCommits returns the most recent commits on the default branch.
	ListCommits(ctx context.Context, repo string, limit int) ([]*Commit, error)
}
