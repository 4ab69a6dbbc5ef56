// Package forge exposes read-only GitHub repository queries as tools:
// repository details, pull request listings, and recent commits.
package forge

import "time"

// Repository summarizes a hosted repository.
type Repository struct {
	// FullName is "owner/name".
	FullName      string
	Description   string
	DefaultBranch string
	Language      string
	Stars         int
	Forks         int
	OpenIssues    int
	Private       bool
	Archived      bool
	// URL is the web URL of the repository.
	URL       string
	UpdatedAt time.Time
}

// PullRequest represents a single pull request.
type PullRequest struct {
	// Number is the forge-assigned PR number.
	Number int
	// Title is the PR title.
	Title string
	// State is the current state, e.g. "open" or "closed".
	State string
	// Author is the username of the PR creator.
	Author string
	// Head is the source branch or ref.
	Head string
	// Base is the target branch.
	Base string
	// Draft indicates whether the PR is a draft.
	Draft bool
	// URL is the web URL of the pull request.
	URL string
	// CreatedAt is when the PR was opened.
	CreatedAt time.Time
}

// Commit represents a single commit.
type Commit struct {
	// SHA is the full commit hash.
	SHA string
	// Message is the commit message.
	Message string
	// Author is the name or username of the commit author.
	Author string
	// Date is the commit author date.
	Date time.Time
}

// ShortSHA returns the first seven characters of the hash.
func (c *Commit) ShortSHA() string {
	if len(c.SHA) > 7 {
		return c.SHA[:7]
	}
	return c.SHA
}

// Subject returns the first line of the commit message.
func (c *Commit) Subject() string {
	for i := 0; i < len(c.Message); i++ {
		if c.Message[i] == '\n' {
			return c.Message[:i]
		}
	}
	return c.Message
}
