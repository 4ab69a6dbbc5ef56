package forge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nugget/toolrelay/internal/jsonval"
	"github.com/nugget/toolrelay/internal/tools"
)

// mockProvider records the last call and returns canned data.
type mockProvider struct {
	lastRepo  string
	lastState string
	lastLimit int
	repo      *Repository
	prs       []*PullRequest
	commits   []*Commit
	err       error
}

func (m *mockProvider) GetRepository(_ context.Context, repo string) (*Repository, error) {
	m.lastRepo = repo
	return m.repo, m.err
}

func (m *mockProvider) ListPullRequests(_ context.Context, repo, state string, limit int) ([]*PullRequest, error) {
	m.lastRepo, m.lastState, m.lastLimit = repo, state, limit
	return m.prs, m.err
}

func (m *mockProvider) ListCommits(_ context.Context, repo string, limit int) ([]*Commit, error) {
	m.lastRepo, m.lastLimit = repo, limit
	return m.commits, m.err
}

func newTestRegistry(p Provider, owner string) *tools.Registry {
	reg := tools.NewRegistry(nil)
	NewTools(p, owner, nil).Register(reg)
	return reg
}

func TestRegister_ToolNames(t *testing.T) {
	reg := newTestRegistry(&mockProvider{}, "")
	defs := reg.List()
	want := []string{"github_get_repository", "github_list_pull_requests", "github_list_commits"}
	if len(defs) != len(want) {
		t.Fatalf("registered %d tools, want %d", len(defs), len(want))
	}
	for i, name := range want {
		if defs[i].Name != name {
			t.Errorf("tool %d = %q, want %q", i, defs[i].Name, name)
		}
		if defs[i].InputSchema == nil || len(defs[i].InputSchema.Required) == 0 {
			t.Errorf("%s: repo should be required", name)
		}
	}
}

func TestHandleGetRepository(t *testing.T) {
	m := &mockProvider{repo: &Repository{
		FullName:      "acme/app",
		Description:   "The app",
		DefaultBranch: "main",
		Stars:         5,
		URL:           "https://github.com/acme/app",
		UpdatedAt:     time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}}
	reg := newTestRegistry(m, "acme")

	res := reg.Execute(context.Background(), "github_get_repository",
		jsonval.Object{"repo": jsonval.String("app")})
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Text())
	}
	if m.lastRepo != "acme/app" {
		t.Errorf("repo = %q, want default owner prepended", m.lastRepo)
	}
	for _, want := range []string{"acme/app", "The app", "Default branch: main", "Stars: 5", "Updated: 2025-03-01"} {
		if !strings.Contains(res.Text(), want) {
			t.Errorf("output missing %q:\n%s", want, res.Text())
		}
	}
}

func TestHandleGetRepository_NoOwner(t *testing.T) {
	reg := newTestRegistry(&mockProvider{}, "")
	res := reg.Execute(context.Background(), "github_get_repository",
		jsonval.Object{"repo": jsonval.String("app")})
	if !res.IsError || !strings.Contains(res.Text(), "repo") {
		t.Errorf("result = %+v, want repo argument error", res)
	}
}

func TestHandleListPullRequests(t *testing.T) {
	tests := []struct {
		name      string
		args      jsonval.Object
		prs       []*PullRequest
		wantErr   string
		wantLimit int
		wantText  string
	}{
		{
			name:      "default limit",
			args:      jsonval.Object{"repo": jsonval.String("acme/app")},
			prs:       []*PullRequest{{Number: 3, Title: "Feature", State: "open", Head: "f", Base: "main", Author: "al"}},
			wantLimit: defaultListLimit,
			wantText:  "#3 Feature (open) f -> main by al",
		},
		{
			name:      "limit clamped",
			args:      jsonval.Object{"repo": jsonval.String("acme/app"), "limit": jsonval.Number(500)},
			wantLimit: maxListLimit,
			wantText:  "No pull requests found.",
		},
		{
			name:    "bad state",
			args:    jsonval.Object{"repo": jsonval.String("acme/app"), "state": jsonval.String("merged")},
			wantErr: "state",
		},
		{
			name:    "missing repo",
			args:    jsonval.Object{},
			wantErr: "repo",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockProvider{prs: tt.prs}
			res := newTestRegistry(m, "").Execute(context.Background(), "github_list_pull_requests", tt.args)
			if tt.wantErr != "" {
				if !res.IsError || !strings.Contains(res.Text(), tt.wantErr) {
					t.Errorf("result = %q, want error mentioning %q", res.Text(), tt.wantErr)
				}
				return
			}
			if res.IsError {
				t.Fatalf("unexpected error: %s", res.Text())
			}
			if m.lastLimit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", m.lastLimit, tt.wantLimit)
			}
			if !strings.Contains(res.Text(), tt.wantText) {
				t.Errorf("output = %q, want %q", res.Text(), tt.wantText)
			}
		})
	}
}

func TestHandleListCommits(t *testing.T) {
	m := &mockProvider{commits: []*Commit{{
		SHA:     "0123456789abcdef",
		Message: "Tidy up\n\nbody",
		Author:  "dee",
		Date:    time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC),
	}}}
	res := newTestRegistry(m, "").Execute(context.Background(), "github_list_commits",
		jsonval.Object{"repo": jsonval.String("acme/app"), "limit": jsonval.Number(3)})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Text())
	}
	if m.lastLimit != 3 {
		t.Errorf("limit = %d, want 3", m.lastLimit)
	}
	if !strings.Contains(res.Text(), "0123456 Tidy up (dee, 2025-04-02)") {
		t.Errorf("output = %q", res.Text())
	}
}

func TestHandle_ProviderError(t *testing.T) {
	m := &mockProvider{err: errors.New("forge: list commits: 502 Bad Gateway")}
	res := newTestRegistry(m, "").Execute(context.Background(), "github_list_commits",
		jsonval.Object{"repo": jsonval.String("acme/app")})
	if !res.IsError || !strings.Contains(res.Text(), "502") {
		t.Errorf("result = %q, want provider error surfaced", res.Text())
	}
}
