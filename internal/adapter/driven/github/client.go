// Package github implements the hosting-platform ports using the go-github library.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gh "github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"

	"github.com/ericfisherdev/gatekeeper/internal/domain/model"
	"github.com/ericfisherdev/gatekeeper/internal/domain/port/driven"
)

// Compile-time interface satisfaction checks.
var (
	_ driven.RepositoryClient   = (*RepositoryClient)(nil)
	_ driven.InstallationSource = (*Client)(nil)
)

// Client wraps an authenticated go-github client shared by every repository.
type Client struct {
	gh *gh.Client
}

// NewClient creates a GitHub API client with the following transport stack:
//  1. go-github-ratelimit (secondary rate limit middleware, sleeps on 429)
//  2. revalidation (every GET asks GitHub whether the cached copy is current)
//  3. httpcache (ETag-based conditional request caching)
//  4. go-github (GitHub REST API client with token auth)
func NewClient(token string) *Client {
	return &Client{gh: gh.NewClient(newHTTPClient(http.DefaultTransport)).WithAuthToken(token)}
}

// NewClientWithHTTPClient creates a Client with a custom http.Client and base URL.
// This constructor is intended for testing, allowing injection of an httptest server.
func NewClientWithHTTPClient(httpClient *http.Client, baseURL string) (*Client, error) {
	return withBaseURL(gh.NewClient(httpClient), baseURL)
}

func newHTTPClient(base http.RoundTripper) *http.Client {
	cache := httpcache.NewTransport(httpcache.NewMemoryCache())
	cache.Transport = base
	return github_ratelimit.NewClient(revalidatingTransport{next: cache})
}

func withBaseURL(client *gh.Client, baseURL string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	client.BaseURL = u

	return &Client{gh: client}, nil
}

// revalidatingTransport marks every request max-age=0. The cache then never
// answers from memory alone: it sends If-None-Match and reuses its copy only
// when GitHub replies 304, so pull request heads and branch tips are always live.
type revalidatingTransport struct {
	next http.RoundTripper
}

func (t revalidatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Cache-Control", "max-age=0")
	return t.next.RoundTrip(req)
}

// ForRepository returns a RepositoryClient scoped to repo.
func (c *Client) ForRepository(repo model.RepoName) *RepositoryClient {
	return &RepositoryClient{gh: c.gh, repo: repo}
}

// ListRepositories returns every repository the app installation can access.
// The client must be authenticated with an installation token.
func (c *Client) ListRepositories(ctx context.Context) ([]model.RepoName, error) {
	opts := &gh.ListOptions{PerPage: 100}
	var names []model.RepoName

	for {
		result, resp, err := c.gh.Apps.ListRepos(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("listing installation repositories (page %d): %w", opts.Page, err)
		}

		logRateLimit(resp, "installation/repositories", opts.Page, len(result.Repositories))

		for _, repo := range result.Repositories {
			names = append(names, model.RepoName{
				Owner: repo.GetOwner().GetLogin(),
				Name:  repo.GetName(),
			})
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return names, nil
}

// RepositoryClient implements driven.RepositoryClient for one repository.
type RepositoryClient struct {
	gh   *gh.Client
	repo model.RepoName
}

// GetPullRequest fetches the live state of a pull request.
func (c *RepositoryClient) GetPullRequest(ctx context.Context, number int) (model.PullRequestSnapshot, error) {
	pr, resp, err := c.gh.PullRequests.Get(ctx, c.repo.Owner, c.repo.Name, number)
	if err != nil {
		return model.PullRequestSnapshot{}, fmt.Errorf("fetching pull request %s#%d: %w", c.repo, number, err)
	}

	logRateLimit(resp, c.repo.String()+"/pull", 0, 1)

	return mapPullRequest(pr), nil
}

// PostComment creates a top-level comment on an issue or pull request.
func (c *RepositoryClient) PostComment(ctx context.Context, issueNumber int, body string) error {
	_, _, err := c.gh.Issues.CreateComment(ctx, c.repo.Owner, c.repo.Name, issueNumber, &gh.IssueComment{
		Body: gh.Ptr(body),
	})
	if err != nil {
		return fmt.Errorf("creating issue comment on %s#%d: %w", c.repo, issueNumber, err)
	}

	return nil
}

// SetBranchToMergeCommit force-resets branch to the current head of the pull
// request's base branch, then asks GitHub to merge the PR head into it.
func (c *RepositoryClient) SetBranchToMergeCommit(ctx context.Context, branch string, pr model.PullRequestSnapshot) (string, error) {
	base, _, err := c.gh.Git.GetRef(ctx, c.repo.Owner, c.repo.Name, "heads/"+pr.BaseRef)
	if err != nil {
		return "", fmt.Errorf("resolving base branch %s of %s: %w", pr.BaseRef, c.repo, err)
	}
	baseSHA := base.GetObject().GetSHA()

	if err := c.forceRef(ctx, branch, baseSHA); err != nil {
		return "", err
	}

	commit, resp, err := c.gh.Repositories.Merge(ctx, c.repo.Owner, c.repo.Name, &gh.RepositoryMergeRequest{
		Base:          gh.Ptr(branch),
		Head:          gh.Ptr(pr.HeadSHA),
		CommitMessage: gh.Ptr(mergeCommitMessage(pr)),
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return "", fmt.Errorf("merging %s into %s of %s: %w", pr.HeadSHA, branch, c.repo, driven.ErrMergeConflict)
		}
		return "", fmt.Errorf("merging %s into %s of %s: %w", pr.HeadSHA, branch, c.repo, err)
	}

	// 204: the head is already contained in the base, so the branch tip is the merge.
	if resp.StatusCode == http.StatusNoContent {
		return baseSHA, nil
	}

	return commit.GetSHA(), nil
}

// forceRef points refs/heads/<branch> at sha, creating the ref if needed.
func (c *RepositoryClient) forceRef(ctx context.Context, branch, sha string) error {
	_, resp, err := c.gh.Git.UpdateRef(ctx, c.repo.Owner, c.repo.Name, "heads/"+branch, gh.UpdateRef{
		SHA:   sha,
		Force: gh.Ptr(true),
	})
	if err == nil {
		return nil
	}
	if !isMissingRef(resp, err) {
		return fmt.Errorf("updating %s of %s to %s: %w", branch, c.repo, sha, err)
	}

	_, _, err = c.gh.Git.CreateRef(ctx, c.repo.Owner, c.repo.Name, gh.CreateRef{
		Ref: "refs/heads/" + branch,
		SHA: sha,
	})
	if err != nil {
		return fmt.Errorf("creating %s of %s at %s: %w", branch, c.repo, sha, err)
	}

	return nil
}

// isMissingRef reports whether a ref update failed because the ref does not
// exist yet. GitHub answers 422 "Reference does not exist" for that case.
func isMissingRef(resp *gh.Response, err error) bool {
	var ghErr *gh.ErrorResponse
	if !errors.As(err, &ghErr) || resp == nil {
		return false
	}
	return resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusNotFound
}

// mapPullRequest converts a go-github PullRequest to a snapshot.
// It uses GetXxx() helper methods exclusively to avoid nil pointer panics.
func mapPullRequest(pr *gh.PullRequest) model.PullRequestSnapshot {
	return model.PullRequestSnapshot{
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		Author:  pr.GetUser().GetLogin(),
		HeadRef: pr.GetHead().GetRef(),
		HeadSHA: pr.GetHead().GetSHA(),
		BaseRef: pr.GetBase().GetRef(),
	}
}

func mergeCommitMessage(pr model.PullRequestSnapshot) string {
	return fmt.Sprintf("Auto merge of #%d - %s, r=%s\n\n%s", pr.Number, pr.HeadRef, pr.Author, pr.Title)
}

// logRateLimit logs the GitHub API rate limit status after each call.
func logRateLimit(resp *gh.Response, endpoint string, page, count int) {
	if resp == nil {
		return
	}

	slog.Debug("github api call",
		"endpoint", endpoint,
		"page", page,
		"count", count,
		"rate_remaining", resp.Rate.Remaining,
		"rate_limit", resp.Rate.Limit,
	)

	// Responses without rate headers (e.g. from proxies) report a zero limit.
	if resp.Rate.Limit > 0 && resp.Rate.Remaining < 100 {
		slog.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset_in", time.Until(resp.Rate.Reset.Time).Round(time.Second),
		)
	}
}
