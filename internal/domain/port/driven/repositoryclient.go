package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/gatekeeper/internal/domain/model"
)

// ErrMergeConflict is returned by SetBranchToMergeCommit when the pull request
// head cannot be merged cleanly onto its base.
var ErrMergeConflict = errors.New("merge conflict")

// RepositoryClient defines the driven port for hosting-platform operations
// scoped to a single repository.
type RepositoryClient interface {
	// GetPullRequest fetches the current state of a pull request.
	GetPullRequest(ctx context.Context, number int) (model.PullRequestSnapshot, error)
	// PostComment adds a comment to the issue or pull request.
	PostComment(ctx context.Context, issueNumber int, body string) error
	// SetBranchToMergeCommit resets branch to the head of pr's base branch and
	// merges pr's head commit into it. It returns the merge commit SHA.
	SetBranchToMergeCommit(ctx context.Context, branch string, pr model.PullRequestSnapshot) (string, error)
}

// InstallationSource lists the repositories the bot is allowed to act on.
type InstallationSource interface {
	ListRepositories(ctx context.Context) ([]model.RepoName, error)
}
