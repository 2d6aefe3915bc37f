package driven

import (
	"context"

	"github.com/ericfisherdev/gatekeeper/internal/domain/model"
)

// BuildStore defines the driven port for try build persistence.
// Find* methods return nil, nil when no build matches.
type BuildStore interface {
	// Create inserts a new build and returns its ID. It fails if a
	// non-terminal build already exists for the same pull request.
	Create(ctx context.Context, build model.TryBuild) (int64, error)
	Get(ctx context.Context, id int64) (*model.TryBuild, error)
	// FindActiveForPR returns the pending or running build for a pull request.
	FindActiveForPR(ctx context.Context, repo model.RepoName, prNumber int) (*model.TryBuild, error)
	// FindLatestByBranch returns the most recently created build on branch.
	FindLatestByBranch(ctx context.Context, repo model.RepoName, branch string) (*model.TryBuild, error)
	// FindByExternalID returns the build that recorded the given CI id.
	FindByExternalID(ctx context.Context, repo model.RepoName, ref model.ExternalRef) (*model.TryBuild, error)
	// Transition moves a non-terminal build to status. It reports false
	// without error when the build is already terminal.
	Transition(ctx context.Context, id int64, status model.BuildStatus) (bool, error)
	// AddExternalID records a CI id for the build. Recording an id twice is a no-op.
	AddExternalID(ctx context.Context, id int64, ref model.ExternalRef) error
	// ListForPR returns all builds for a pull request, newest first.
	ListForPR(ctx context.Context, repo model.RepoName, prNumber int) ([]model.TryBuild, error)
}
