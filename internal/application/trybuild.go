package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericfisherdev/gatekeeper/internal/domain/model"
	"github.com/ericfisherdev/gatekeeper/internal/domain/port/driven"
)

// TryBranchName is the reserved branch every try build of a repository runs
// on. Starting a new try build overwrites it.
const TryBranchName = "automation/bors/try"

// TryBuildService starts try builds in response to the try command.
type TryBuildService struct {
	branch string
	now    func() time.Time
	logger *slog.Logger
}

// NewTryBuildService creates a TryBuildService that uses TryBranchName.
func NewTryBuildService(logger *slog.Logger) *TryBuildService {
	return &TryBuildService{
		branch: TryBranchName,
		now:    time.Now,
		logger: logger,
	}
}

// StartTryBuild supersedes any unfinished build of the pull request, points
// the try branch at a merge of the PR head onto its base, records a pending
// build and acknowledges the request on the pull request.
//
// Nothing is recorded when the branch update fails. If the branch was updated
// but the build could not be recorded, the branch is left in place and the
// returned error says so.
func (s *TryBuildService) StartTryBuild(
	ctx context.Context,
	repo *RepositoryState,
	store driven.BuildStore,
	pr model.PullRequestSnapshot,
	requester string,
) error {
	active, err := store.FindActiveForPR(ctx, repo.Name, pr.Number)
	if err != nil {
		return fmt.Errorf("find active try build for %s#%d: %w", repo.Name, pr.Number, err)
	}
	if active != nil {
		if _, err := store.Transition(ctx, active.ID, model.BuildStatusCancelled); err != nil {
			return fmt.Errorf("cancel try build %d for %s#%d: %w", active.ID, repo.Name, pr.Number, err)
		}
		s.logger.Info("try build superseded",
			"repo", repo.Name.String(),
			"pr", pr.Number,
			"build_id", active.ID,
			"previous_status", string(active.Status),
		)
	}

	mergeSHA, err := repo.Client.SetBranchToMergeCommit(ctx, s.branch, pr)
	if errors.Is(err, driven.ErrMergeConflict) {
		s.logger.Info("try build merge conflict", "repo", repo.Name.String(), "pr", pr.Number)
		if err := repo.Client.PostComment(ctx, pr.Number, mergeConflictReply(pr)); err != nil {
			return fmt.Errorf("post merge conflict reply on %s#%d: %w", repo.Name, pr.Number, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("update try branch %s for %s#%d: %w", s.branch, repo.Name, pr.Number, err)
	}

	now := s.now().UTC()
	buildID, err := store.Create(ctx, model.TryBuild{
		Repository:  repo.Name,
		PRNumber:    pr.Number,
		Branch:      s.branch,
		RequestedBy: requester,
		Status:      model.BuildStatusPending,
		MergeSHA:    mergeSHA,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		// TODO: delete the try branch here once RepositoryClient exposes a
		// ref delete backed by go-github's Git.DeleteRef.
		return fmt.Errorf("try branch %s of %s points at %s but the build was not recorded: %w",
			s.branch, repo.Name, mergeSHA, err)
	}

	s.logger.Info("try build started",
		"repo", repo.Name.String(),
		"pr", pr.Number,
		"build_id", buildID,
		"merge_sha", mergeSHA,
		"requested_by", requester,
	)

	if err := repo.Client.PostComment(ctx, pr.Number, tryStartedReply(pr.HeadSHA, mergeSHA)); err != nil {
		return fmt.Errorf("post try build acknowledgement on %s#%d: %w", repo.Name, pr.Number, err)
	}

	return nil
}

func tryStartedReply(headSHA, mergeSHA string) string {
	return fmt.Sprintf(":hourglass: Trying commit %s with merge %s…", headSHA, mergeSHA)
}

func mergeConflictReply(pr model.PullRequestSnapshot) string {
	return fmt.Sprintf(":lock: Merge conflict\n\nThis pull request cannot be merged cleanly into `%s`. Please rebase or merge `%s` and try again.",
		pr.BaseRef, pr.BaseRef)
}
