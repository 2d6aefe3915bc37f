package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ericfisherdev/gatekeeper/internal/domain/model"
	"github.com/ericfisherdev/gatekeeper/internal/domain/port/driven"
)

// WorkflowCorrelator ties CI lifecycle events back to the try builds they
// belong to. Every handler is idempotent: duplicate or late deliveries for a
// finished build change nothing and post nothing.
type WorkflowCorrelator struct {
	branch string
	logger *slog.Logger
}

// NewWorkflowCorrelator creates a WorkflowCorrelator watching TryBranchName.
func NewWorkflowCorrelator(logger *slog.Logger) *WorkflowCorrelator {
	return &WorkflowCorrelator{
		branch: TryBranchName,
		logger: logger,
	}
}

// OnWorkflowStarted marks the pending build on the try branch as running and
// records the run. A run already recorded stays with the build that recorded
// it, so repeated starts of a superseded run never touch its successor.
func (c *WorkflowCorrelator) OnWorkflowStarted(ctx context.Context, store driven.BuildStore, ev model.WorkflowStartedEvent) error {
	if ev.Branch != c.branch {
		return nil
	}

	run := model.WorkflowRunRef(ev.RunID)
	build, err := store.FindByExternalID(ctx, ev.Repository, run)
	if err != nil {
		return fmt.Errorf("find try build for %s in %s: %w", run, ev.Repository, err)
	}
	if build == nil {
		build, err = store.FindLatestByBranch(ctx, ev.Repository, ev.Branch)
		if err != nil {
			return fmt.Errorf("find try build on %s@%s: %w", ev.Repository, ev.Branch, err)
		}
	}
	if build == nil || build.Status.IsTerminal() {
		c.logger.Debug("workflow started without a tracked build",
			"repo", ev.Repository.String(),
			"branch", ev.Branch,
			"run_id", ev.RunID,
		)
		return nil
	}

	if !build.HasExternalID(run) {
		if err := store.AddExternalID(ctx, build.ID, run); err != nil {
			return fmt.Errorf("record %s for try build %d: %w", run, build.ID, err)
		}
	}

	if build.Status != model.BuildStatusPending {
		return nil
	}

	if _, err := store.Transition(ctx, build.ID, model.BuildStatusRunning); err != nil {
		return fmt.Errorf("mark try build %d running: %w", build.ID, err)
	}

	c.logger.Info("try build running",
		"repo", ev.Repository.String(),
		"pr", build.PRNumber,
		"build_id", build.ID,
		"run_id", ev.RunID,
	)

	return nil
}

// OnWorkflowCompleted finishes the build a workflow run belongs to.
func (c *WorkflowCorrelator) OnWorkflowCompleted(ctx context.Context, repo *RepositoryState, store driven.BuildStore, ev model.WorkflowCompletedEvent) error {
	return c.complete(ctx, repo, store, completion{
		branch:    ev.Branch,
		ref:       model.WorkflowRunRef(ev.RunID),
		label:     fmt.Sprintf("Workflow run %d", ev.RunID),
		url:       ev.URL,
		succeeded: ev.Succeeded,
	})
}

// OnCheckSuiteCompleted finishes the build a check suite belongs to.
func (c *WorkflowCorrelator) OnCheckSuiteCompleted(ctx context.Context, repo *RepositoryState, store driven.BuildStore, ev model.CheckSuiteCompletedEvent) error {
	return c.complete(ctx, repo, store, completion{
		branch:    ev.Branch,
		ref:       model.CheckSuiteRef(ev.SuiteID),
		label:     fmt.Sprintf("Check suite %d", ev.SuiteID),
		succeeded: ev.Succeeded,
	})
}

// completion is the common shape of the two completion signals.
type completion struct {
	branch    string
	ref       model.ExternalRef
	label     string
	url       string
	succeeded bool
}

func (c *WorkflowCorrelator) complete(ctx context.Context, repo *RepositoryState, store driven.BuildStore, done completion) error {
	if done.branch != c.branch {
		return nil
	}

	build, err := c.findBuild(ctx, store, repo.Name, done)
	if err != nil {
		return err
	}
	if build == nil {
		c.logger.Debug("completion without a tracked build",
			"repo", repo.Name.String(),
			"branch", done.branch,
			"external_id", done.ref.String(),
		)
		return nil
	}
	if build.Status.IsTerminal() {
		c.logger.Debug("ignoring completion for finished try build",
			"repo", repo.Name.String(),
			"build_id", build.ID,
			"status", string(build.Status),
			"external_id", done.ref.String(),
		)
		return nil
	}

	if !build.HasExternalID(done.ref) {
		if err := store.AddExternalID(ctx, build.ID, done.ref); err != nil {
			return fmt.Errorf("record %s for try build %d: %w", done.ref, build.ID, err)
		}
	}

	status := model.BuildStatusFailed
	if done.succeeded {
		status = model.BuildStatusSucceeded
	}

	// Only the delivery that actually moves the build reports the result.
	changed, err := store.Transition(ctx, build.ID, status)
	if err != nil {
		return fmt.Errorf("finish try build %d: %w", build.ID, err)
	}
	if !changed {
		return nil
	}

	c.logger.Info("try build finished",
		"repo", repo.Name.String(),
		"pr", build.PRNumber,
		"build_id", build.ID,
		"status", string(status),
		"external_id", done.ref.String(),
	)

	if err := repo.Client.PostComment(ctx, build.PRNumber, buildResultReply(done)); err != nil {
		return fmt.Errorf("post try build result on %s#%d: %w", repo.Name, build.PRNumber, err)
	}

	return nil
}

// findBuild prefers the build that already recorded the CI id, so late events
// from superseded runs land on the cancelled build rather than its successor.
func (c *WorkflowCorrelator) findBuild(ctx context.Context, store driven.BuildStore, repo model.RepoName, done completion) (*model.TryBuild, error) {
	build, err := store.FindByExternalID(ctx, repo, done.ref)
	if err != nil {
		return nil, fmt.Errorf("find try build for %s in %s: %w", done.ref, repo, err)
	}
	if build != nil {
		return build, nil
	}

	build, err = store.FindLatestByBranch(ctx, repo, done.branch)
	if err != nil {
		return nil, fmt.Errorf("find try build on %s@%s: %w", repo, done.branch, err)
	}
	return build, nil
}

func buildResultReply(done completion) string {
	ref := done.label
	if done.url != "" {
		ref = fmt.Sprintf("[%s](%s)", done.label, done.url)
	}
	if done.succeeded {
		return fmt.Sprintf(":sunny: Try build successful\n- %s :white_check_mark:", ref)
	}
	return fmt.Sprintf(":broken_heart: Test failed\n- %s :x:", ref)
}
