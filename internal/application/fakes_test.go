package application_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ericfisherdev/gatekeeper/internal/application"
	"github.com/ericfisherdev/gatekeeper/internal/domain/model"
	"github.com/ericfisherdev/gatekeeper/internal/domain/port/driven"
)

// --- Fake implementations ---

var testRepo = model.RepoName{Owner: "rust-lang", Name: "rust"}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type postedComment struct {
	IssueNumber int
	Body        string
}

type fakeRepositoryClient struct {
	mu       sync.Mutex
	prs      map[int]model.PullRequestSnapshot
	comments []postedComment
	calls    int

	getPRErr   error
	postErr    error
	mergeErr   error
	mergeSHA   string
	merges     []string // Branches that were reset.
	panicOnGet bool
}

func newFakeRepositoryClient() *fakeRepositoryClient {
	return &fakeRepositoryClient{
		prs: map[int]model.PullRequestSnapshot{
			1: {Number: 1, Title: "Fix the thing", Author: "alice", HeadRef: "fix-thing", HeadSHA: "head1", BaseRef: "main"},
		},
		mergeSHA: "merge1",
	}
}

func (c *fakeRepositoryClient) GetPullRequest(_ context.Context, number int) (model.PullRequestSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.panicOnGet {
		panic("boom")
	}
	if c.getPRErr != nil {
		return model.PullRequestSnapshot{}, c.getPRErr
	}
	pr, ok := c.prs[number]
	if !ok {
		return model.PullRequestSnapshot{}, errors.New("pull request not found")
	}
	return pr, nil
}

func (c *fakeRepositoryClient) PostComment(_ context.Context, issueNumber int, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.postErr != nil {
		return c.postErr
	}
	c.comments = append(c.comments, postedComment{IssueNumber: issueNumber, Body: body})
	return nil
}

func (c *fakeRepositoryClient) SetBranchToMergeCommit(_ context.Context, branch string, _ model.PullRequestSnapshot) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.mergeErr != nil {
		return "", c.mergeErr
	}
	c.merges = append(c.merges, branch)
	return c.mergeSHA, nil
}

func (c *fakeRepositoryClient) bodies() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.comments))
	for _, comment := range c.comments {
		out = append(out, comment.Body)
	}
	return out
}

// fakeBuildStore is an in-memory BuildStore with the same transition rules
// as the SQLite implementation.
type fakeBuildStore struct {
	mu        sync.Mutex
	builds    []model.TryBuild
	reads     int
	mutations int
	createErr error
}

func (s *fakeBuildStore) Create(_ context.Context, build model.TryBuild) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutations++
	if s.createErr != nil {
		return 0, s.createErr
	}
	for _, b := range s.builds {
		if b.Repository == build.Repository && b.PRNumber == build.PRNumber && !b.Status.IsTerminal() {
			return 0, errors.New("active build exists")
		}
	}
	build.ID = int64(len(s.builds) + 1)
	s.builds = append(s.builds, build)
	return build.ID, nil
}

func (s *fakeBuildStore) Get(_ context.Context, id int64) (*model.TryBuild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	return s.find(func(b model.TryBuild) bool { return b.ID == id }), nil
}

func (s *fakeBuildStore) FindActiveForPR(_ context.Context, repo model.RepoName, prNumber int) (*model.TryBuild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	return s.find(func(b model.TryBuild) bool {
		return b.Repository == repo && b.PRNumber == prNumber && !b.Status.IsTerminal()
	}), nil
}

func (s *fakeBuildStore) FindLatestByBranch(_ context.Context, repo model.RepoName, branch string) (*model.TryBuild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	return s.find(func(b model.TryBuild) bool { return b.Repository == repo && b.Branch == branch }), nil
}

func (s *fakeBuildStore) FindByExternalID(_ context.Context, repo model.RepoName, ref model.ExternalRef) (*model.TryBuild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	return s.find(func(b model.TryBuild) bool { return b.Repository == repo && b.HasExternalID(ref) }), nil
}

func (s *fakeBuildStore) Transition(_ context.Context, id int64, status model.BuildStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutations++
	for i := range s.builds {
		if s.builds[i].ID == id && !s.builds[i].Status.IsTerminal() {
			s.builds[i].Status = status
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeBuildStore) AddExternalID(_ context.Context, id int64, ref model.ExternalRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutations++
	for i := range s.builds {
		if s.builds[i].ID == id && !s.builds[i].HasExternalID(ref) {
			s.builds[i].ExternalIDs = append(s.builds[i].ExternalIDs, ref)
		}
	}
	return nil
}

func (s *fakeBuildStore) ListForPR(_ context.Context, repo model.RepoName, prNumber int) ([]model.TryBuild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	var out []model.TryBuild
	for _, b := range slices.Backward(s.builds) {
		if b.Repository == repo && b.PRNumber == prNumber {
			out = append(out, b)
		}
	}
	return out, nil
}

// find returns a copy of the newest build matching pred. Caller holds mu.
func (s *fakeBuildStore) find(pred func(model.TryBuild) bool) *model.TryBuild {
	for i := len(s.builds) - 1; i >= 0; i-- {
		if pred(s.builds[i]) {
			b := s.builds[i]
			b.ExternalIDs = slices.Clone(b.ExternalIDs)
			return &b
		}
	}
	return nil
}

func (s *fakeBuildStore) snapshot() []model.TryBuild {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.builds)
}

func (s *fakeBuildStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads + s.mutations
}

type fakeInstallationSource struct {
	mu    sync.Mutex
	repos []model.RepoName
	err   error
}

func (f *fakeInstallationSource) ListRepositories(_ context.Context) ([]model.RepoName, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return slices.Clone(f.repos), nil
}

func (f *fakeInstallationSource) set(repos ...model.RepoName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repos = repos
}

// --- Fixture wiring the real application components around the fakes ---

type fixture struct {
	client     *fakeRepositoryClient
	store      *fakeBuildStore
	source     *fakeInstallationSource
	registry   *application.Registry
	dispatcher *application.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	client := newFakeRepositoryClient()
	store := &fakeBuildStore{}
	source := &fakeInstallationSource{repos: []model.RepoName{testRepo}}
	logger := discardLogger()

	registry := application.NewRegistry(source, func(model.RepoName) driven.RepositoryClient { return client }, store, "bors", logger)
	require.NoError(t, registry.ReloadInstallations(context.Background()))

	comments := application.NewCommentHandler("bors", application.NewTryBuildService(logger), logger)
	workflows := application.NewWorkflowCorrelator(logger)
	dispatcher := application.NewDispatcher(registry, comments, workflows, noop.NewTracerProvider().Tracer("test"), logger, time.Minute, 8)

	return &fixture{
		client:     client,
		store:      store,
		source:     source,
		registry:   registry,
		dispatcher: dispatcher,
	}
}

func (f *fixture) comment(text string) {
	f.commentAs("alice", text)
}

func (f *fixture) commentAs(author, text string) {
	f.dispatcher.Dispatch(context.Background(), model.CommentEvent{
		Repository: testRepo,
		PRNumber:   1,
		Author:     author,
		Text:       text,
	})
}

func (f *fixture) workflowStarted(runID int64) {
	f.dispatcher.Dispatch(context.Background(), model.WorkflowStartedEvent{
		Repository: testRepo,
		Branch:     application.TryBranchName,
		RunID:      runID,
		URL:        "https://github.com/rust-lang/rust/actions/runs/1",
	})
}

func (f *fixture) workflowCompleted(runID int64, succeeded bool) {
	f.dispatcher.Dispatch(context.Background(), model.WorkflowCompletedEvent{
		Repository: testRepo,
		Branch:     application.TryBranchName,
		RunID:      runID,
		URL:        "https://github.com/rust-lang/rust/actions/runs/1",
		Succeeded:  succeeded,
	})
}
