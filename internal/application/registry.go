package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/ericfisherdev/gatekeeper/internal/domain/model"
	"github.com/ericfisherdev/gatekeeper/internal/domain/port/driven"
)

// ErrRepositoryNotFound is returned by WithRepository when the repository is
// not part of the current installation set.
var ErrRepositoryNotFound = errors.New("repository not registered")

// RepositoryState is the mutable per-repository context handed to event
// handlers. It is only accessed while the repository is leased.
type RepositoryState struct {
	Name   model.RepoName
	Client driven.RepositoryClient
}

// RepositoryFunc runs with exclusive access to one repository's state.
type RepositoryFunc func(ctx context.Context, repo *RepositoryState, store driven.BuildStore) error

// RepositoryRegistry is the dispatcher's view of the registry.
type RepositoryRegistry interface {
	// IsCommentInternal reports whether the comment was written by the bot itself.
	IsCommentInternal(comment model.CommentEvent) bool
	// WithRepository runs fn with exclusive access to the named repository.
	// It returns an error wrapping ErrRepositoryNotFound if the repository is unknown.
	WithRepository(ctx context.Context, name model.RepoName, fn RepositoryFunc) error
	// ReloadInstallations refreshes the set of accessible repositories.
	ReloadInstallations(ctx context.Context) error
}

// ClientFactory builds the platform client for a newly installed repository.
type ClientFactory func(repo model.RepoName) driven.RepositoryClient

// repoEntry guards one repository's state with a one-slot semaphore so that
// acquisition can be abandoned when the caller's context ends.
type repoEntry struct {
	sem   chan struct{}
	state *RepositoryState
}

// Compile-time interface satisfaction check.
var _ RepositoryRegistry = (*Registry)(nil)

// Registry owns the per-repository state of every installed repository and
// lends it out one event at a time.
type Registry struct {
	mu       sync.RWMutex
	repos    map[model.RepoName]*repoEntry
	source   driven.InstallationSource
	clients  ClientFactory
	store    driven.BuildStore
	botLogin string
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry. Call ReloadInstallations to populate it.
func NewRegistry(
	source driven.InstallationSource,
	clients ClientFactory,
	store driven.BuildStore,
	botLogin string,
	logger *slog.Logger,
) *Registry {
	return &Registry{
		repos:    make(map[model.RepoName]*repoEntry),
		source:   source,
		clients:  clients,
		store:    store,
		botLogin: botLogin,
		logger:   logger,
	}
}

// IsCommentInternal matches the author against the bot login, including the
// "[bot]" suffix GitHub adds for app accounts.
func (r *Registry) IsCommentInternal(comment model.CommentEvent) bool {
	author := strings.TrimSuffix(comment.Author, "[bot]")
	return strings.EqualFold(author, strings.TrimSuffix(r.botLogin, "[bot]"))
}

// WithRepository leases the repository for the duration of fn. Concurrent
// callers for the same repository wait; callers for other repositories do not.
func (r *Registry) WithRepository(ctx context.Context, name model.RepoName, fn RepositoryFunc) error {
	r.mu.RLock()
	entry, ok := r.repos[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("lease %s: %w", name, ErrRepositoryNotFound)
	}

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("lease %s: %w", name, ctx.Err())
	}
	defer func() { <-entry.sem }()

	return fn(ctx, entry.state, r.store)
}

// ReloadInstallations replaces the installation set with the repositories
// currently listed by the source. Repositories that stay installed keep their
// state and lease, so an in-flight event is unaffected by a reload.
func (r *Registry) ReloadInstallations(ctx context.Context) error {
	names, err := r.source.ListRepositories(ctx)
	if err != nil {
		return fmt.Errorf("list installation repositories: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[model.RepoName]*repoEntry, len(names))
	var added int
	for _, name := range names {
		if entry, ok := r.repos[name]; ok {
			next[name] = entry
			continue
		}
		next[name] = &repoEntry{
			sem:   make(chan struct{}, 1),
			state: &RepositoryState{Name: name, Client: r.clients(name)},
		}
		added++
	}
	removed := len(r.repos) + added - len(next)
	r.repos = next

	r.logger.Info("installations reloaded",
		"repos", len(next),
		"added", added,
		"removed", removed,
	)

	return nil
}

// Repositories returns the names of all installed repositories, sorted.
func (r *Registry) Repositories() []model.RepoName {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]model.RepoName, 0, len(r.repos))
	for name := range r.repos {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b model.RepoName) int {
		return strings.Compare(a.String(), b.String())
	})
	return names
}
