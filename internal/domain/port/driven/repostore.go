package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/gatekeeper/internal/domain/model"
)

// Sentinel errors returned by RepoStore implementations.
var (
	// ErrRepoNotFound indicates the requested repository is not registered.
	ErrRepoNotFound = errors.New("repository not found")

	// ErrRepoAlreadyExists indicates the repository is already registered.
	ErrRepoAlreadyExists = errors.New("repository already exists")
)

// RepoStore defines the driven port for the operator-managed list of
// repositories the bot serves when installations come from the database.
// Add returns ErrRepoAlreadyExists if the repository is already registered.
// Remove returns ErrRepoNotFound if the repository is not registered.
type RepoStore interface {
	Add(ctx context.Context, repo model.Repository) error
	Remove(ctx context.Context, fullName string) error
	GetByFullName(ctx context.Context, fullName string) (*model.Repository, error)
	ListAll(ctx context.Context) ([]model.Repository, error)
}
