package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ericfisherdev/gatekeeper/internal/domain/model"
	"github.com/ericfisherdev/gatekeeper/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.BuildStore = (*BuildRepo)(nil)

// ErrActiveBuildExists is returned by Create when the pull request already has
// a pending or running build.
var ErrActiveBuildExists = errors.New("pull request already has an active try build")

const buildColumns = `id, repository, pr_number, branch, requested_by, status, merge_sha, created_at, updated_at`

// BuildRepo is the SQLite implementation of the BuildStore port interface.
type BuildRepo struct {
	db  *DB
	now func() time.Time
}

// NewBuildRepo creates a new BuildRepo backed by the given DB.
func NewBuildRepo(db *DB) *BuildRepo {
	return &BuildRepo{db: db, now: time.Now}
}

// Create inserts a new build. The partial unique index on active builds
// rejects a second pending or running build for the same pull request.
func (r *BuildRepo) Create(ctx context.Context, build model.TryBuild) (int64, error) {
	const query = `
		INSERT INTO try_builds (repository, pr_number, branch, requested_by, status, merge_sha, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	createdAt := build.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}
	updatedAt := build.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	result, err := r.db.Writer.ExecContext(ctx, query,
		build.Repository.String(), build.PRNumber, build.Branch, build.RequestedBy,
		string(build.Status), build.MergeSHA, formatTime(createdAt), formatTime(updatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return 0, fmt.Errorf("create try build for %s#%d: %w", build.Repository, build.PRNumber, ErrActiveBuildExists)
		}
		return 0, fmt.Errorf("create try build for %s#%d: %w", build.Repository, build.PRNumber, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read try build id: %w", err)
	}

	return id, nil
}

// Get returns the build with the given ID, or nil, nil if it does not exist.
func (r *BuildRepo) Get(ctx context.Context, id int64) (*model.TryBuild, error) {
	query := `SELECT ` + buildColumns + ` FROM try_builds WHERE id = ?`
	return r.queryOne(ctx, fmt.Sprintf("get try build %d", id), query, id)
}

// FindActiveForPR returns the pending or running build for a pull request.
func (r *BuildRepo) FindActiveForPR(ctx context.Context, repo model.RepoName, prNumber int) (*model.TryBuild, error) {
	query := `SELECT ` + buildColumns + `
		FROM try_builds
		WHERE repository = ? AND pr_number = ? AND status IN ('pending', 'running')
		ORDER BY id DESC
		LIMIT 1`
	return r.queryOne(ctx, fmt.Sprintf("find active try build for %s#%d", repo, prNumber), query, repo.String(), prNumber)
}

// FindLatestByBranch returns the most recently created build on the branch.
func (r *BuildRepo) FindLatestByBranch(ctx context.Context, repo model.RepoName, branch string) (*model.TryBuild, error) {
	query := `SELECT ` + buildColumns + `
		FROM try_builds
		WHERE repository = ? AND branch = ?
		ORDER BY id DESC
		LIMIT 1`
	return r.queryOne(ctx, fmt.Sprintf("find try build on %s@%s", repo, branch), query, repo.String(), branch)
}

// FindByExternalID returns the build that recorded the CI id.
func (r *BuildRepo) FindByExternalID(ctx context.Context, repo model.RepoName, ref model.ExternalRef) (*model.TryBuild, error) {
	query := `SELECT b.id, b.repository, b.pr_number, b.branch, b.requested_by, b.status, b.merge_sha, b.created_at, b.updated_at
		FROM try_builds b
		JOIN try_build_external_ids e ON e.build_id = b.id
		WHERE b.repository = ? AND e.kind = ? AND e.external_id = ?
		ORDER BY b.id DESC
		LIMIT 1`
	return r.queryOne(ctx, fmt.Sprintf("find try build for %s in %s", ref, repo), query, repo.String(), string(ref.Kind), ref.ID)
}

// Transition moves a pending or running build to status. Finished builds are
// never modified; in that case it returns false without error.
func (r *BuildRepo) Transition(ctx context.Context, id int64, status model.BuildStatus) (bool, error) {
	const query = `
		UPDATE try_builds
		SET status = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')
	`

	result, err := r.db.Writer.ExecContext(ctx, query, string(status), formatTime(r.now()), id)
	if err != nil {
		return false, fmt.Errorf("transition try build %d to %s: %w", id, status, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}

	return rows > 0, nil
}

// AddExternalID records a CI id for the build; duplicates are ignored.
func (r *BuildRepo) AddExternalID(ctx context.Context, id int64, ref model.ExternalRef) error {
	const query = `INSERT OR IGNORE INTO try_build_external_ids (build_id, kind, external_id) VALUES (?, ?, ?)`

	if _, err := r.db.Writer.ExecContext(ctx, query, id, string(ref.Kind), ref.ID); err != nil {
		return fmt.Errorf("add %s to try build %d: %w", ref, id, err)
	}

	return nil
}

// ListForPR returns every build of a pull request, newest first.
func (r *BuildRepo) ListForPR(ctx context.Context, repo model.RepoName, prNumber int) ([]model.TryBuild, error) {
	query := `SELECT ` + buildColumns + `
		FROM try_builds
		WHERE repository = ? AND pr_number = ?
		ORDER BY id DESC`

	rows, err := r.db.Reader.QueryContext(ctx, query, repo.String(), prNumber)
	if err != nil {
		return nil, fmt.Errorf("list try builds for %s#%d: %w", repo, prNumber, err)
	}
	defer rows.Close()

	var builds []model.TryBuild
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scan try build: %w", err)
		}
		builds = append(builds, *build)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate try builds: %w", err)
	}

	for i := range builds {
		ids, err := r.externalIDs(ctx, builds[i].ID)
		if err != nil {
			return nil, err
		}
		builds[i].ExternalIDs = ids
	}

	return builds, nil
}

// queryOne runs a single-row build query and loads its external ids.
// Reads go through the writer so a handler sees its own writes immediately.
func (r *BuildRepo) queryOne(ctx context.Context, op, query string, args ...any) (*model.TryBuild, error) {
	build, err := scanBuild(r.db.Writer.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	build.ExternalIDs, err = r.externalIDs(ctx, build.ID)
	if err != nil {
		return nil, err
	}

	return build, nil
}

func (r *BuildRepo) externalIDs(ctx context.Context, buildID int64) ([]model.ExternalRef, error) {
	const query = `SELECT kind, external_id FROM try_build_external_ids WHERE build_id = ? ORDER BY rowid`

	rows, err := r.db.Writer.QueryContext(ctx, query, buildID)
	if err != nil {
		return nil, fmt.Errorf("query external ids for try build %d: %w", buildID, err)
	}
	defer rows.Close()

	var ids []model.ExternalRef
	for rows.Next() {
		var kind string
		var id int64
		if err := rows.Scan(&kind, &id); err != nil {
			return nil, fmt.Errorf("scan external id: %w", err)
		}
		ids = append(ids, model.ExternalRef{Kind: model.ExternalKind(kind), ID: id})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate external ids: %w", err)
	}

	return ids, nil
}

func scanBuild(s scanner) (*model.TryBuild, error) {
	var build model.TryBuild
	var repository, status, createdAt, updatedAt string

	err := s.Scan(
		&build.ID, &repository, &build.PRNumber, &build.Branch, &build.RequestedBy,
		&status, &build.MergeSHA, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	build.Repository, err = model.ParseRepoName(repository)
	if err != nil {
		return nil, err
	}
	build.Status = model.BuildStatus(status)

	build.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	build.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &build, nil
}
