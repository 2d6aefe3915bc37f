// Package httphandler serves the operator REST API and mounts the webhook endpoint.
package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ericfisherdev/gatekeeper/internal/domain/model"
	"github.com/ericfisherdev/gatekeeper/internal/domain/port/driven"
)

// EventSubmitter queues an event for the dispatcher.
type EventSubmitter interface {
	Submit(ctx context.Context, deliveryID string, event model.Event) error
}

// Handler is the HTTP driving adapter for the operator API.
type Handler struct {
	builds    driven.BuildStore
	repoStore driven.RepoStore
	events    EventSubmitter
	logger    *slog.Logger
}

// NewHandler creates a Handler. events may be nil, in which case repository
// changes are not announced to the dispatcher.
func NewHandler(builds driven.BuildStore, repoStore driven.RepoStore, events EventSubmitter, logger *slog.Logger) *Handler {
	return &Handler{
		builds:    builds,
		repoStore: repoStore,
		events:    events,
		logger:    logger,
	}
}

// NewServeMux registers the API routes and, when webhook is non-nil, the
// GitHub webhook endpoint, wrapped with logging and recovery middleware.
func NewServeMux(h *Handler, webhook http.Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/repos/{owner}/{repo}/prs/{number}/builds", h.ListBuilds)
	mux.HandleFunc("GET /api/v1/repos", h.ListRepos)
	mux.HandleFunc("POST /api/v1/repos", h.AddRepo)
	mux.HandleFunc("DELETE /api/v1/repos/{owner}/{repo}", h.RemoveRepo)
	mux.HandleFunc("GET /api/v1/health", h.Health)
	if webhook != nil {
		mux.Handle("POST /github/webhook", webhook)
	}

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// ListBuilds returns every try build of a pull request, newest first.
func (h *Handler) ListBuilds(w http.ResponseWriter, r *http.Request) {
	repo := model.RepoName{Owner: r.PathValue("owner"), Name: r.PathValue("repo")}

	number, err := strconv.Atoi(r.PathValue("number"))
	if err != nil || number <= 0 {
		writeError(w, http.StatusBadRequest, "invalid PR number")
		return
	}

	builds, err := h.builds.ListForPR(r.Context(), repo, number)
	if err != nil {
		h.logger.Error("failed to list builds", "repo", repo.String(), "pr", number, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]BuildResponse, 0, len(builds))
	for _, b := range builds {
		resp = append(resp, toBuildResponse(b))
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListRepos returns all repositories registered in the database.
func (h *Handler) ListRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := h.repoStore.ListAll(r.Context())
	if err != nil {
		h.logger.Error("failed to list repos", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]RepoResponse, 0, len(repos))
	for _, repo := range repos {
		resp = append(resp, toRepoResponse(repo))
	}

	writeJSON(w, http.StatusOK, resp)
}

// AddRepo registers a repository and asks the dispatcher to reload installations.
func (h *Handler) AddRepo(w http.ResponseWriter, r *http.Request) {
	var req AddRepoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !isValidRepoName(req.FullName) {
		writeError(w, http.StatusBadRequest, "invalid repository name: expected owner/repo format")
		return
	}

	name, err := model.ParseRepoName(req.FullName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	repo := model.Repository{
		FullName: req.FullName,
		Owner:    name.Owner,
		Name:     name.Name,
		AddedAt:  time.Now().UTC(),
	}

	if err := h.repoStore.Add(r.Context(), repo); err != nil {
		if errors.Is(err, driven.ErrRepoAlreadyExists) {
			writeError(w, http.StatusConflict, "repository already exists")
			return
		}
		h.logger.Error("failed to add repo", "repo", req.FullName, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.announceInstallationsChanged(r.Context())

	writeJSON(w, http.StatusCreated, toRepoResponse(repo))
}

// RemoveRepo unregisters a repository.
func (h *Handler) RemoveRepo(w http.ResponseWriter, r *http.Request) {
	fullName := r.PathValue("owner") + "/" + r.PathValue("repo")

	if err := h.repoStore.Remove(r.Context(), fullName); err != nil {
		if errors.Is(err, driven.ErrRepoNotFound) {
			writeError(w, http.StatusNotFound, "repository not found")
			return
		}
		h.logger.Error("failed to remove repo", "repo", fullName, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.announceInstallationsChanged(r.Context())

	w.WriteHeader(http.StatusNoContent)
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// announceInstallationsChanged queues a registry reload. The store change
// already succeeded, so a full queue is only logged.
func (h *Handler) announceInstallationsChanged(ctx context.Context) {
	if h.events == nil {
		return
	}
	if err := h.events.Submit(ctx, "", model.InstallationsChangedEvent{}); err != nil {
		h.logger.Warn("could not queue installation reload", "error", err)
	}
}

// isValidRepoName validates that name is in owner/repo format where each part
// contains only alphanumeric characters, hyphens, dots, or underscores.
func isValidRepoName(name string) bool {
	owner, repo, ok := strings.Cut(name, "/")
	if !ok {
		return false
	}

	for _, part := range []string{owner, repo} {
		if part == "" {
			return false
		}
		for _, ch := range part {
			if !isValidRepoChar(ch) {
				return false
			}
		}
	}

	return true
}

func isValidRepoChar(ch rune) bool {
	return (ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9') ||
		ch == '-' || ch == '.' || ch == '_'
}
