package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ericfisherdev/gatekeeper/internal/domain/model"
)

// writeJSON marshals v and writes it with the given status code. A
// marshaling failure is reported as a 500 instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	data, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

type errorResponse struct {
	Error string `json:"error"`
}

// BuildResponse is the JSON representation of a try build.
type BuildResponse struct {
	ID          int64                 `json:"id"`
	Repository  string                `json:"repository"`
	PRNumber    int                   `json:"pr_number"`
	Branch      string                `json:"branch"`
	RequestedBy string                `json:"requested_by"`
	Status      string                `json:"status"`
	MergeSHA    string                `json:"merge_sha"`
	ExternalIDs []ExternalRefResponse `json:"external_ids"`
	CreatedAt   string                `json:"created_at"`
	UpdatedAt   string                `json:"updated_at"`
}

// ExternalRefResponse is one CI run recorded on a try build.
type ExternalRefResponse struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id"`
}

// RepoResponse is the JSON representation of a registered repository.
type RepoResponse struct {
	FullName string `json:"full_name"`
	Owner    string `json:"owner"`
	Name     string `json:"name"`
	AddedAt  string `json:"added_at"`
}

// AddRepoRequest is the JSON body for the add repository endpoint.
type AddRepoRequest struct {
	FullName string `json:"full_name"`
}

// HealthResponse is the JSON body of the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

func toBuildResponse(b model.TryBuild) BuildResponse {
	ids := make([]ExternalRefResponse, 0, len(b.ExternalIDs))
	for _, ref := range b.ExternalIDs {
		ids = append(ids, ExternalRefResponse{Kind: string(ref.Kind), ID: ref.ID})
	}

	return BuildResponse{
		ID:          b.ID,
		Repository:  b.Repository.String(),
		PRNumber:    b.PRNumber,
		Branch:      b.Branch,
		RequestedBy: b.RequestedBy,
		Status:      string(b.Status),
		MergeSHA:    b.MergeSHA,
		ExternalIDs: ids,
		CreatedAt:   b.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   b.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toRepoResponse(repo model.Repository) RepoResponse {
	return RepoResponse{
		FullName: repo.FullName,
		Owner:    repo.Owner,
		Name:     repo.Name,
		AddedAt:  repo.AddedAt.UTC().Format(time.RFC3339),
	}
}
