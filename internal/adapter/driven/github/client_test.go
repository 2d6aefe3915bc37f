package github_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ghAdapter "github.com/ericfisherdev/gatekeeper/internal/adapter/driven/github"
	"github.com/ericfisherdev/gatekeeper/internal/domain/model"
	"github.com/ericfisherdev/gatekeeper/internal/domain/port/driven"
)

var testRepo = model.RepoName{Owner: "owner", Name: "repo"}

// newTestClient creates a Client backed by the given httptest handler.
func newTestClient(t *testing.T, handler http.Handler) *ghAdapter.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := ghAdapter.NewClientWithHTTPClient(server.Client(), server.URL+"/")
	require.NoError(t, err)

	return client
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

// recorder captures request bodies keyed by "METHOD path".
type recorder struct {
	mu     sync.Mutex
	bodies map[string][]map[string]any
}

func newRecorder() *recorder {
	return &recorder{bodies: make(map[string][]map[string]any)}
}

func (r *recorder) record(t *testing.T, req *http.Request) {
	t.Helper()
	raw, err := io.ReadAll(req.Body)
	require.NoError(t, err)

	var body map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &body))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := req.Method + " " + req.URL.Path
	r.bodies[key] = append(r.bodies[key], body)
}

func (r *recorder) get(key string) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bodies[key]
}

// baseRefHandler answers the base-branch lookup on both the singular and
// plural ref endpoints.
func baseRefHandler(t *testing.T, sha string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{
			"ref":    "refs/heads/main",
			"object": map[string]any{"sha": sha, "type": "commit"},
		})
	}
}

func TestGetPullRequest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/owner/repo/pulls/42", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{
			"number": 42,
			"title":  "Add feature X",
			"user":   map[string]any{"login": "alice"},
			"head":   map[string]any{"ref": "feature-x", "sha": "abc123"},
			"base":   map[string]any{"ref": "main", "sha": "def456"},
		})
	})

	client := newTestClient(t, mux)

	pr, err := client.ForRepository(testRepo).GetPullRequest(context.Background(), 42)
	require.NoError(t, err)

	assert.Equal(t, model.PullRequestSnapshot{
		Number:  42,
		Title:   "Add feature X",
		Author:  "alice",
		HeadRef: "feature-x",
		HeadSHA: "abc123",
		BaseRef: "main",
	}, pr)
}

func TestGetPullRequest_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/owner/repo/pulls/7", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusNotFound, map[string]any{"message": "Not Found"})
	})

	client := newTestClient(t, mux)

	_, err := client.ForRepository(testRepo).GetPullRequest(context.Background(), 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner/repo#7")
}

func TestPostComment(t *testing.T) {
	rec := newRecorder()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/owner/repo/issues/42/comments", func(w http.ResponseWriter, r *http.Request) {
		rec.record(t, r)
		writeJSON(t, w, http.StatusCreated, map[string]any{"id": 1, "body": "Pong"})
	})

	client := newTestClient(t, mux)

	err := client.ForRepository(testRepo).PostComment(context.Background(), 42, "Pong")
	require.NoError(t, err)

	bodies := rec.get("POST /repos/owner/repo/issues/42/comments")
	require.Len(t, bodies, 1)
	assert.Equal(t, "Pong", bodies[0]["body"])
}

func TestPostComment_ServerError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/owner/repo/issues/42/comments", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusInternalServerError, map[string]any{"message": "boom"})
	})

	client := newTestClient(t, mux)

	err := client.ForRepository(testRepo).PostComment(context.Background(), 42, "Pong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creating issue comment")
}

var tryPR = model.PullRequestSnapshot{
	Number:  42,
	Title:   "Add feature X",
	Author:  "alice",
	HeadRef: "feature-x",
	HeadSHA: "head123",
	BaseRef: "main",
}

func mergeMux(t *testing.T, rec *recorder, patchStatus, mergeStatus int) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/owner/repo/git/ref/heads/main", baseRefHandler(t, "base123"))
	mux.HandleFunc("GET /repos/owner/repo/git/refs/heads/main", baseRefHandler(t, "base123"))

	mux.HandleFunc("PATCH /repos/owner/repo/git/refs/heads/automation/bors/try", func(w http.ResponseWriter, r *http.Request) {
		rec.record(t, r)
		if patchStatus != http.StatusOK {
			writeJSON(t, w, patchStatus, map[string]any{"message": "Reference does not exist"})
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]any{"ref": "refs/heads/automation/bors/try"})
	})
	mux.HandleFunc("POST /repos/owner/repo/git/refs", func(w http.ResponseWriter, r *http.Request) {
		rec.record(t, r)
		writeJSON(t, w, http.StatusCreated, map[string]any{"ref": "refs/heads/automation/bors/try"})
	})

	mux.HandleFunc("POST /repos/owner/repo/merges", func(w http.ResponseWriter, r *http.Request) {
		rec.record(t, r)
		switch mergeStatus {
		case http.StatusCreated:
			writeJSON(t, w, http.StatusCreated, map[string]any{"sha": "merge123"})
		case http.StatusNoContent:
			w.WriteHeader(http.StatusNoContent)
		default:
			writeJSON(t, w, mergeStatus, map[string]any{"message": "Merge conflict"})
		}
	})
	return mux
}

func TestSetBranchToMergeCommit_ExistingBranch(t *testing.T) {
	rec := newRecorder()
	client := newTestClient(t, mergeMux(t, rec, http.StatusOK, http.StatusCreated))

	sha, err := client.ForRepository(testRepo).SetBranchToMergeCommit(context.Background(), "automation/bors/try", tryPR)
	require.NoError(t, err)
	assert.Equal(t, "merge123", sha)

	patches := rec.get("PATCH /repos/owner/repo/git/refs/heads/automation/bors/try")
	require.Len(t, patches, 1)
	assert.Equal(t, "base123", patches[0]["sha"])
	assert.Equal(t, true, patches[0]["force"])
	assert.Empty(t, rec.get("POST /repos/owner/repo/git/refs"), "existing branch must not be recreated")

	merges := rec.get("POST /repos/owner/repo/merges")
	require.Len(t, merges, 1)
	assert.Equal(t, "automation/bors/try", merges[0]["base"])
	assert.Equal(t, "head123", merges[0]["head"])
	assert.Contains(t, merges[0]["commit_message"], "Auto merge of #42 - feature-x, r=alice")
}

func TestSetBranchToMergeCommit_CreatesMissingBranch(t *testing.T) {
	rec := newRecorder()
	client := newTestClient(t, mergeMux(t, rec, http.StatusUnprocessableEntity, http.StatusCreated))

	sha, err := client.ForRepository(testRepo).SetBranchToMergeCommit(context.Background(), "automation/bors/try", tryPR)
	require.NoError(t, err)
	assert.Equal(t, "merge123", sha)

	creates := rec.get("POST /repos/owner/repo/git/refs")
	require.Len(t, creates, 1)
	assert.Equal(t, "refs/heads/automation/bors/try", creates[0]["ref"])
	assert.Equal(t, "base123", creates[0]["sha"])
}

func TestSetBranchToMergeCommit_Conflict(t *testing.T) {
	rec := newRecorder()
	client := newTestClient(t, mergeMux(t, rec, http.StatusOK, http.StatusConflict))

	_, err := client.ForRepository(testRepo).SetBranchToMergeCommit(context.Background(), "automation/bors/try", tryPR)
	require.Error(t, err)
	assert.ErrorIs(t, err, driven.ErrMergeConflict)
}

func TestSetBranchToMergeCommit_AlreadyMerged(t *testing.T) {
	rec := newRecorder()
	client := newTestClient(t, mergeMux(t, rec, http.StatusOK, http.StatusNoContent))

	sha, err := client.ForRepository(testRepo).SetBranchToMergeCommit(context.Background(), "automation/bors/try", tryPR)
	require.NoError(t, err)
	assert.Equal(t, "base123", sha)
}

func TestSetBranchToMergeCommit_RefUpdateFailureAbortsBeforeMerge(t *testing.T) {
	rec := newRecorder()
	client := newTestClient(t, mergeMux(t, rec, http.StatusForbidden, http.StatusCreated))

	_, err := client.ForRepository(testRepo).SetBranchToMergeCommit(context.Background(), "automation/bors/try", tryPR)
	require.Error(t, err)
	assert.NotErrorIs(t, err, driven.ErrMergeConflict)
	assert.Empty(t, rec.get("POST /repos/owner/repo/merges"))
}

func TestListRepositories_Pagination(t *testing.T) {
	var serverURL string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /installation/repositories", func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		if page == "" || page == "1" {
			w.Header().Set("Link", fmt.Sprintf(`<%sinstallation/repositories?page=2>; rel="next"`, serverURL))
			writeJSON(t, w, http.StatusOK, map[string]any{
				"total_count": 2,
				"repositories": []map[string]any{
					{"name": "rust", "owner": map[string]any{"login": "rust-lang"}},
				},
			})
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]any{
			"total_count": 2,
			"repositories": []map[string]any{
				{"name": "cargo", "owner": map[string]any{"login": "rust-lang"}},
			},
		})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	serverURL = server.URL + "/"

	client, err := ghAdapter.NewClientWithHTTPClient(server.Client(), serverURL)
	require.NoError(t, err)

	repos, err := client.ListRepositories(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []model.RepoName{
		{Owner: "rust-lang", Name: "rust"},
		{Owner: "rust-lang", Name: "cargo"},
	}, repos)
}

// newCachingTestClient creates a Client on the production transport stack
// backed by the given httptest handler.
func newCachingTestClient(t *testing.T, handler http.Handler) *ghAdapter.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := ghAdapter.NewCachingClientWithBaseURL(http.DefaultTransport, server.URL+"/")
	require.NoError(t, err)

	return client
}

func TestGetPullRequest_CacheableResponseIsRevalidated(t *testing.T) {
	var hits, conditional atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/owner/repo/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if r.Header.Get("If-None-Match") != "" {
			conditional.Add(1)
		}
		head := "sha" + strconv.Itoa(int(n))
		w.Header().Set("Cache-Control", "private, max-age=60")
		w.Header().Set("ETag", `"`+head+`"`)
		writeJSON(t, w, http.StatusOK, map[string]any{
			"number": 7,
			"head":   map[string]any{"ref": "feature", "sha": head},
			"base":   map[string]any{"ref": "main"},
		})
	})

	repo := newCachingTestClient(t, mux).ForRepository(testRepo)

	first, err := repo.GetPullRequest(context.Background(), 7)
	require.NoError(t, err)
	second, err := repo.GetPullRequest(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, "sha1", first.HeadSHA)
	assert.Equal(t, "sha2", second.HeadSHA, "a pushed head must be seen within max-age")
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, int32(1), conditional.Load(), "second request revalidates with the cached ETag")
}

func TestGetPullRequest_NotModifiedServedFromCache(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/owner/repo/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "private, max-age=60")
		w.Header().Set("ETag", `"v1"`)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]any{
			"number": 7,
			"head":   map[string]any{"ref": "feature", "sha": "sha1"},
			"base":   map[string]any{"ref": "main"},
		})
	})

	repo := newCachingTestClient(t, mux).ForRepository(testRepo)

	for range 2 {
		pr, err := repo.GetPullRequest(context.Background(), 7)
		require.NoError(t, err)
		assert.Equal(t, "sha1", pr.HeadSHA)
	}
	assert.Equal(t, int32(2), hits.Load())
}

func TestSetBranchToMergeCommit_BaseTipIsLive(t *testing.T) {
	rec := newRecorder()
	var baseHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/owner/repo/git/ref/heads/main", func(w http.ResponseWriter, _ *http.Request) {
		sha := "base" + strconv.Itoa(int(baseHits.Add(1)))
		w.Header().Set("Cache-Control", "private, max-age=60")
		w.Header().Set("ETag", `"`+sha+`"`)
		writeJSON(t, w, http.StatusOK, map[string]any{
			"ref":    "refs/heads/main",
			"object": map[string]any{"sha": sha, "type": "commit"},
		})
	})
	mux.HandleFunc("PATCH /repos/owner/repo/git/refs/heads/automation/bors/try", func(w http.ResponseWriter, r *http.Request) {
		rec.record(t, r)
		writeJSON(t, w, http.StatusOK, map[string]any{"ref": "refs/heads/automation/bors/try"})
	})
	mux.HandleFunc("POST /repos/owner/repo/merges", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusCreated, map[string]any{"sha": "merge"})
	})

	repo := newCachingTestClient(t, mux).ForRepository(testRepo)

	for range 2 {
		_, err := repo.SetBranchToMergeCommit(context.Background(), "automation/bors/try", tryPR)
		require.NoError(t, err)
	}

	patches := rec.get("PATCH /repos/owner/repo/git/refs/heads/automation/bors/try")
	require.Len(t, patches, 2)
	assert.Equal(t, "base1", patches[0]["sha"])
	assert.Equal(t, "base2", patches[1]["sha"])
}

// captureLogs redirects the default logger into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	return &buf
}

func TestRateLimitWarning(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		wantWarn bool
	}{
		{name: "no rate headers", headers: nil, wantWarn: false},
		{
			name: "plenty remaining",
			headers: map[string]string{
				"X-RateLimit-Limit": "5000", "X-RateLimit-Remaining": "4000",
				"X-RateLimit-Reset": strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10),
			},
			wantWarn: false,
		},
		{
			name: "nearly exhausted",
			headers: map[string]string{
				"X-RateLimit-Limit": "5000", "X-RateLimit-Remaining": "10",
				"X-RateLimit-Reset": strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10),
			},
			wantWarn: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("GET /repos/owner/repo/pulls/7", func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				writeJSON(t, w, http.StatusOK, map[string]any{"number": 7})
			})
			client := newTestClient(t, mux)
			logs := captureLogs(t)

			_, err := client.ForRepository(testRepo).GetPullRequest(context.Background(), 7)
			require.NoError(t, err)

			if tt.wantWarn {
				assert.Contains(t, logs.String(), "github rate limit low")
			} else {
				assert.NotContains(t, logs.String(), "github rate limit low")
			}
		})
	}
}
