// Package webhook translates GitHub webhook deliveries into dispatcher events.
package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	gh "github.com/google/go-github/v82/github"

	"github.com/ericfisherdev/gatekeeper/internal/domain/model"
)

// maxPayloadBytes matches the largest payload GitHub delivers.
const maxPayloadBytes = 25 << 20

// Submitter queues an event for asynchronous handling.
type Submitter interface {
	Submit(ctx context.Context, deliveryID string, event model.Event) error
}

// Handler accepts webhook deliveries on behalf of the dispatcher.
// Payload signatures are not verified.
type Handler struct {
	events Submitter
	logger *slog.Logger
}

// NewHandler creates a webhook Handler that queues events on events.
func NewHandler(events Submitter, logger *slog.Logger) *Handler {
	return &Handler{events: events, logger: logger}
}

// ServeHTTP answers 202 for queued events and 204 for deliveries the bot
// does not act on.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eventType := gh.WebHookType(r)
	if eventType == "" {
		http.Error(w, "missing X-GitHub-Event header", http.StatusBadRequest)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "could not read payload", http.StatusBadRequest)
		return
	}

	raw, err := gh.ParseWebHook(eventType, payload)
	if err != nil {
		// Unknown event types are not errors; GitHub sends many the bot ignores.
		h.logger.Debug("ignoring webhook", "type", eventType, "error", err)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	event, ok := ToEvent(raw)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.events.Submit(r.Context(), gh.DeliveryID(r), event); err != nil {
		h.logger.Error("could not queue webhook event", "type", eventType, "event", string(event.Kind()), "error", err)
		http.Error(w, "event queue unavailable", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// ToEvent maps a parsed go-github webhook payload to a dispatcher event.
// It reports false for payloads the bot does not act on.
func ToEvent(raw any) (model.Event, bool) {
	switch ev := raw.(type) {
	case *gh.IssueCommentEvent:
		issue := ev.GetIssue()
		if ev.GetAction() != "created" || issue == nil || !issue.IsPullRequest() {
			return nil, false
		}
		author := ev.GetComment().GetUser()
		return model.CommentEvent{
			Repository:  repoName(ev.GetRepo()),
			PRNumber:    issue.GetNumber(),
			Author:      author.GetLogin(),
			Text:        ev.GetComment().GetBody(),
			AuthorIsBot: author.GetType() == "Bot",
		}, true

	case *gh.InstallationEvent, *gh.InstallationRepositoriesEvent:
		return model.InstallationsChangedEvent{}, true

	case *gh.WorkflowRunEvent:
		run := ev.GetWorkflowRun()
		switch ev.GetAction() {
		case "requested", "in_progress":
			return model.WorkflowStartedEvent{
				Repository: repoName(ev.GetRepo()),
				Branch:     run.GetHeadBranch(),
				RunID:      run.GetID(),
				URL:        run.GetHTMLURL(),
			}, true
		case "completed":
			return model.WorkflowCompletedEvent{
				Repository: repoName(ev.GetRepo()),
				Branch:     run.GetHeadBranch(),
				RunID:      run.GetID(),
				URL:        run.GetHTMLURL(),
				Succeeded:  run.GetConclusion() == "success",
			}, true
		}
		return nil, false

	case *gh.CheckSuiteEvent:
		if ev.GetAction() != "completed" {
			return nil, false
		}
		suite := ev.GetCheckSuite()
		return model.CheckSuiteCompletedEvent{
			Repository: repoName(ev.GetRepo()),
			Branch:     suite.GetHeadBranch(),
			SuiteID:    suite.GetID(),
			Succeeded:  suite.GetConclusion() == "success",
		}, true
	}

	return nil, false
}

func repoName(repo *gh.Repository) model.RepoName {
	return model.RepoName{Owner: repo.GetOwner().GetLogin(), Name: repo.GetName()}
}
