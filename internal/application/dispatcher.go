package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ericfisherdev/gatekeeper/internal/domain/model"
	"github.com/ericfisherdev/gatekeeper/internal/domain/port/driven"
)

// envelope is a queued event together with its delivery id.
type envelope struct {
	id    string
	event model.Event
}

// Dispatcher routes platform events to their handlers. It is the failure
// isolation boundary: no handler error or panic escapes Dispatch.
type Dispatcher struct {
	registry  RepositoryRegistry
	comments  *CommentHandler
	workflows *WorkflowCorrelator
	tracer    trace.Tracer
	logger    *slog.Logger
	timeout   time.Duration
	events    chan envelope
}

// NewDispatcher creates a Dispatcher. timeout bounds the handling of a single
// event (zero disables it); queueSize is the capacity of the Submit queue.
func NewDispatcher(
	registry RepositoryRegistry,
	comments *CommentHandler,
	workflows *WorkflowCorrelator,
	tracer trace.Tracer,
	logger *slog.Logger,
	timeout time.Duration,
	queueSize int,
) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		comments:  comments,
		workflows: workflows,
		tracer:    tracer,
		logger:    logger,
		timeout:   timeout,
		events:    make(chan envelope, queueSize),
	}
}

// Start handles queued events one at a time until ctx is canceled.
func (d *Dispatcher) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped", "pending", len(d.events))
			return
		case env := <-d.events:
			d.dispatch(ctx, env.id, env.event)
		}
	}
}

// Submit queues an event for Start. deliveryID correlates the event in logs
// and traces; a random id is used when it is empty. It blocks while the queue
// is full, until ctx is canceled.
func (d *Dispatcher) Submit(ctx context.Context, deliveryID string, event model.Event) error {
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}

	select {
	case d.events <- envelope{id: deliveryID, event: event}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue %s event: %w", event.Kind(), ctx.Err())
	}
}

// Dispatch handles a single event synchronously. Failures are logged, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, event model.Event) {
	d.dispatch(ctx, uuid.NewString(), event)
}

func (d *Dispatcher) dispatch(ctx context.Context, id string, event model.Event) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	ctx, span := d.tracer.Start(ctx, "gatekeeper.dispatch", trace.WithAttributes(
		attribute.String("gatekeeper.event.kind", string(event.Kind())),
		attribute.String("gatekeeper.event.id", id),
	))
	defer span.End()

	logger := d.logger.With("event", string(event.Kind()), "event_id", id)

	defer func() {
		if v := recover(); v != nil {
			span.SetStatus(codes.Error, "panic")
			logger.Error("panic recovered while handling event", "panic", v)
		}
	}()

	switch ev := event.(type) {
	case model.CommentEvent:
		if d.registry.IsCommentInternal(ev) {
			logger.Debug("ignoring comment authored by this bot", "repo", ev.Repository.String(), "pr", ev.PRNumber)
			return
		}
		span.SetAttributes(repoAttributes(ev.Repository, ev.PRNumber)...)
		err := d.registry.WithRepository(ctx, ev.Repository, func(ctx context.Context, repo *RepositoryState, store driven.BuildStore) error {
			return d.comments.Handle(ctx, repo, store, ev)
		})
		d.report(span, logger.With("repo", ev.Repository.String(), "pr", ev.PRNumber), err)

	case model.InstallationsChangedEvent:
		logger.Info("reloading installation repositories")
		if err := d.registry.ReloadInstallations(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error("could not reload installation repositories", "error", err)
		}

	case model.WorkflowStartedEvent:
		span.SetAttributes(repoAttributes(ev.Repository, 0)...)
		err := d.registry.WithRepository(ctx, ev.Repository, func(ctx context.Context, _ *RepositoryState, store driven.BuildStore) error {
			return d.workflows.OnWorkflowStarted(ctx, store, ev)
		})
		d.report(span, logger.With("repo", ev.Repository.String(), "branch", ev.Branch, "run_id", ev.RunID), err)

	case model.WorkflowCompletedEvent:
		span.SetAttributes(repoAttributes(ev.Repository, 0)...)
		err := d.registry.WithRepository(ctx, ev.Repository, func(ctx context.Context, repo *RepositoryState, store driven.BuildStore) error {
			return d.workflows.OnWorkflowCompleted(ctx, repo, store, ev)
		})
		d.report(span, logger.With("repo", ev.Repository.String(), "branch", ev.Branch, "run_id", ev.RunID), err)

	case model.CheckSuiteCompletedEvent:
		span.SetAttributes(repoAttributes(ev.Repository, 0)...)
		err := d.registry.WithRepository(ctx, ev.Repository, func(ctx context.Context, repo *RepositoryState, store driven.BuildStore) error {
			return d.workflows.OnCheckSuiteCompleted(ctx, repo, store, ev)
		})
		d.report(span, logger.With("repo", ev.Repository.String(), "branch", ev.Branch, "suite_id", ev.SuiteID), err)

	default:
		logger.Error("unhandled event type", "type", fmt.Sprintf("%T", event))
	}
}

// report logs the outcome of a repository-scoped handler.
func (d *Dispatcher) report(span trace.Span, logger *slog.Logger, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrRepositoryNotFound):
		logger.Warn("repository not found, dropping event")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("error occurred while handling event", "error", err)
	}
}

func repoAttributes(repo model.RepoName, prNumber int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("gatekeeper.repository", repo.String())}
	if prNumber > 0 {
		attrs = append(attrs, attribute.Int("gatekeeper.pr.number", prNumber))
	}
	return attrs
}
