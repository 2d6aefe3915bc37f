package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ericfisherdev/gatekeeper/internal/domain/model"
	"github.com/ericfisherdev/gatekeeper/internal/domain/port/driven"
)

const pingReply = "Pong 🏓!"

// CommentHandler executes the commands found in a pull request comment.
type CommentHandler struct {
	botName   string
	tryBuilds *TryBuildService
	logger    *slog.Logger
}

// NewCommentHandler creates a CommentHandler that answers to "@<botName>".
func NewCommentHandler(botName string, tryBuilds *TryBuildService, logger *slog.Logger) *CommentHandler {
	return &CommentHandler{
		botName:   botName,
		tryBuilds: tryBuilds,
		logger:    logger,
	}
}

// Handle runs the comment's commands in order. A parse error is answered with
// a reply and the next command still runs; an execution error stops the rest
// of the comment and is returned.
func (h *CommentHandler) Handle(ctx context.Context, repo *RepositoryState, store driven.BuildStore, comment model.CommentEvent) error {
	results := ParseCommands(h.botName, comment.Text)
	if len(results) == 0 {
		return nil
	}

	pr, err := repo.Client.GetPullRequest(ctx, comment.PRNumber)
	if err != nil {
		return fmt.Errorf("fetch pull request %s#%d: %w", repo.Name, comment.PRNumber, err)
	}

	h.logger.Info("received comment",
		"repo", repo.Name.String(),
		"pr", pr.Number,
		"author", comment.Author,
		"commands", describeResults(results),
	)

	for _, result := range results {
		if result.Err != nil {
			if err := repo.Client.PostComment(ctx, pr.Number, model.ParseErrorReply(result.Err)); err != nil {
				return fmt.Errorf("reply to comment on %s#%d: %w", repo.Name, pr.Number, err)
			}
			continue
		}

		if err := h.execute(ctx, repo, store, pr, comment.Author, result.Command); err != nil {
			h.replyFailure(ctx, repo, pr.Number, result.Command)
			return fmt.Errorf("execute command %q on %s#%d: %w", result.Command.Name(), repo.Name, pr.Number, err)
		}
	}

	return nil
}

func (h *CommentHandler) execute(
	ctx context.Context,
	repo *RepositoryState,
	store driven.BuildStore,
	pr model.PullRequestSnapshot,
	author string,
	command model.Command,
) error {
	switch cmd := command.(type) {
	case model.PingCommand:
		return repo.Client.PostComment(ctx, pr.Number, pingReply)
	case model.TryCommand:
		return h.tryBuilds.StartTryBuild(ctx, repo, store, pr, author)
	default:
		return fmt.Errorf("unsupported command %T", cmd)
	}
}

// replyFailure tells the pull request a command failed. It is best effort:
// the original error is what gets reported to the operator.
func (h *CommentHandler) replyFailure(ctx context.Context, repo *RepositoryState, prNumber int, command model.Command) {
	body := fmt.Sprintf(":x: Command %q failed due to an internal error.", command.Name())
	if err := repo.Client.PostComment(ctx, prNumber, body); err != nil {
		h.logger.Warn("could not report command failure",
			"repo", repo.Name.String(),
			"pr", prNumber,
			"command", command.Name(),
			"error", err,
		)
	}
}

// describeResults renders parse results for logging.
func describeResults(results []model.ParseResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			out = append(out, "error: "+r.Err.Error())
			continue
		}
		out = append(out, r.Command.Name())
	}
	return out
}
