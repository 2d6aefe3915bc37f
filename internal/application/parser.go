package application

import (
	"strings"

	"github.com/ericfisherdev/gatekeeper/internal/domain/model"
)

// ParseCommands extracts every command addressed to botName from a comment.
// Each trigger line ("@<botName> <keyword> [args...]") yields one result, in
// the order the lines appear, so a malformed invocation never hides valid
// ones elsewhere in the same comment. Quoted lines are skipped.
func ParseCommands(botName, text string) []model.ParseResult {
	mention := "@" + botName

	var results []model.ParseResult
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, ">") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) == 0 || !strings.EqualFold(fields[0], mention) {
			continue
		}

		results = append(results, parseCommand(fields[1:]))
	}

	return results
}

// parseCommand parses the tokens following the bot mention.
func parseCommand(tokens []string) model.ParseResult {
	if len(tokens) == 0 {
		return model.ParseResult{Err: model.ErrMissingCommand}
	}

	// Neither command takes arguments yet; trailing tokens are ignored.
	switch keyword := tokens[0]; keyword {
	case "ping":
		return model.ParseResult{Command: model.PingCommand{}}
	case "try":
		return model.ParseResult{Command: model.TryCommand{}}
	default:
		return model.ParseResult{Err: &model.UnknownCommandError{Token: keyword}}
	}
}
