package model

import (
	"errors"
	"fmt"
)

// Command is a bot instruction parsed from a comment. The set of commands is
// closed: only types in this package implement it.
type Command interface {
	Name() string
	isCommand()
}

// PingCommand asks the bot to confirm it is alive.
type PingCommand struct{}

// TryCommand asks the bot to start a try build for the pull request.
type TryCommand struct{}

func (PingCommand) Name() string { return "ping" }
func (TryCommand) Name() string  { return "try" }

func (PingCommand) isCommand() {}
func (TryCommand) isCommand()  {}

// ErrMissingCommand is returned when the bot is mentioned without a keyword.
var ErrMissingCommand = errors.New("missing command")

// UnknownCommandError is returned for a keyword the bot does not recognize.
type UnknownCommandError struct {
	Token string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command %q", e.Token)
}

// ParseResult is the outcome of parsing a single command invocation.
// Exactly one of Command and Err is set.
type ParseResult struct {
	Command Command
	Err     error
}

// ParseErrorReply returns the text posted back to the pull request when a
// command could not be parsed.
func ParseErrorReply(err error) string {
	var unknown *UnknownCommandError
	switch {
	case errors.As(err, &unknown):
		return fmt.Sprintf("Unknown command %q.", unknown.Token)
	case errors.Is(err, ErrMissingCommand):
		return "Missing command."
	default:
		return fmt.Sprintf("Invalid command: %v.", err)
	}
}
