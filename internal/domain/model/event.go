package model

// EventKind names an Event variant for logging and tracing.
type EventKind string

const (
	EventKindComment              EventKind = "comment"
	EventKindInstallationsChanged EventKind = "installations_changed"
	EventKindWorkflowStarted      EventKind = "workflow_started"
	EventKindWorkflowCompleted    EventKind = "workflow_completed"
	EventKindCheckSuiteCompleted  EventKind = "check_suite_completed"
)

// Event is a platform notification handled by the dispatcher. The set of
// variants is closed: only types in this package implement it.
type Event interface {
	Kind() EventKind
	isEvent()
}

// CommentEvent is a comment posted on a pull request.
type CommentEvent struct {
	Repository  RepoName
	PRNumber    int
	Author      string
	Text        string
	AuthorIsBot bool
}

// InstallationsChangedEvent signals that the set of repositories the bot can
// access has changed.
type InstallationsChangedEvent struct{}

// WorkflowStartedEvent reports that a CI workflow run started on a branch.
type WorkflowStartedEvent struct {
	Repository RepoName
	Branch     string
	RunID      int64
	URL        string
}

// WorkflowCompletedEvent reports that a CI workflow run finished.
type WorkflowCompletedEvent struct {
	Repository RepoName
	Branch     string
	RunID      int64
	URL        string
	Succeeded  bool
}

// CheckSuiteCompletedEvent reports that a check suite for a branch head finished.
type CheckSuiteCompletedEvent struct {
	Repository RepoName
	Branch     string
	SuiteID    int64
	Succeeded  bool
}

func (CommentEvent) Kind() EventKind              { return EventKindComment }
func (InstallationsChangedEvent) Kind() EventKind { return EventKindInstallationsChanged }
func (WorkflowStartedEvent) Kind() EventKind      { return EventKindWorkflowStarted }
func (WorkflowCompletedEvent) Kind() EventKind    { return EventKindWorkflowCompleted }
func (CheckSuiteCompletedEvent) Kind() EventKind  { return EventKindCheckSuiteCompleted }

func (CommentEvent) isEvent()              {}
func (InstallationsChangedEvent) isEvent() {}
func (WorkflowStartedEvent) isEvent()      {}
func (WorkflowCompletedEvent) isEvent()    {}
func (CheckSuiteCompletedEvent) isEvent()  {}
