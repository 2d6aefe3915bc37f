package model

import (
	"fmt"
	"slices"
	"time"
)

// BuildStatus is the lifecycle state of a try build.
type BuildStatus string

const (
	BuildStatusPending   BuildStatus = "pending"
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s BuildStatus) IsTerminal() bool {
	switch s {
	case BuildStatusSucceeded, BuildStatusFailed, BuildStatusCancelled:
		return true
	default:
		return false
	}
}

// TryBuild is a persisted try build record. Records are never deleted.
type TryBuild struct {
	ID          int64
	Repository  RepoName
	PRNumber    int
	Branch      string // Reserved try branch the build ran on.
	RequestedBy string
	Status      BuildStatus
	MergeSHA    string // Merge commit the try branch pointed at when the build started.
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExternalIDs []ExternalRef // CI ids recorded for the build, set semantics.
}

// ExternalKind names the CI id space an ExternalRef belongs to. Workflow run
// and check suite ids are allocated independently and may collide.
type ExternalKind string

const (
	ExternalKindWorkflowRun ExternalKind = "workflow_run"
	ExternalKindCheckSuite  ExternalKind = "check_suite"
)

// ExternalRef identifies one CI run that reported on a try build.
type ExternalRef struct {
	Kind ExternalKind
	ID   int64
}

// WorkflowRunRef returns the ExternalRef of a workflow run.
func WorkflowRunRef(id int64) ExternalRef {
	return ExternalRef{Kind: ExternalKindWorkflowRun, ID: id}
}

// CheckSuiteRef returns the ExternalRef of a check suite.
func CheckSuiteRef(id int64) ExternalRef {
	return ExternalRef{Kind: ExternalKindCheckSuite, ID: id}
}

func (r ExternalRef) String() string {
	return fmt.Sprintf("%s %d", r.Kind, r.ID)
}

// HasExternalID reports whether ref was already recorded for the build.
func (b TryBuild) HasExternalID(ref ExternalRef) bool {
	return slices.Contains(b.ExternalIDs, ref)
}
