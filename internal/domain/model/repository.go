package model

import (
	"fmt"
	"strings"
	"time"
)

// RepoName identifies a repository on the hosting platform.
type RepoName struct {
	Owner string
	Name  string
}

// String returns the "owner/name" form.
func (r RepoName) String() string {
	return r.Owner + "/" + r.Name
}

// ParseRepoName splits an "owner/name" string into a RepoName.
func ParseRepoName(fullName string) (RepoName, error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return RepoName{}, fmt.Errorf("invalid repo name %q: expected owner/repo", fullName)
	}
	return RepoName{Owner: parts[0], Name: parts[1]}, nil
}

// Repository is a repository registered with the bot through the database
// installation source.
type Repository struct {
	ID       int64
	FullName string
	Owner    string
	Name     string
	AddedAt  time.Time
}
