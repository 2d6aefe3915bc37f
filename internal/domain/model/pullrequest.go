package model

// PullRequestSnapshot is the live state of a pull request fetched while a
// comment is handled. It is never cached between events.
type PullRequestSnapshot struct {
	Number  int
	Title   string
	Author  string
	HeadRef string
	HeadSHA string
	BaseRef string
}
