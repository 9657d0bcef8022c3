// Package issues defines the issue-creation backend contract. The
// workflow depends only on the Backend interface; implementations live
// in subpackages (github for the GitHub REST API, memory for tests and
// dry runs).
package issues

import "context"

// Issue describes a created issue.
type Issue struct {
	URL    string `json:"issue_url"`
	Number int    `json:"issue_number,omitempty"`
}

// Backend creates issues in repositories. Implementations must be safe
// for concurrent use by multiple workflow handlers.
type Backend interface {
	// CreateIssue opens an issue in repo ("owner/name") and returns its
	// location.
	CreateIssue(ctx context.Context, repo, title, body string, labels []string) (Issue, error)
}
