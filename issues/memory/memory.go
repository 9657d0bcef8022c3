// Package memory provides a recording issue backend for development and
// testing. Created issues are kept in memory and given synthetic URLs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/downstreamhq/downstream/issues"
)

// Created captures one CreateIssue call.
type Created struct {
	Repo   string
	Title  string
	Body   string
	Labels []string
}

// Backend is an in-memory implementation of issues.Backend. It is safe
// for concurrent use.
type Backend struct {
	mu      sync.Mutex
	created []Created
	// Fail makes CreateIssue return an error for the given repos.
	// Test hook; leave nil in production use.
	Fail map[string]error
}

// Compile-time check that Backend implements issues.Backend.
var _ issues.Backend = (*Backend)(nil)

// New creates a new recording backend.
func New() *Backend {
	return &Backend{}
}

// CreateIssue records the issue and returns a synthetic URL.
func (b *Backend) CreateIssue(_ context.Context, repo, title, body string, labels []string) (issues.Issue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.Fail[repo]; ok {
		return issues.Issue{}, err
	}
	b.created = append(b.created, Created{Repo: repo, Title: title, Body: body, Labels: labels})
	n := len(b.created)
	return issues.Issue{
		URL:    fmt.Sprintf("https://issues.invalid/%s/%d", repo, n),
		Number: n,
	}, nil
}

// Created returns a snapshot of all recorded issues.
func (b *Backend) Issues() []Created {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Created, len(b.created))
	copy(out, b.created)
	return out
}
