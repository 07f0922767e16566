package rank

import (
	"context"
	"encoding/json"
	"errors"
)

// Page is what a Browser returns after loading a URL.
type Page struct {
	RequestURL string
	FinalURL   string
	StatusCode int
	Title      string
	HTML       string
}

// Browser is one exclusive browser-automation session.
type Browser interface {
	Visit(ctx context.Context, url string) (Page, error)
	// Reset returns the session to a blank state (no page, cookies or storage).
	Reset(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Executor performs the work for one item against an acquired browser.
type Executor interface {
	Execute(ctx context.Context, browser Browser, id ItemID) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, browser Browser, id ItemID) (json.RawMessage, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, browser Browser, id ItemID) (json.RawMessage, error) {
	return f(ctx, browser, id)
}

// Target is the page a work item points at.
type Target struct {
	ItemID ItemID `json:"item_id"`
	URL    string `json:"url"`
	Title  string `json:"title,omitempty"`
}

// ErrTargetNotFound is returned by resolvers for unknown items.
var ErrTargetNotFound = errors.New("target not found")

// TargetResolver maps a work item onto its target page.
type TargetResolver interface {
	Resolve(ctx context.Context, id ItemID) (Target, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes terminal results to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, batchID string, result Result) (string, error)
}
