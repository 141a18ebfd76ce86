package storage

import (
	"context"

	"github.com/Sriram-PR/telescraper/pkg/models"
)

// LinkWriter persists discovered links. Links are insert-only: a stored link is
// never updated or deleted.
type LinkWriter interface {
	// AddLink inserts rec unless rec.Link is already stored.
	// Returns true if the link was newly added.
	AddLink(ctx context.Context, rec models.LinkRecord) (added bool, err error)
}

// LinkReader queries stored links
type LinkReader interface {
	HasLink(ctx context.Context, link string) (bool, error)
	CountLinks(ctx context.Context) (int, error)
	// ListLinks returns matching links, newest first
	ListLinks(ctx context.Context, filter models.LinkFilter) ([]models.LinkRecord, error)
	// CountByKeyword returns per-keyword totals, largest first
	CountByKeyword(ctx context.Context) ([]models.KeywordCount, error)
}

// PageTracker remembers which page URLs have been fully processed
type PageTracker interface {
	MarkURLProcessed(ctx context.Context, pageURL string) error
	IsURLProcessed(ctx context.Context, pageURL string) (bool, error)
}

// URLQueue holds same-host URLs discovered on processed pages
type URLQueue interface {
	// EnqueueURLs adds URLs that are neither queued nor processed yet.
	// Returns how many were actually added.
	EnqueueURLs(ctx context.Context, urls []string) (added int, err error)
	// DequeueURLs removes and returns up to n URLs, oldest first
	DequeueURLs(ctx context.Context, n int) ([]string, error)
	QueueLength(ctx context.Context) (int, error)
}

// LinkStore combines all store interfaces for components that need full access
type LinkStore interface {
	LinkWriter
	LinkReader
	PageTracker
	URLQueue
	// Close cleanly closes the database
	Close() error
}

// DefaultListLimit applies when LinkFilter.Limit is not positive
const DefaultListLimit = 20

func effectiveLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
