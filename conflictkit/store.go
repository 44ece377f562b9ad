package conflictkit

import (
	"context"
	"time"

	"github.com/c0deZ3R0/go-conflict-kit/document"
)

// Store is the document store adapter contract.
//
// Get returns errors.ErrNotFound for a missing document or revision.
// Insert writes doc as a child of doc.Revision (empty creates the document)
// and returns the new revision; a parent that is not a current leaf yields
// errors.ErrConflict. Destroy removes one leaf revision and may return
// errors.ErrNotFound, which callers treat as success. List pages through
// the current revision of every document, ordered by id, with Conflicts
// populated.
type Store interface {
	Get(ctx context.Context, id string, opts GetOptions) (*document.Document, error)
	Insert(ctx context.Context, doc *document.Document) (string, error)
	Destroy(ctx context.Context, id, rev string) error
	List(ctx context.Context, opts ListOptions) (Page, error)
}

// GetOptions selects what Get returns.
type GetOptions struct {
	// Revision fetches a specific leaf revision instead of the current one.
	Revision string
	// IncludeConflicts populates Document.Conflicts.
	IncludeConflicts bool
}

// ListOptions controls one page of a listing.
type ListOptions struct {
	// StartAfter is the last id of the previous page.
	StartAfter string
	// Limit caps the page size; zero lets the adapter choose.
	Limit int
	// IncludeBodies returns domain fields; otherwise only metadata is set.
	IncludeBodies bool
}

// Page is one page of a listing. Next is empty on the last page.
type Page struct {
	Documents []*document.Document
	Next      string
}

// DefaultStoreTimeout bounds every store call made by the engine.
const DefaultStoreTimeout = 5 * time.Second

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
