// Package memory provides an in-process multi-revision document store.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/c0deZ3R0/go-conflict-kit/conflictkit"
	"github.com/c0deZ3R0/go-conflict-kit/document"
	"github.com/c0deZ3R0/go-conflict-kit/errors"
)

const component = errors.Component("memory-store")

// Store keeps every leaf revision of every document in memory. The current
// revision of a document is its greatest leaf.
type Store struct {
	mu     sync.RWMutex
	closed bool
	docs   map[string]map[string]*document.Document
}

var _ conflictkit.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{docs: make(map[string]map[string]*document.Document)}
}

// Get returns the current revision, or the given leaf revision.
func (s *Store) Get(ctx context.Context, id string, opts conflictkit.GetOptions) (*document.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.E(errors.OpLoad, component, errors.ErrStoreClosed)
	}

	leaves := s.docs[id]
	if opts.Revision != "" {
		d, ok := leaves[opts.Revision]
		if !ok {
			return nil, errors.E(errors.OpLoad, component, errors.ErrNotFound)
		}
		return d.Clone(), nil
	}
	return winner(leaves, opts.IncludeConflicts)
}

// Insert writes doc as a child of doc.Revision and returns the new revision.
func (s *Store) Insert(ctx context.Context, doc *document.Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if doc == nil || doc.ID == "" {
		return "", errors.E(errors.OpStore, component, errors.KindConfiguration, "document id is required")
	}
	rev, err := document.NewRevision(doc.Revision, doc)
	if err != nil {
		return "", errors.E(errors.OpStore, component, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errors.E(errors.OpStore, component, errors.ErrStoreClosed)
	}

	leaves := s.docs[doc.ID]
	switch {
	case doc.Revision == "" && len(leaves) > 0:
		return "", errors.E(errors.OpStore, component, errors.ErrConflict)
	case doc.Revision != "":
		if _, ok := leaves[doc.Revision]; !ok {
			return "", errors.E(errors.OpStore, component, errors.ErrConflict)
		}
		delete(leaves, doc.Revision)
	}

	stored := doc.Clone().StripConflicts()
	stored.Revision = rev
	s.put(stored)
	return rev, nil
}

// PutRevision adds doc as a leaf exactly as given, the way replication
// does. An empty revision is derived from the content.
func (s *Store) PutRevision(ctx context.Context, doc *document.Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if doc == nil || doc.ID == "" {
		return "", errors.E(errors.OpStore, component, errors.KindConfiguration, "document id is required")
	}
	stored := doc.Clone().StripConflicts()
	if stored.Revision == "" {
		rev, err := document.NewRevision("", stored)
		if err != nil {
			return "", errors.E(errors.OpStore, component, err)
		}
		stored.Revision = rev
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errors.E(errors.OpStore, component, errors.ErrStoreClosed)
	}
	s.put(stored)
	return stored.Revision, nil
}

// Destroy removes one leaf revision.
func (s *Store) Destroy(ctx context.Context, id, rev string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.E(errors.OpCleanup, component, errors.ErrStoreClosed)
	}
	leaves := s.docs[id]
	if _, ok := leaves[rev]; !ok {
		return errors.E(errors.OpCleanup, component, errors.ErrNotFound)
	}
	delete(leaves, rev)
	if len(leaves) == 0 {
		delete(s.docs, id)
	}
	return nil
}

// List returns the current revision of documents ordered by id.
func (s *Store) List(ctx context.Context, opts conflictkit.ListOptions) (conflictkit.Page, error) {
	if err := ctx.Err(); err != nil {
		return conflictkit.Page{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return conflictkit.Page{}, errors.E(errors.OpScan, component, errors.ErrStoreClosed)
	}

	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		if id > opts.StartAfter {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	limit := opts.Limit
	if limit <= 0 {
		limit = conflictkit.DefaultPageSize
	}
	var page conflictkit.Page
	for i, id := range ids {
		if i == limit {
			page.Next = page.Documents[len(page.Documents)-1].ID
			break
		}
		d, err := winner(s.docs[id], true)
		if err != nil {
			return conflictkit.Page{}, err
		}
		if !opts.IncludeBodies {
			d.Fields = nil
		}
		page.Documents = append(page.Documents, d)
	}
	return page, nil
}

// Revisions returns every leaf revision of a document, greatest first.
func (s *Store) Revisions(ctx context.Context, id string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	revs := make([]string, 0, len(s.docs[id]))
	for rev := range s.docs[id] {
		revs = append(revs, rev)
	}
	document.SortRevisionsDesc(revs)
	return revs, nil
}

// Close marks the store closed. Further calls fail with ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) put(d *document.Document) {
	leaves, ok := s.docs[d.ID]
	if !ok {
		leaves = make(map[string]*document.Document)
		s.docs[d.ID] = leaves
	}
	leaves[d.Revision] = d
}

func winner(leaves map[string]*document.Document, withConflicts bool) (*document.Document, error) {
	if len(leaves) == 0 {
		return nil, errors.E(errors.OpLoad, component, errors.ErrNotFound)
	}
	all := make([]*document.Document, 0, len(leaves))
	for _, d := range leaves {
		all = append(all, d)
	}
	best, others := document.Winner(all)
	out := best.Clone()
	if withConflicts && len(others) > 0 {
		out.Conflicts = others
	}
	return out, nil
}
