// Package sqldb implements the multi-revision document store on
// database/sql. The sqlite and postgres packages configure it for their
// drivers.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-conflict-kit/conflictkit"
	"github.com/c0deZ3R0/go-conflict-kit/document"
	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
)

// Store keeps one row per leaf revision. The current revision of a
// document is its greatest leaf by document.CompareRevisions.
type Store struct {
	db        *sql.DB
	dialect   Dialect
	table     string
	component errors.Component
	logger    *logging.Logger

	mu     sync.RWMutex
	closed bool
}

var _ conflictkit.Store = (*Store)(nil)

// New wraps an open database and creates the table if needed.
func New(db *sql.DB, dialect Dialect, table string, logger *logging.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	if !ValidTableName(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Store{
		db:        db,
		dialect:   dialect,
		table:     table,
		component: errors.Component(dialect.Name + "-store"),
		logger:    logger,
	}
	if _, err := db.Exec(dialect.Schema(table)); err != nil {
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}
	return s, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

// Table returns the table the store writes to.
func (s *Store) Table() string { return s.table }

type row struct {
	id, rev, docType, modifiedAt, body string
}

func (s *Store) q(query string) string {
	return s.dialect.rebind(fmt.Sprintf(query, s.table))
}

func (s *Store) checkOpen(op errors.Operation) error {
	if s.closed {
		return errors.E(op, s.component, errors.ErrStoreClosed)
	}
	return nil
}

// Get returns the current revision, or the given leaf revision.
func (s *Store) Get(ctx context.Context, id string, opts conflictkit.GetOptions) (*document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(errors.OpLoad); err != nil {
		return nil, err
	}

	if opts.Revision != "" {
		var r row
		err := s.db.QueryRowContext(ctx,
			s.q(`SELECT id, rev, doc_type, modified_at, body FROM %s WHERE id = ? AND rev = ?`),
			id, opts.Revision,
		).Scan(&r.id, &r.rev, &r.docType, &r.modifiedAt, &r.body)
		if err == sql.ErrNoRows {
			return nil, errors.E(errors.OpLoad, s.component, errors.ErrNotFound)
		}
		if err != nil {
			return nil, errors.NewStorageError(errors.OpLoad, err).WithMetadata("document_id", id)
		}
		return decode(r, true)
	}

	leaves, err := s.leaves(ctx, id)
	if err != nil {
		return nil, err
	}
	return winner(leaves, opts.IncludeConflicts, true)
}

func (s *Store) leaves(ctx context.Context, id string) ([]row, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT id, rev, doc_type, modified_at, body FROM %s WHERE id = ?`), id)
	if err != nil {
		return nil, errors.NewStorageError(errors.OpLoad, err).WithMetadata("document_id", id)
	}
	defer rows.Close()
	out, err := scanRows(rows)
	if err != nil {
		return nil, errors.NewStorageError(errors.OpLoad, err).WithMetadata("document_id", id)
	}
	return out, nil
}

func scanRows(rows *sql.Rows) ([]row, error) {
	var out []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.rev, &r.docType, &r.modifiedAt, &r.body); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Insert writes doc as a child of doc.Revision and returns the new revision.
func (s *Store) Insert(ctx context.Context, doc *document.Document) (string, error) {
	if doc == nil || doc.ID == "" {
		return "", errors.E(errors.OpStore, s.component, errors.KindConfiguration, "document id is required")
	}
	rev, err := document.NewRevision(doc.Revision, doc)
	if err != nil {
		return "", errors.E(errors.OpStore, s.component, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(errors.OpStore); err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.NewStorageError(errors.OpStore, err)
	}
	defer tx.Rollback()

	if doc.Revision == "" {
		var n int
		err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM %s WHERE id = ?`), doc.ID).Scan(&n)
		if err != nil {
			return "", errors.NewStorageError(errors.OpStore, err)
		}
		if n > 0 {
			return "", errors.E(errors.OpStore, s.component, errors.ErrConflict)
		}
	} else {
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM %s WHERE id = ? AND rev = ?`), doc.ID, doc.Revision)
		if err != nil {
			return "", errors.NewStorageError(errors.OpStore, err)
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			return "", errors.E(errors.OpStore, s.component, errors.ErrConflict)
		}
	}

	stored := doc.Clone().StripConflicts()
	stored.Revision = rev
	if err := s.insertRow(ctx, tx, stored); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", errors.NewStorageError(errors.OpStore, err)
	}

	s.logger.DebugContext(ctx, "revision written",
		slog.String("document_id", doc.ID),
		slog.String("parent", doc.Revision),
		slog.String("revision", rev),
	)
	return rev, nil
}

// PutRevision adds doc as a leaf exactly as given, the way replication
// does. An empty revision is derived from the content.
func (s *Store) PutRevision(ctx context.Context, doc *document.Document) (string, error) {
	if doc == nil || doc.ID == "" {
		return "", errors.E(errors.OpStore, s.component, errors.KindConfiguration, "document id is required")
	}
	stored := doc.Clone().StripConflicts()
	if stored.Revision == "" {
		rev, err := document.NewRevision("", stored)
		if err != nil {
			return "", errors.E(errors.OpStore, s.component, err)
		}
		stored.Revision = rev
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(errors.OpStore); err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.NewStorageError(errors.OpStore, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM %s WHERE id = ? AND rev = ?`), stored.ID, stored.Revision); err != nil {
		return "", errors.NewStorageError(errors.OpStore, err)
	}
	if err := s.insertRow(ctx, tx, stored); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", errors.NewStorageError(errors.OpStore, err)
	}
	return stored.Revision, nil
}

func (s *Store) insertRow(ctx context.Context, tx *sql.Tx, d *document.Document) error {
	body, err := json.Marshal(d.Fields)
	if err != nil {
		return errors.E(errors.OpStore, s.component, fmt.Errorf("encode document body: %w", err))
	}
	if d.Fields == nil {
		body = []byte("{}")
	}
	var modified string
	if !d.ModifiedAt.IsZero() {
		modified = d.ModifiedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = tx.ExecContext(ctx,
		s.q(`INSERT INTO %s (id, rev, generation, doc_type, modified_at, body) VALUES (?, ?, ?, ?, ?, ?)`),
		d.ID, d.Revision, document.Generation(d.Revision), d.Type, modified, string(body),
	)
	if err != nil {
		return errors.NewStorageError(errors.OpStore, err).WithMetadata("document_id", d.ID)
	}
	return nil
}

// Destroy removes one leaf revision.
func (s *Store) Destroy(ctx context.Context, id, rev string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(errors.OpCleanup); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM %s WHERE id = ? AND rev = ?`), id, rev)
	if err != nil {
		return errors.NewStorageError(errors.OpCleanup, err).WithMetadata("document_id", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewStorageError(errors.OpCleanup, err)
	}
	if n == 0 {
		return errors.E(errors.OpCleanup, s.component, errors.ErrNotFound)
	}
	return nil
}

// List returns the current revision of documents ordered by id.
func (s *Store) List(ctx context.Context, opts conflictkit.ListOptions) (conflictkit.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(errors.OpScan); err != nil {
		return conflictkit.Page{}, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = conflictkit.DefaultPageSize
	}

	idRows, err := s.db.QueryContext(ctx,
		s.q(`SELECT DISTINCT id FROM %s WHERE id > ? ORDER BY id LIMIT ?`), opts.StartAfter, limit+1)
	if err != nil {
		return conflictkit.Page{}, errors.NewStorageError(errors.OpScan, err)
	}
	var ids []string
	for idRows.Next() {
		var id string
		if err := idRows.Scan(&id); err != nil {
			idRows.Close()
			return conflictkit.Page{}, errors.NewStorageError(errors.OpScan, err)
		}
		ids = append(ids, id)
	}
	idRows.Close()
	if err := idRows.Err(); err != nil {
		return conflictkit.Page{}, errors.NewStorageError(errors.OpScan, err)
	}
	if len(ids) == 0 {
		return conflictkit.Page{}, nil
	}

	var page conflictkit.Page
	if len(ids) > limit {
		ids = ids[:limit]
		page.Next = ids[limit-1]
	}

	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT id, rev, doc_type, modified_at, body FROM %s WHERE id > ? AND id <= ? ORDER BY id`),
		opts.StartAfter, ids[len(ids)-1])
	if err != nil {
		return conflictkit.Page{}, errors.NewStorageError(errors.OpScan, err)
	}
	defer rows.Close()
	all, err := scanRows(rows)
	if err != nil {
		return conflictkit.Page{}, errors.NewStorageError(errors.OpScan, err)
	}

	byID := make(map[string][]row, len(ids))
	for _, r := range all {
		byID[r.id] = append(byID[r.id], r)
	}
	for _, id := range ids {
		d, err := winner(byID[id], true, opts.IncludeBodies)
		if err != nil {
			return conflictkit.Page{}, err
		}
		page.Documents = append(page.Documents, d)
	}
	return page, nil
}

// Revisions returns every leaf revision of a document, greatest first.
func (s *Store) Revisions(ctx context.Context, id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(errors.OpLoad); err != nil {
		return nil, err
	}
	leaves, err := s.leaves(ctx, id)
	if err != nil {
		return nil, err
	}
	revs := make([]string, 0, len(leaves))
	for _, r := range leaves {
		revs = append(revs, r.rev)
	}
	document.SortRevisionsDesc(revs)
	return revs, nil
}

// Close closes the database. Further calls fail with ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func winner(leaves []row, withConflicts, withBody bool) (*document.Document, error) {
	if len(leaves) == 0 {
		return nil, errors.E(errors.OpLoad, errors.Component("sql-store"), errors.ErrNotFound)
	}
	best := leaves[0]
	var others []string
	for _, r := range leaves[1:] {
		if document.CompareRevisions(r.rev, best.rev) > 0 {
			others = append(others, best.rev)
			best = r
		} else {
			others = append(others, r.rev)
		}
	}
	d, err := decode(best, withBody)
	if err != nil {
		return nil, err
	}
	if withConflicts && len(others) > 0 {
		document.SortRevisionsDesc(others)
		d.Conflicts = others
	}
	return d, nil
}

func decode(r row, withBody bool) (*document.Document, error) {
	d := &document.Document{ID: r.id, Revision: r.rev, Type: r.docType}
	if r.modifiedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, r.modifiedAt)
		if err != nil {
			return nil, errors.E(errors.OpLoad, errors.Component("sql-store"), fmt.Errorf("invalid modified_at for %s@%s: %w", r.id, r.rev, err))
		}
		d.ModifiedAt = ts
	}
	if withBody {
		if err := json.Unmarshal([]byte(r.body), &d.Fields); err != nil {
			return nil, errors.E(errors.OpLoad, errors.Component("sql-store"), fmt.Errorf("decode body for %s@%s: %w", r.id, r.rev, err))
		}
	}
	return d, nil
}
