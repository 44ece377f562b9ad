// Package bolt provides an embedded, single-file conflictkit Store on
// go.etcd.io/bbolt.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/c0deZ3R0/go-conflict-kit/conflictkit"
	"github.com/c0deZ3R0/go-conflict-kit/document"
	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
)

const (
	component      = errors.Component("bolt-store")
	fileMode       = os.FileMode(0o600)
	keySeparator   = 0x00
	defaultBucket  = "documents"
	defaultTimeout = 5 * time.Second
)

// Config holds configuration options for the bbolt store.
type Config struct {
	// Path is the database file. It is created if missing.
	Path string

	// Bucket holds the leaf revisions. Defaults to "documents".
	Bucket string

	// Timeout bounds the wait for the file lock. Defaults to 5s.
	Timeout time.Duration

	// NoSync skips fsync after each commit. Only for tests and bulk loads.
	NoSync bool

	// Logger defaults to the package logger tagged with component bolt-store.
	Logger *logging.Logger
}

func (c *Config) setDefaults() {
	if c.Bucket == "" {
		c.Bucket = defaultBucket
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component(component))
	}
}

// DefaultConfig returns a Config for the file at path.
func DefaultConfig(path string) *Config {
	config := &Config{Path: path}
	config.setDefaults()
	return config
}

// Store keeps one key per leaf revision: the document id, a NUL byte and
// the revision. Keys sort by id, so a cursor walks documents in id order.
type Store struct {
	db     *bbolt.DB
	bucket []byte
	logger *logging.Logger
	closed atomic.Bool
}

var _ conflictkit.Store = (*Store)(nil)

// New opens (or creates) the database described by config.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.Path == "" {
		return nil, fmt.Errorf("Path is required")
	}

	db, err := bbolt.Open(config.Path, fileMode, &bbolt.Options{Timeout: config.Timeout, NoGrowSync: true, NoSync: config.NoSync})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	bucket := []byte(config.Bucket)
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucket)
		return e
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing boltdb bucket: %w", err)
	}

	config.Logger.InfoContext(context.Background(), "bolt store opened",
		slog.String("path", config.Path),
		slog.String("bucket", config.Bucket),
	)
	return &Store{db: db, bucket: bucket, logger: config.Logger}, nil
}

// Get returns the current revision, or the given leaf revision.
func (s *Store) Get(ctx context.Context, id string, opts conflictkit.GetOptions) (*document.Document, error) {
	if err := s.ensureOpen(errors.OpLoad); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out *document.Document
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := s.bucketOf(tx)
		if err != nil {
			return err
		}
		if opts.Revision != "" {
			raw := b.Get(leafKey(id, opts.Revision))
			if raw == nil {
				return errors.ErrNotFound
			}
			out, err = decode(raw)
			return err
		}
		leaves, err := leavesOf(b, id)
		if err != nil {
			return err
		}
		out, err = winner(leaves, opts.IncludeConflicts)
		return err
	})
	if err != nil {
		return nil, errors.E(errors.OpLoad, component, err)
	}
	return out, nil
}

// Insert writes doc as a child of doc.Revision and returns the new revision.
func (s *Store) Insert(ctx context.Context, doc *document.Document) (string, error) {
	if err := s.ensureOpen(errors.OpStore); err != nil {
		return "", err
	}
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

	stored := doc.Clone().StripConflicts()
	stored.Revision = rev
	raw, err := json.Marshal(stored)
	if err != nil {
		return "", errors.E(errors.OpStore, component, err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b, err := s.bucketOf(tx)
		if err != nil {
			return err
		}
		if doc.Revision == "" {
			if k, _ := b.Cursor().Seek(idPrefix(doc.ID)); k != nil && bytes.HasPrefix(k, idPrefix(doc.ID)) {
				return errors.ErrConflict
			}
		} else {
			parent := leafKey(doc.ID, doc.Revision)
			if b.Get(parent) == nil {
				return errors.ErrConflict
			}
			if err := b.Delete(parent); err != nil {
				return err
			}
		}
		return b.Put(leafKey(doc.ID, rev), raw)
	})
	if err != nil {
		return "", errors.E(errors.OpStore, component, err)
	}

	s.logger.DebugContext(ctx, "revision inserted",
		slog.String("document_id", doc.ID),
		slog.String("parent", doc.Revision),
		slog.String("revision", rev),
	)
	return rev, nil
}

// PutRevision adds doc as a leaf exactly as given, the way replication
// does. An empty revision is derived from the content.
func (s *Store) PutRevision(ctx context.Context, doc *document.Document) (string, error) {
	if err := s.ensureOpen(errors.OpStore); err != nil {
		return "", err
	}
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
	raw, err := json.Marshal(stored)
	if err != nil {
		return "", errors.E(errors.OpStore, component, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b, err := s.bucketOf(tx)
		if err != nil {
			return err
		}
		return b.Put(leafKey(stored.ID, stored.Revision), raw)
	})
	if err != nil {
		return "", errors.E(errors.OpStore, component, err)
	}
	return stored.Revision, nil
}

// Destroy removes one leaf revision.
func (s *Store) Destroy(ctx context.Context, id, rev string) error {
	if err := s.ensureOpen(errors.OpCleanup); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := s.bucketOf(tx)
		if err != nil {
			return err
		}
		key := leafKey(id, rev)
		if b.Get(key) == nil {
			return errors.ErrNotFound
		}
		return b.Delete(key)
	})
	if err != nil {
		return errors.E(errors.OpCleanup, component, err)
	}
	return nil
}

// List returns the current revision of documents ordered by id.
func (s *Store) List(ctx context.Context, opts conflictkit.ListOptions) (conflictkit.Page, error) {
	if err := s.ensureOpen(errors.OpScan); err != nil {
		return conflictkit.Page{}, err
	}
	if err := ctx.Err(); err != nil {
		return conflictkit.Page{}, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = conflictkit.DefaultPageSize
	}

	var page conflictkit.Page
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := s.bucketOf(tx)
		if err != nil {
			return err
		}
		c := b.Cursor()
		var k, v []byte
		if opts.StartAfter == "" {
			k, v = c.First()
		} else {
			// Every key of StartAfter sorts below StartAfter+0x01.
			k, v = c.Seek(append([]byte(opts.StartAfter), keySeparator+1))
		}

		var (
			current string
			leaves  []*document.Document
		)
		flush := func() error {
			if len(leaves) == 0 {
				return nil
			}
			d, err := winner(leaves, true)
			if err != nil {
				return err
			}
			if !opts.IncludeBodies {
				d.Fields = nil
			}
			page.Documents = append(page.Documents, d)
			leaves = leaves[:0]
			return nil
		}

		for ; k != nil; k, v = c.Next() {
			id, _ := splitKey(k)
			if id != current {
				if err := flush(); err != nil {
					return err
				}
				if len(page.Documents) == limit {
					page.Next = current
					return nil
				}
				current = id
			}
			d, err := decode(v)
			if err != nil {
				return err
			}
			leaves = append(leaves, d)
		}
		return flush()
	})
	if err != nil {
		return conflictkit.Page{}, errors.E(errors.OpScan, component, err)
	}
	return page, nil
}

// Revisions returns every leaf revision of a document, greatest first.
func (s *Store) Revisions(ctx context.Context, id string) ([]string, error) {
	if err := s.ensureOpen(errors.OpLoad); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var revs []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := s.bucketOf(tx)
		if err != nil {
			return err
		}
		prefix := idPrefix(id)
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			_, rev := splitKey(k)
			revs = append(revs, rev)
		}
		return nil
	})
	if err != nil {
		return nil, errors.E(errors.OpLoad, component, err)
	}
	document.SortRevisionsDesc(revs)
	return revs, nil
}

// Close closes the database file. Further calls fail with ErrStoreClosed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureOpen(op errors.Operation) error {
	if s.closed.Load() {
		return errors.E(op, component, errors.ErrStoreClosed)
	}
	return nil
}

func (s *Store) bucketOf(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	b := tx.Bucket(s.bucket)
	if b == nil {
		return nil, fmt.Errorf("bucket %q missing", s.bucket)
	}
	return b, nil
}

func idPrefix(id string) []byte {
	return append([]byte(id), keySeparator)
}

func leafKey(id, rev string) []byte {
	return append(idPrefix(id), rev...)
}

func splitKey(k []byte) (id, rev string) {
	i := bytes.IndexByte(k, keySeparator)
	if i < 0 {
		return string(k), ""
	}
	return string(k[:i]), string(k[i+1:])
}

// leavesOf decodes every leaf of id. Values are copied out of the
// transaction by decode.
func leavesOf(b *bbolt.Bucket, id string) ([]*document.Document, error) {
	prefix := idPrefix(id)
	var leaves []*document.Document
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		d, err := decode(v)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, d)
	}
	return leaves, nil
}

func decode(raw []byte) (*document.Document, error) {
	d := new(document.Document)
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, fmt.Errorf("decoding revision: %w", err)
	}
	return d, nil
}

func winner(leaves []*document.Document, withConflicts bool) (*document.Document, error) {
	if len(leaves) == 0 {
		return nil, errors.ErrNotFound
	}
	best, others := document.Winner(leaves)
	out := best.Clone()
	if withConflicts && len(others) > 0 {
		out.Conflicts = others
	}
	return out, nil
}
