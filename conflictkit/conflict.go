package conflictkit

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c0deZ3R0/go-conflict-kit/document"
	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
)

// ConflictType classifies a field-level difference between two revisions.
type ConflictType string

const (
	// ConflictField: both revisions have the field with different values.
	ConflictField ConflictType = "field"
	// ConflictAddition: only the alternate revision has the field.
	ConflictAddition ConflictType = "addition"
	// ConflictDeletion: only the current revision has the field.
	ConflictDeletion ConflictType = "deletion"
)

// Conflict is one field-level difference between the current revision of a
// document and one of its conflicting revisions. Conflicts are never
// persisted.
type Conflict struct {
	DocumentID     string       `json:"documentId"`
	Field          string       `json:"field"`
	LocalValue     any          `json:"localValue,omitempty"`
	RemoteValue    any          `json:"remoteValue,omitempty"`
	LocalRevision  string       `json:"localRevision"`
	RemoteRevision string       `json:"remoteRevision"`
	Type           ConflictType `json:"conflictType"`
	DetectedAt     time.Time    `json:"detectedAt"`
}

// Snapshot is everything the detector read for one document.
type Snapshot struct {
	// Main is the current revision, as returned with its conflict list.
	Main *document.Document
	// Alternates are the conflicting revisions that could be fetched, in
	// the order of Main.Conflicts.
	Alternates []*document.Document
	// Skipped lists conflicting revisions that could not be fetched.
	Skipped   []string
	Conflicts []Conflict
}

// Compare returns the field-level conflicts between main and alt, ordered
// by field name. Metadata is not compared.
func Compare(main, alt *document.Document, at time.Time) []Conflict {
	fields := make(map[string]struct{}, len(main.Fields)+len(alt.Fields))
	for k := range main.Fields {
		fields[k] = struct{}{}
	}
	for k := range alt.Fields {
		fields[k] = struct{}{}
	}
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	var out []Conflict
	for _, name := range names {
		local, inMain := main.Fields[name]
		remote, inAlt := alt.Fields[name]

		var kind ConflictType
		switch {
		case inMain && inAlt:
			if document.Equal(local, remote) {
				continue
			}
			kind = ConflictField
		case inAlt:
			kind = ConflictAddition
		default:
			kind = ConflictDeletion
		}
		out = append(out, Conflict{
			DocumentID:     main.ID,
			Field:          name,
			LocalValue:     local,
			RemoteValue:    remote,
			LocalRevision:  main.Revision,
			RemoteRevision: alt.Revision,
			Type:           kind,
			DetectedAt:     at,
		})
	}
	return out
}

// Detector finds field-level conflicts for a document. It only reads from
// the store.
type Detector struct {
	store       Store
	logger      *logging.Logger
	timeout     time.Duration
	concurrency int
	now         func() time.Time
}

// DetectorOption configures a Detector.
type DetectorOption interface{ applyDetector(*Detector) }

type detectorOptionFn func(*Detector)

func (f detectorOptionFn) applyDetector(d *Detector) { f(d) }

// WithDetectorLogger sets the detector logger.
func WithDetectorLogger(l *logging.Logger) DetectorOption {
	return detectorOptionFn(func(d *Detector) { d.logger = l })
}

// WithDetectorTimeout bounds each individual store call.
func WithDetectorTimeout(t time.Duration) DetectorOption {
	return detectorOptionFn(func(d *Detector) { d.timeout = t })
}

// WithFetchConcurrency caps concurrent alternate fetches. Zero or less
// means unbounded.
func WithFetchConcurrency(n int) DetectorOption {
	return detectorOptionFn(func(d *Detector) { d.concurrency = n })
}

// WithDetectorClock overrides the DetectedAt time source.
func WithDetectorClock(now func() time.Time) DetectorOption {
	return detectorOptionFn(func(d *Detector) { d.now = now })
}

// NewDetector returns a Detector reading from store.
func NewDetector(store Store, opts ...DetectorOption) *Detector {
	d := &Detector{
		store:   store,
		timeout: DefaultStoreTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt.applyDetector(d)
	}
	if d.logger == nil {
		d.logger = logging.Default()
	}
	d.logger = d.logger.WithComponent(logging.ComponentDetector)
	return d
}

// Store returns the store the detector reads from.
func (d *Detector) Store() Store { return d.store }

// Detect returns the conflicts of the document with the given id. It fails
// open: when the document cannot be read the failure is logged and no
// conflicts are returned.
func (d *Detector) Detect(ctx context.Context, id string) []Conflict {
	snap, err := d.Inspect(ctx, id)
	if err != nil {
		d.logger.LogWarn(ctx, err, "conflict detection skipped", slog.String("document_id", id))
		return nil
	}
	return snap.Conflicts
}

// Inspect reads the current revision of the document and all of its
// conflicting revisions. A failure to read the current revision is
// returned; an alternate that cannot be read is logged and skipped.
func (d *Detector) Inspect(ctx context.Context, id string) (*Snapshot, error) {
	main, err := d.get(ctx, id, GetOptions{IncludeConflicts: true})
	if err != nil {
		kind := errors.KindStoreUnavailable
		if errors.IsNotFound(err) {
			kind = errors.KindNotFound
		}
		return nil, errors.E(errors.OpDetect, errors.Component("detector"), kind, errors.ErrCodeStorageFailure, err)
	}

	snap := &Snapshot{Main: main}
	if !main.HasConflicts() {
		return snap, nil
	}

	fetched := make([]*document.Document, len(main.Conflicts))
	var g errgroup.Group
	if d.concurrency > 0 {
		g.SetLimit(d.concurrency)
	}
	for i, rev := range main.Conflicts {
		g.Go(func() error {
			alt, err := d.get(ctx, id, GetOptions{Revision: rev})
			if err != nil {
				fe := errors.NewFetchError(errors.OpDetect, err).
					WithMetadata("document_id", id).
					WithMetadata("revision", rev)
				d.logger.LogWarn(ctx, fe, "skipping unreachable conflicting revision",
					slog.String("document_id", id), slog.String("revision", rev))
				return nil
			}
			if alt.Revision == "" {
				alt.Revision = rev
			}
			fetched[i] = alt
			return nil
		})
	}
	_ = g.Wait()

	at := d.now()
	for i, alt := range fetched {
		if alt == nil {
			snap.Skipped = append(snap.Skipped, main.Conflicts[i])
			continue
		}
		snap.Alternates = append(snap.Alternates, alt)
		snap.Conflicts = append(snap.Conflicts, Compare(main, alt, at)...)
	}
	return snap, nil
}

func (d *Detector) get(ctx context.Context, id string, opts GetOptions) (*document.Document, error) {
	ctx, cancel := withTimeout(ctx, d.timeout)
	defer cancel()
	return d.store.Get(ctx, id, opts)
}
