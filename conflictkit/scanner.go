package conflictkit

import (
	"context"
	"log/slog"
	"time"

	"github.com/c0deZ3R0/go-conflict-kit/document"
	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
)

// DefaultPageSize is the listing page size used by the Scanner.
const DefaultPageSize = 100

// ScanItem is one conflicted document found by a scan. Conflicts may be
// empty when every conflicting revision matches the current one.
type ScanItem struct {
	Document  *document.Document
	Conflicts []Conflict
}

// Scanner walks every document in the store and detects conflicts.
type Scanner struct {
	store    Store
	detector *Detector
	pageSize int
	timeout  time.Duration
	logger   *logging.Logger
	metrics  MetricsCollector
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithPageSize sets the listing page size.
func WithPageSize(n int) ScannerOption {
	return func(s *Scanner) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithScannerDetector shares an existing detector, e.g. Engine.Detector().
func WithScannerDetector(d *Detector) ScannerOption {
	return func(s *Scanner) { s.detector = d }
}

// WithScannerLogger sets the scanner logger.
func WithScannerLogger(l *logging.Logger) ScannerOption {
	return func(s *Scanner) { s.logger = l }
}

// WithScannerMetrics sets the metrics collector.
func WithScannerMetrics(m MetricsCollector) ScannerOption {
	return func(s *Scanner) { s.metrics = m }
}

// WithScannerTimeout bounds each listing call.
func WithScannerTimeout(t time.Duration) ScannerOption {
	return func(s *Scanner) { s.timeout = t }
}

// NewScanner returns a Scanner over store.
func NewScanner(store Store, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		store:    store,
		pageSize: DefaultPageSize,
		timeout:  DefaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Default()
	}
	s.logger = s.logger.WithComponent(logging.ComponentScanner)
	if s.metrics == nil {
		s.metrics = &NoOpMetricsCollector{}
	}
	if s.detector == nil {
		s.detector = NewDetector(store, WithDetectorLogger(s.logger), WithDetectorTimeout(s.timeout))
	}
	return s
}

// Walk calls fn for every document that has conflicting revisions. It stops
// on the first listing failure, on cancellation (checked once per
// document) or when fn returns an error.
func (s *Scanner) Walk(ctx context.Context, fn func(ScanItem) error) error {
	start := time.Now()
	var docs, found int
	defer func() {
		s.metrics.RecordScan(docs, found, time.Since(start))
	}()

	opts := ListOptions{Limit: s.pageSize, IncludeBodies: true}
	for {
		page, err := s.list(ctx, opts)
		if err != nil {
			return errors.E(errors.OpScan, errors.Component("scanner"), errors.KindStoreUnavailable, errors.ErrCodeStorageFailure, err)
		}
		for _, doc := range page.Documents {
			if err := ctx.Err(); err != nil {
				return err
			}
			docs++
			if !doc.HasConflicts() {
				continue
			}
			conflicts := s.detector.Detect(ctx, doc.ID)
			found += len(conflicts)
			if err := fn(ScanItem{Document: doc, Conflicts: conflicts}); err != nil {
				return err
			}
		}
		if page.Next == "" || len(page.Documents) == 0 {
			return nil
		}
		opts.StartAfter = page.Next
	}
}

// ScanAll returns the conflicts of every document in the store. A listing
// failure is logged and returned with no conflicts.
func (s *Scanner) ScanAll(ctx context.Context) ([]Conflict, error) {
	var all []Conflict
	err := s.Walk(ctx, func(item ScanItem) error {
		all = append(all, item.Conflicts...)
		return nil
	})
	if err != nil {
		s.logger.LogError(ctx, err, "scan aborted")
		return nil, err
	}
	s.logger.InfoContext(ctx, "scan completed", slog.Int("conflicts", len(all)))
	return all, nil
}

func (s *Scanner) list(ctx context.Context, opts ListOptions) (Page, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.List(ctx, opts)
}
