package conflictkit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c0deZ3R0/go-conflict-kit/document"
	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
)

// ConflictResolution is the outcome of one Resolve call. Only
// ResolvedDocument is persisted.
type ConflictResolution struct {
	DocumentID        string             `json:"documentId"`
	Resolution        Resolution         `json:"resolution"`
	ResolvedDocument  *document.Document `json:"resolvedDocument"`
	ResolvedRevision  string             `json:"resolvedRevision"`
	ConflictsResolved int                `json:"conflictsResolved"`
	// Strategy is the strategy that produced the plan; for entity_specific
	// it is the delegate.
	Strategy Strategy `json:"strategy"`
	Reasons  []string `json:"reasons,omitempty"`
	// Conflicts is set for manual resolutions so a human can review them.
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

// Hooks provides optional callbacks for observability around resolution.
// All hooks are optional; nil functions are safe no-ops.
type Hooks struct {
	OnDetected       func(ctx context.Context, id string, conflicts []Conflict)
	OnResolved       func(ctx context.Context, res *ConflictResolution)
	OnCleanupFailure func(ctx context.Context, id, rev string, err error)
	OnError          func(ctx context.Context, id string, err error)
}

type engineOptions struct {
	logger      *logging.Logger
	metrics     MetricsCollector
	hooks       Hooks
	locker      Locker
	timeout     time.Duration
	policy      *EntityPolicy
	overrides   Resolvers
	concurrency int
	clock       func() time.Time
}

// EngineOption configures an Engine.
type EngineOption interface{ apply(*engineOptions) }

type engineOptionFn func(*engineOptions)

func (f engineOptionFn) apply(o *engineOptions) { f(o) }

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) EngineOption {
	return engineOptionFn(func(o *engineOptions) { o.logger = l })
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) EngineOption {
	return engineOptionFn(func(o *engineOptions) { o.metrics = m })
}

// WithHooks sets optional observability hooks. Zero-value safe.
func WithHooks(h Hooks) EngineOption {
	return engineOptionFn(func(o *engineOptions) { o.hooks = h })
}

// WithLocker replaces the in-process keyed lock. Engines sharing a store
// across processes must share a distributed Locker.
func WithLocker(l Locker) EngineOption {
	return engineOptionFn(func(o *engineOptions) { o.locker = l })
}

// WithStoreTimeout bounds every individual store call.
func WithStoreTimeout(t time.Duration) EngineOption {
	return engineOptionFn(func(o *engineOptions) { o.timeout = t })
}

// WithEntityPolicy sets the routing used by entity_specific.
func WithEntityPolicy(p *EntityPolicy) EngineOption {
	return engineOptionFn(func(o *engineOptions) { o.policy = p })
}

// WithResolver overrides the resolver for one strategy.
func WithResolver(s Strategy, r Resolver) EngineOption {
	return engineOptionFn(func(o *engineOptions) {
		if o.overrides == nil {
			o.overrides = Resolvers{}
		}
		o.overrides[s] = r
	})
}

// WithDetectConcurrency caps concurrent alternate fetches per document.
func WithDetectConcurrency(n int) EngineOption {
	return engineOptionFn(func(o *engineOptions) { o.concurrency = n })
}

// WithClock overrides the time source used for detection timestamps.
func WithClock(now func() time.Time) EngineOption {
	return engineOptionFn(func(o *engineOptions) { o.clock = now })
}

// ResolveOption configures a single Resolve call.
type ResolveOption func(*resolveOptions)

type resolveOptions struct {
	choice Choice
}

// WithChoice supplies the decision for user_decides.
func WithChoice(c Choice) ResolveOption {
	return func(o *resolveOptions) { o.choice = c }
}

// Engine detects and resolves conflicts for one document at a time.
// Resolve calls for the same id are serialized by the Locker; calls for
// different ids run concurrently.
type Engine struct {
	store     Store
	detector  *Detector
	resolvers Resolvers
	locker    Locker
	logger    *logging.Logger
	metrics   MetricsCollector
	hooks     Hooks
	timeout   time.Duration
}

// NewEngine returns an Engine over store.
func NewEngine(store Store, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, errors.NewConfigurationError(errors.OpConfig, fmt.Errorf("engine requires a store"))
	}
	cfg := &engineOptions{timeout: DefaultStoreTimeout, clock: time.Now}
	for _, opt := range opts {
		opt.apply(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logging.Default()
	}
	if cfg.metrics == nil {
		cfg.metrics = &NoOpMetricsCollector{}
	}
	if cfg.locker == nil {
		cfg.locker = NewKeyedLocker()
	}
	if cfg.policy == nil {
		cfg.policy = DefaultEntityPolicy()
	}

	resolvers := DefaultResolvers(cfg.policy)
	for s, r := range cfg.overrides {
		if !s.Valid() {
			return nil, errors.NewUnsupportedStrategyError(errors.OpConfig, string(s))
		}
		resolvers[s] = r
	}

	return &Engine{
		store: store,
		detector: NewDetector(store,
			WithDetectorLogger(cfg.logger),
			WithDetectorTimeout(cfg.timeout),
			WithFetchConcurrency(cfg.concurrency),
			WithDetectorClock(cfg.clock),
		),
		resolvers: resolvers,
		locker:    cfg.locker,
		logger:    cfg.logger.WithComponent(logging.ComponentEngine),
		metrics:   cfg.metrics,
		hooks:     cfg.hooks,
		timeout:   cfg.timeout,
	}, nil
}

// Detector returns the engine's detector.
func (e *Engine) Detector() *Detector { return e.detector }

// Detect returns the current conflicts of a document without resolving them.
func (e *Engine) Detect(ctx context.Context, id string) []Conflict {
	start := time.Now()
	conflicts := e.detector.Detect(ctx, id)
	e.metrics.RecordDetection(len(conflicts), time.Since(start))
	return conflicts
}

// Resolve detects the conflicts of a document and resolves them with the
// given strategy. Invalid strategies and missing choices are rejected
// before any store access. A failure to read or write the document is
// returned; a failure to destroy a losing revision is logged and ignored.
func (e *Engine) Resolve(ctx context.Context, id string, strategy Strategy, opts ...ResolveOption) (*ConflictResolution, error) {
	ro := &resolveOptions{}
	for _, opt := range opts {
		opt(ro)
	}

	resolver, err := e.validate(strategy, ro.choice)
	if err != nil {
		e.fail(ctx, id, strategy, err)
		return nil, err
	}

	unlock, err := e.locker.Lock(ctx, id)
	if err != nil {
		err = errors.E(errors.OpLock, errors.Component("engine"), err)
		e.fail(ctx, id, strategy, err)
		return nil, err
	}
	defer unlock()

	start := time.Now()
	res, err := e.resolve(ctx, id, strategy, resolver, ro.choice)
	if err != nil {
		e.fail(ctx, id, strategy, err)
		return nil, err
	}

	e.metrics.RecordResolution(res.Strategy, res.Resolution, res.ConflictsResolved, time.Since(start))
	e.logger.InfoContext(ctx, "document resolved",
		slog.String("document_id", id),
		slog.String("strategy", string(res.Strategy)),
		slog.String("resolution", string(res.Resolution)),
		slog.String("revision", res.ResolvedRevision),
		slog.Int("conflicts_resolved", res.ConflictsResolved),
	)
	if e.hooks.OnResolved != nil {
		e.hooks.OnResolved(ctx, res)
	}
	return res, nil
}

func (e *Engine) validate(strategy Strategy, choice Choice) (Resolver, error) {
	resolver, ok := e.resolvers.Lookup(strategy)
	if !ok {
		return nil, errors.NewUnsupportedStrategyError(errors.OpResolve, string(strategy))
	}
	if strategy == StrategyUserDecides {
		switch choice {
		case ChoiceLocal, ChoiceRemote:
		case ChoiceNone:
			return nil, errors.NewConfigurationError(errors.OpResolve, errors.ErrMissingChoice)
		default:
			return nil, errors.NewConfigurationError(errors.OpResolve, fmt.Errorf("invalid choice %q: want local or remote", choice))
		}
	}
	return resolver, nil
}

func (e *Engine) resolve(ctx context.Context, id string, strategy Strategy, resolver Resolver, choice Choice) (*ConflictResolution, error) {
	detectStart := time.Now()
	snap, err := e.detector.Inspect(ctx, id)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordDetection(len(snap.Conflicts), time.Since(detectStart))
	if e.hooks.OnDetected != nil {
		e.hooks.OnDetected(ctx, id, snap.Conflicts)
	}

	main := snap.Main
	if len(snap.Alternates) == 0 && len(snap.Conflicts) == 0 {
		reasons := []string{"no conflicts"}
		if len(snap.Skipped) > 0 {
			reasons = []string{fmt.Sprintf("%d conflicting revision(s) unreachable, left for a later pass", len(snap.Skipped))}
		}
		return &ConflictResolution{
			DocumentID:       id,
			Resolution:       ResolutionLocal,
			ResolvedDocument: main.Clone().StripConflicts(),
			ResolvedRevision: main.Revision,
			Strategy:         strategy,
			Reasons:          reasons,
		}, nil
	}

	plan, err := resolver.Resolve(ctx, Input{
		Main:       main,
		Alternates: snap.Alternates,
		Conflicts:  snap.Conflicts,
		Choice:     choice,
	})
	if err != nil {
		return nil, err
	}
	if plan.Strategy == "" {
		plan.Strategy = strategy
	}

	if plan.Resolution == ResolutionManual {
		e.logger.InfoContext(ctx, "document escalated for manual review",
			slog.String("document_id", id),
			slog.Int("conflicts", len(snap.Conflicts)),
		)
		return &ConflictResolution{
			DocumentID:       id,
			Resolution:       ResolutionManual,
			ResolvedDocument: main.Clone(),
			ResolvedRevision: main.Revision,
			Strategy:         plan.Strategy,
			Reasons:          plan.Reasons,
			Conflicts:        snap.Conflicts,
		}, nil
	}

	winner := plan.Winner.Clone().StripConflicts()
	winner.ID = id
	winner.Revision = plan.Parent
	rev, err := e.insert(ctx, winner)
	if err != nil {
		kind := errors.KindStoreUnavailable
		if errors.Is(err, errors.ErrConflict) {
			kind = errors.KindOther
		}
		return nil, errors.E(errors.OpPersist, errors.Component("engine"), kind, err)
	}
	winner.Revision = rev

	for _, loser := range plan.Losers {
		if loser == plan.Parent || loser == "" {
			continue
		}
		e.destroy(ctx, id, loser)
	}

	return &ConflictResolution{
		DocumentID:        id,
		Resolution:        plan.Resolution,
		ResolvedDocument:  winner,
		ResolvedRevision:  rev,
		ConflictsResolved: plan.ConflictsResolved,
		Strategy:          plan.Strategy,
		Reasons:           plan.Reasons,
	}, nil
}

func (e *Engine) insert(ctx context.Context, doc *document.Document) (string, error) {
	ctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()
	return e.store.Insert(ctx, doc)
}

// destroy removes one losing revision. A revision that is already gone
// counts as destroyed; any other failure is logged and swallowed.
func (e *Engine) destroy(ctx context.Context, id, rev string) {
	dctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()
	err := e.store.Destroy(dctx, id, rev)
	if err == nil || errors.IsNotFound(err) {
		return
	}
	cerr := errors.NewCleanupError(err).
		WithMetadata("document_id", id).
		WithMetadata("revision", rev)
	e.logger.LogWarn(ctx, cerr, "failed to destroy losing revision",
		slog.String("document_id", id),
		slog.String("revision", rev),
	)
	e.metrics.RecordCleanupFailure()
	if e.hooks.OnCleanupFailure != nil {
		e.hooks.OnCleanupFailure(ctx, id, rev, cerr)
	}
}

func (e *Engine) fail(ctx context.Context, id string, strategy Strategy, err error) {
	e.metrics.RecordResolutionError(strategy, string(errors.KindOf(err)))
	e.logger.LogError(ctx, err, "resolution failed",
		slog.String("document_id", id),
		slog.String("strategy", string(strategy)),
	)
	if e.hooks.OnError != nil {
		e.hooks.OnError(ctx, id, err)
	}
}
