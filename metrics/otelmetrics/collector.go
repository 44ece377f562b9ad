// Package otelmetrics exports conflict detection and resolution metrics
// through OpenTelemetry.
package otelmetrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/c0deZ3R0/go-conflict-kit/conflictkit"
)

const instrumentationName = "github.com/c0deZ3R0/go-conflict-kit"

const (
	detectionsCounterName        = "conflictkit.detections"
	detectionDurationName        = "conflictkit.detection.duration"
	conflictsDetectedCounterName = "conflictkit.conflicts.detected"
	resolutionsCounterName       = "conflictkit.resolutions"
	resolutionDurationName       = "conflictkit.resolution.duration"
	conflictsResolvedCounterName = "conflictkit.conflicts.resolved"
	resolutionErrorsCounterName  = "conflictkit.resolution.errors"
	cleanupFailuresCounterName   = "conflictkit.cleanup.failures"
	scannedDocumentsCounterName  = "conflictkit.scan.documents"
	scanConflictedCounterName    = "conflictkit.scan.conflicted"
	scanDurationName             = "conflictkit.scan.duration"
)

// Attribute keys.
const (
	StrategyKey   = attribute.Key("strategy")
	ResolutionKey = attribute.Key("resolution")
	ErrorKindKey  = attribute.Key("error.kind")
)

// Collector implements conflictkit.MetricsCollector with OpenTelemetry
// counters and histograms. Durations are recorded in milliseconds.
type Collector struct {
	Detections         metric.Int64Counter
	DetectionDuration  metric.Float64Histogram
	ConflictsDetected  metric.Int64Counter
	Resolutions        metric.Int64Counter
	ResolutionDuration metric.Float64Histogram
	ConflictsResolved  metric.Int64Counter
	ResolutionErrors   metric.Int64Counter
	CleanupFailures    metric.Int64Counter
	ScannedDocuments   metric.Int64Counter
	ScanConflicted     metric.Int64Counter
	ScanDuration       metric.Float64Histogram
}

var _ conflictkit.MetricsCollector = (*Collector)(nil)

// New creates the instruments on meter. A nil meter uses the global meter
// provider.
func New(meter metric.Meter) (*Collector, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	c := new(Collector)
	var err error

	if c.Detections, err = meter.Int64Counter(detectionsCounterName,
		metric.WithDescription("The total number of conflict detections")); err != nil {
		return nil, fmt.Errorf("failed to create detections instrument, %v", err)
	}
	if c.DetectionDuration, err = meter.Float64Histogram(detectionDurationName,
		metric.WithDescription("The latency of conflict detection in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("failed to create detection latency instrument, %v", err)
	}
	if c.ConflictsDetected, err = meter.Int64Counter(conflictsDetectedCounterName,
		metric.WithDescription("The total number of field conflicts found by detection")); err != nil {
		return nil, fmt.Errorf("failed to create conflicts detected instrument, %v", err)
	}
	if c.Resolutions, err = meter.Int64Counter(resolutionsCounterName,
		metric.WithDescription("The total number of completed resolutions")); err != nil {
		return nil, fmt.Errorf("failed to create resolutions instrument, %v", err)
	}
	if c.ResolutionDuration, err = meter.Float64Histogram(resolutionDurationName,
		metric.WithDescription("The latency of resolution in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("failed to create resolution latency instrument, %v", err)
	}
	if c.ConflictsResolved, err = meter.Int64Counter(conflictsResolvedCounterName,
		metric.WithDescription("The total number of conflicts settled by resolutions")); err != nil {
		return nil, fmt.Errorf("failed to create conflicts resolved instrument, %v", err)
	}
	if c.ResolutionErrors, err = meter.Int64Counter(resolutionErrorsCounterName,
		metric.WithDescription("The total number of failed resolutions")); err != nil {
		return nil, fmt.Errorf("failed to create resolution errors instrument, %v", err)
	}
	if c.CleanupFailures, err = meter.Int64Counter(cleanupFailuresCounterName,
		metric.WithDescription("The total number of losing revisions that could not be destroyed")); err != nil {
		return nil, fmt.Errorf("failed to create cleanup failures instrument, %v", err)
	}
	if c.ScannedDocuments, err = meter.Int64Counter(scannedDocumentsCounterName,
		metric.WithDescription("The total number of documents visited by scans")); err != nil {
		return nil, fmt.Errorf("failed to create scanned documents instrument, %v", err)
	}
	if c.ScanConflicted, err = meter.Int64Counter(scanConflictedCounterName,
		metric.WithDescription("The total number of conflicted documents found by scans")); err != nil {
		return nil, fmt.Errorf("failed to create scan conflicted instrument, %v", err)
	}
	if c.ScanDuration, err = meter.Float64Histogram(scanDurationName,
		metric.WithDescription("The latency of full scans in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("failed to create scan latency instrument, %v", err)
	}
	return c, nil
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func (c *Collector) RecordDetection(conflicts int, duration time.Duration) {
	ctx := context.Background()
	c.Detections.Add(ctx, 1)
	c.ConflictsDetected.Add(ctx, int64(conflicts))
	c.DetectionDuration.Record(ctx, ms(duration))
}

func (c *Collector) RecordResolution(strategy conflictkit.Strategy, resolution conflictkit.Resolution, conflictsResolved int, duration time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(StrategyKey.String(strategy.String()), ResolutionKey.String(string(resolution)))
	c.Resolutions.Add(ctx, 1, attrs)
	c.ConflictsResolved.Add(ctx, int64(conflictsResolved), attrs)
	c.ResolutionDuration.Record(ctx, ms(duration), attrs)
}

func (c *Collector) RecordResolutionError(strategy conflictkit.Strategy, kind string) {
	c.ResolutionErrors.Add(context.Background(), 1,
		metric.WithAttributes(StrategyKey.String(strategy.String()), ErrorKindKey.String(kind)))
}

func (c *Collector) RecordCleanupFailure() {
	c.CleanupFailures.Add(context.Background(), 1)
}

func (c *Collector) RecordScan(documents, conflicts int, duration time.Duration) {
	ctx := context.Background()
	c.ScannedDocuments.Add(ctx, int64(documents))
	c.ScanConflicted.Add(ctx, int64(conflicts))
	c.ScanDuration.Record(ctx, ms(duration))
}
