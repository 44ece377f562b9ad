package conflictkit

import "time"

// MetricsCollector provides hooks for collecting detection and resolution metrics
type MetricsCollector interface {
	// RecordDetection records how many conflicts one detection found and how long it took
	RecordDetection(conflicts int, duration time.Duration)

	// RecordResolution records a completed resolution
	RecordResolution(strategy Strategy, resolution Resolution, conflictsResolved int, duration time.Duration)

	// RecordResolutionError records a failed resolution by error kind
	RecordResolutionError(strategy Strategy, kind string)

	// RecordCleanupFailure records a losing revision that could not be destroyed
	RecordCleanupFailure()

	// RecordScan records a completed scan
	RecordScan(documents, conflicts int, duration time.Duration)
}

// NoOpMetricsCollector is a default implementation that does nothing
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordDetection(conflicts int, duration time.Duration) {}
func (n *NoOpMetricsCollector) RecordResolution(strategy Strategy, resolution Resolution, conflictsResolved int, duration time.Duration) {
}
func (n *NoOpMetricsCollector) RecordResolutionError(strategy Strategy, kind string)        {}
func (n *NoOpMetricsCollector) RecordCleanupFailure()                                       {}
func (n *NoOpMetricsCollector) RecordScan(documents, conflicts int, duration time.Duration) {}
