package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("analysis-metrics")

// AnalysisMetrics provides metrics collection for analysis jobs and the
// progress stream that feeds them.
type AnalysisMetrics struct {
	analysesCreatedCounter   metric.Int64Counter
	analysesCompletedCounter metric.Int64Counter
	analysesFailedCounter    metric.Int64Counter
	analysisDurationHist     metric.Float64Histogram
	analysesActiveGauge      metric.Int64UpDownCounter
	eventsReceivedCounter    metric.Int64Counter
	streamReconnectsCounter  metric.Int64Counter
}

// NewAnalysisMetrics creates a new analysis metrics collector.
func NewAnalysisMetrics() (*AnalysisMetrics, error) {
	analysesCreatedCounter, err := meter.Int64Counter(
		"repolens.analyses.created",
		metric.WithDescription("Total number of analysis jobs submitted"),
		metric.WithUnit("{analysis}"),
	)
	if err != nil {
		return nil, err
	}

	analysesCompletedCounter, err := meter.Int64Counter(
		"repolens.analyses.completed",
		metric.WithDescription("Total number of analyses that completed successfully"),
		metric.WithUnit("{analysis}"),
	)
	if err != nil {
		return nil, err
	}

	analysesFailedCounter, err := meter.Int64Counter(
		"repolens.analyses.failed",
		metric.WithDescription("Total number of analyses that failed"),
		metric.WithUnit("{analysis}"),
	)
	if err != nil {
		return nil, err
	}

	analysisDurationHist, err := meter.Float64Histogram(
		"repolens.analysis.duration",
		metric.WithDescription("Duration from submission to terminal status in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	analysesActiveGauge, err := meter.Int64UpDownCounter(
		"repolens.analyses.active",
		metric.WithDescription("Number of analyses currently in flight"),
		metric.WithUnit("{analysis}"),
	)
	if err != nil {
		return nil, err
	}

	eventsReceivedCounter, err := meter.Int64Counter(
		"repolens.stream.events_received",
		metric.WithDescription("Total number of progress events committed to the store"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	streamReconnectsCounter, err := meter.Int64Counter(
		"repolens.stream.reconnects",
		metric.WithDescription("Total number of stream reconnect attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	return &AnalysisMetrics{
		analysesCreatedCounter:   analysesCreatedCounter,
		analysesCompletedCounter: analysesCompletedCounter,
		analysesFailedCounter:    analysesFailedCounter,
		analysisDurationHist:     analysisDurationHist,
		analysesActiveGauge:      analysesActiveGauge,
		eventsReceivedCounter:    eventsReceivedCounter,
		streamReconnectsCounter:  streamReconnectsCounter,
	}, nil
}

// RecordAnalysisCreated records a new job submission.
func (am *AnalysisMetrics) RecordAnalysisCreated(ctx context.Context, analysisID, audience string) {
	am.analysesCreatedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("analysis.id", analysisID),
			attribute.String("audience", audience),
		),
	)
	am.analysesActiveGauge.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("audience", audience),
		),
	)
}

// RecordAnalysisCompleted records a successful terminal status.
func (am *AnalysisMetrics) RecordAnalysisCompleted(ctx context.Context, analysisID, audience string, duration time.Duration) {
	am.analysesCompletedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("analysis.id", analysisID),
			attribute.String("audience", audience),
			attribute.String("status", "completed"),
		),
	)
	am.analysisDurationHist.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("audience", audience),
			attribute.String("status", "completed"),
		),
	)
	am.analysesActiveGauge.Add(ctx, -1,
		metric.WithAttributes(
			attribute.String("audience", audience),
		),
	)
}

// RecordAnalysisFailed records a failed terminal status.
func (am *AnalysisMetrics) RecordAnalysisFailed(ctx context.Context, analysisID, audience string, duration time.Duration) {
	am.analysesFailedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("analysis.id", analysisID),
			attribute.String("audience", audience),
			attribute.String("status", "failed"),
		),
	)
	am.analysisDurationHist.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("audience", audience),
			attribute.String("status", "failed"),
		),
	)
	am.analysesActiveGauge.Add(ctx, -1,
		metric.WithAttributes(
			attribute.String("audience", audience),
		),
	)
}

// RecordEventReceived records one committed progress event.
func (am *AnalysisMetrics) RecordEventReceived(ctx context.Context, stage string) {
	am.eventsReceivedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
		),
	)
}

// RecordStreamReconnect records one reconnect attempt.
func (am *AnalysisMetrics) RecordStreamReconnect(ctx context.Context, analysisID string, attempt int) {
	am.streamReconnectsCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("analysis.id", analysisID),
			attribute.Int("attempt", attempt),
		),
	)
}
