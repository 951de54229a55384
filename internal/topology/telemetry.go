package topology

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("hwtopo.topology")
	meter  = otel.Meter("hwtopo.topology")
)

var (
	buildLatency  metric.Float64Histogram
	commitLatency metric.Float64Histogram
	commitTotal   metric.Int64Counter
	objectCount   metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		buildLatency, err = meter.Float64Histogram(
			"topology_build_duration_seconds",
			metric.WithDescription("Duration of topology builds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		commitLatency, err = meter.Float64Histogram(
			"topology_commit_duration_seconds",
			metric.WithDescription("Duration of editor commits including validation"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		commitTotal, err = meter.Int64Counter(
			"topology_commit_total",
			metric.WithDescription("Editor sessions closed, by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		objectCount, err = meter.Int64Histogram(
			"topology_objects",
			metric.WithDescription("Objects in the tree after a build or commit"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordBuild(ctx context.Context, d time.Duration, objects int, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	buildLatency.Record(ctx, d.Seconds(), attrs)
	if success {
		objectCount.Record(ctx, int64(objects))
	}
}

func recordCommit(ctx context.Context, d time.Duration, objects int, outcome string) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	commitTotal.Add(ctx, 1, attrs)
	if outcome == "committed" {
		commitLatency.Record(ctx, d.Seconds())
		objectCount.Record(ctx, int64(objects))
	}
}

func startBuildSpan(ctx context.Context, facts int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "topology.Build",
		trace.WithAttributes(attribute.Int("topology.fact_count", facts)),
	)
}

func startCommitSpan(ctx context.Context, generation uint64, ops int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Editor.Commit",
		trace.WithAttributes(
			attribute.Int64("topology.generation", int64(generation)),
			attribute.Int("topology.edit_ops", ops),
		),
	)
}
