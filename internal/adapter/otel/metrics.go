package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "crowdgate"

// Metrics holds all CrowdGate metric instruments.
type Metrics struct {
	TasksPublished    metric.Int64Counter
	TasksUnpublished  metric.Int64Counter
	PublishFailures   metric.Int64Counter
	Compensations     metric.Int64Counter
	Finalizations     metric.Int64Counter
	StuckPlatforms    metric.Int64Counter
	PublishDuration   metric.Float64Histogram
	ShutdownDuration  metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksPublished, err = meter.Int64Counter("crowdgate.tasks.published",
		metric.WithDescription("Number of tasks published to platforms"))
	if err != nil {
		return nil, err
	}

	m.TasksUnpublished, err = meter.Int64Counter("crowdgate.tasks.unpublished",
		metric.WithDescription("Number of tasks taken down"))
	if err != nil {
		return nil, err
	}

	m.PublishFailures, err = meter.Int64Counter("crowdgate.publish.failures",
		metric.WithDescription("Number of failed publish attempts"))
	if err != nil {
		return nil, err
	}

	m.Compensations, err = meter.Int64Counter("crowdgate.publish.compensations",
		metric.WithDescription("Number of rollbacks after a partial publish"))
	if err != nil {
		return nil, err
	}

	m.Finalizations, err = meter.Int64Counter("crowdgate.experiments.finalized",
		metric.WithDescription("Number of experiments finalized after cooldown"))
	if err != nil {
		return nil, err
	}

	m.StuckPlatforms, err = meter.Int64Counter("crowdgate.platforms.stuck",
		metric.WithDescription("Number of platform teardowns needing operator attention"))
	if err != nil {
		return nil, err
	}

	m.PublishDuration, err = meter.Float64Histogram("crowdgate.publish.duration_seconds",
		metric.WithDescription("Duration of a single platform publish"))
	if err != nil {
		return nil, err
	}

	m.ShutdownDuration, err = meter.Float64Histogram("crowdgate.shutdown.duration_seconds",
		metric.WithDescription("Duration from end request to all platforms unpublished"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
