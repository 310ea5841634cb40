package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/recalld/internal/session"

// Metrics holds session lifecycle metrics.
type Metrics struct {
	meter      metric.Meter
	logger     *zap.Logger
	active     metric.Int64UpDownCounter
	created    metric.Int64Counter
	evicted    metric.Int64Counter
	stored     metric.Int64Counter
	retrievals metric.Int64Counter
}

func newMetrics(logger *zap.Logger) *Metrics {
	m := &Metrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.active, err = m.meter.Int64UpDownCounter(
		"recalld.sessions.active",
		metric.WithDescription("Number of live in-process sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		m.logger.Warn("failed to create active counter", zap.Error(err))
	}

	m.created, err = m.meter.Int64Counter(
		"recalld.sessions.created_total",
		metric.WithDescription("Total sessions created"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		m.logger.Warn("failed to create created counter", zap.Error(err))
	}

	m.evicted, err = m.meter.Int64Counter(
		"recalld.sessions.evicted_total",
		metric.WithDescription("Total sessions evicted, by reason (expired, deleted)"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		m.logger.Warn("failed to create evicted counter", zap.Error(err))
	}

	m.stored, err = m.meter.Int64Counter(
		"recalld.documents.stored_total",
		metric.WithDescription("Total chunks appended to session indices"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		m.logger.Warn("failed to create stored counter", zap.Error(err))
	}

	m.retrievals, err = m.meter.Int64Counter(
		"recalld.retrievals_total",
		metric.WithDescription("Total retrieval queries served"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		m.logger.Warn("failed to create retrievals counter", zap.Error(err))
	}
}

// RecordCreated records one session creation.
func (m *Metrics) RecordCreated(ctx context.Context) {
	if m.created != nil {
		m.created.Add(ctx, 1)
	}
	if m.active != nil {
		m.active.Add(ctx, 1)
	}
}

// RecordEvicted records one eviction with its reason.
func (m *Metrics) RecordEvicted(ctx context.Context, reason string) {
	if m.evicted != nil {
		m.evicted.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	if m.active != nil {
		m.active.Add(ctx, -1)
	}
}

// RecordStored records chunks appended by one store call.
func (m *Metrics) RecordStored(ctx context.Context, chunks int) {
	if m.stored != nil {
		m.stored.Add(ctx, int64(chunks))
	}
}

// RecordRetrieval records one retrieval and its result count.
func (m *Metrics) RecordRetrieval(ctx context.Context, results int) {
	if m.retrievals != nil {
		m.retrievals.Add(ctx, 1, metric.WithAttributes(attribute.Int("results", results)))
	}
}
