// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the bus.
type Metrics struct {
	meter metric.Meter

	// Counters
	messagesSent   metric.Int64Counter
	messagesRead   metric.Int64Counter
	bytesAppended  metric.Int64Counter
	acksTotal      metric.Int64Counter
	ackRetries     metric.Int64Counter
	deadLettered   metric.Int64Counter
	wakesRaised    metric.Int64Counter
	compactions    metric.Int64Counter
	compactedBytes metric.Int64Counter
	errorsTotal    metric.Int64Counter

	// Histograms
	messageSize     metric.Int64Histogram
	sendDuration    metric.Float64Histogram
	readDuration    metric.Float64Histogram
	compactDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("filemq-bus"),
	}

	var err error

	m.messagesSent, err = m.meter.Int64Counter(
		"bus.messages.sent.total",
		metric.WithDescription("Total messages appended to the log"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesSent counter: %w", err)
	}

	m.messagesRead, err = m.meter.Int64Counter(
		"bus.messages.read.total",
		metric.WithDescription("Total messages returned to consumers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesRead counter: %w", err)
	}

	m.bytesAppended, err = m.meter.Int64Counter(
		"bus.bytes.appended.total",
		metric.WithDescription("Total bytes appended to the log"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesAppended counter: %w", err)
	}

	m.acksTotal, err = m.meter.Int64Counter(
		"bus.acks.total",
		metric.WithDescription("Total message IDs acknowledged"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create acksTotal counter: %w", err)
	}

	m.ackRetries, err = m.meter.Int64Counter(
		"bus.ack.retries.total",
		metric.WithDescription("Total ack deadline retries"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ackRetries counter: %w", err)
	}

	m.deadLettered, err = m.meter.Int64Counter(
		"bus.dlq.moved.total",
		metric.WithDescription("Total messages moved to the dead letter queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deadLettered counter: %w", err)
	}

	m.wakesRaised, err = m.meter.Int64Counter(
		"bus.wakes.raised.total",
		metric.WithDescription("Total wake markers raised"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create wakesRaised counter: %w", err)
	}

	m.compactions, err = m.meter.Int64Counter(
		"bus.compactions.total",
		metric.WithDescription("Total compaction attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create compactions counter: %w", err)
	}

	m.compactedBytes, err = m.meter.Int64Counter(
		"bus.compacted.bytes.total",
		metric.WithDescription("Total bytes removed from the log by compaction"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create compactedBytes counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"bus.errors.total",
		metric.WithDescription("Total errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.messageSize, err = m.meter.Int64Histogram(
		"bus.message.size.bytes",
		metric.WithDescription("Serialized message size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.sendDuration, err = m.meter.Float64Histogram(
		"bus.send.duration.ms",
		metric.WithDescription("Send processing duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sendDuration histogram: %w", err)
	}

	m.readDuration, err = m.meter.Float64Histogram(
		"bus.read.duration.ms",
		metric.WithDescription("Read processing duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create readDuration histogram: %w", err)
	}

	m.compactDuration, err = m.meter.Float64Histogram(
		"bus.compact.duration.ms",
		metric.WithDescription("Compaction duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create compactDuration histogram: %w", err)
	}

	return m, nil
}

// RecordSend records one appended message.
func (m *Metrics) RecordSend(msgType MessageType, priority Priority, sizeBytes int64, durationMs float64) {
	ctx := context.Background()
	m.messagesSent.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(msgType)),
		attribute.String("priority", string(priority)),
	))
	m.bytesAppended.Add(ctx, sizeBytes)
	m.messageSize.Record(ctx, sizeBytes)
	m.sendDuration.Record(ctx, durationMs)
}

// RecordRead records one read batch.
func (m *Metrics) RecordRead(messages int, durationMs float64) {
	ctx := context.Background()
	m.messagesRead.Add(ctx, int64(messages))
	m.readDuration.Record(ctx, durationMs)
}

// RecordAck records acknowledged message IDs.
func (m *Metrics) RecordAck(count int) {
	m.acksTotal.Add(context.Background(), int64(count))
}

// RecordSweep records the outcome of an ack timeout sweep.
func (m *Metrics) RecordSweep(result SweepResult) {
	ctx := context.Background()
	if result.Retried > 0 {
		m.ackRetries.Add(ctx, int64(result.Retried))
	}
	if result.DeadLettered > 0 {
		m.deadLettered.Add(ctx, int64(result.DeadLettered))
	}
}

// RecordWake records a raised wake marker.
func (m *Metrics) RecordWake() {
	m.wakesRaised.Add(context.Background(), 1)
}

// RecordDeadLettered records messages moved to the DLQ outside a sweep.
func (m *Metrics) RecordDeadLettered(count int) {
	m.deadLettered.Add(context.Background(), int64(count))
}

// RecordCompaction records a finished compaction.
func (m *Metrics) RecordCompaction(removedBytes int64, durationMs float64) {
	ctx := context.Background()
	m.compactions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", "ok"),
	))
	m.compactedBytes.Add(ctx, removedBytes)
	m.compactDuration.Record(ctx, durationMs)
}

// RecordCompactionSkipped records a compaction that did not run.
func (m *Metrics) RecordCompactionSkipped(reason string) {
	m.compactions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("outcome", "skipped"),
		attribute.String("reason", reason),
	))
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}
