package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "synchub"

// Metrics holds all SyncHub metric instruments.
type Metrics struct {
	EventsPublished        metric.Int64Counter
	EventsRejected         metric.Int64Counter
	BridgeReceived         metric.Int64Counter
	EchoesSuppressed       metric.Int64Counter
	NotificationsDelivered metric.Int64Counter
	ConnectionsEvicted     metric.Int64Counter
	BatchSize              metric.Int64Histogram
	DeliveryFailures       metric.Int64Counter

	meter metric.Meter
}

// NewMetrics creates all instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates all instruments on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	m.EventsPublished, err = meter.Int64Counter("synchub.events.published",
		metric.WithDescription("Events accepted by the local engine"))
	if err != nil {
		return nil, err
	}

	m.EventsRejected, err = meter.Int64Counter("synchub.events.rejected",
		metric.WithDescription("Events refused because the queue was full"))
	if err != nil {
		return nil, err
	}

	m.BridgeReceived, err = meter.Int64Counter("synchub.bridge.received",
		metric.WithDescription("Events received from other processes"))
	if err != nil {
		return nil, err
	}

	m.EchoesSuppressed, err = meter.Int64Counter("synchub.bridge.echoes_suppressed",
		metric.WithDescription("Bridge messages dropped because this process published them"))
	if err != nil {
		return nil, err
	}

	m.NotificationsDelivered, err = meter.Int64Counter("synchub.notifications.delivered",
		metric.WithDescription("Socket writes of notifications"))
	if err != nil {
		return nil, err
	}

	m.ConnectionsEvicted, err = meter.Int64Counter("synchub.connections.evicted",
		metric.WithDescription("Connections removed by the heartbeat sweep"))
	if err != nil {
		return nil, err
	}

	m.BatchSize, err = meter.Int64Histogram("synchub.batch.size",
		metric.WithDescription("Events drained per batch tick"))
	if err != nil {
		return nil, err
	}

	m.DeliveryFailures, err = meter.Int64Counter("synchub.delivery.failures",
		metric.WithDescription("External notifier failures"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ObserveGauge registers an observable gauge reporting fn on every
// collection, e.g. the live connection count.
func (m *Metrics) ObserveGauge(name, description string, fn func() int64) error {
	_, err := m.meter.Int64ObservableGauge(name,
		metric.WithDescription(description),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(fn())
			return nil
		}),
	)
	return err
}
