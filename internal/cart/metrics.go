package cart

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "finitefield.org/storefront/internal/cart"

// Metrics records reconciliation outcomes. A nil *Metrics records nothing.
type Metrics struct {
	mutations metric.Int64Counter
	resyncs   metric.Int64Counter
}

// NewMetrics registers the cart instruments on meter, or on the global
// meter provider when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	mutations, err := meter.Int64Counter(
		"storefront.cart.mutations",
		metric.WithDescription("Optimistic cart mutations by operation and remote outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("cart: register mutations counter: %w", err)
	}
	resyncs, err := meter.Int64Counter(
		"storefront.cart.resyncs",
		metric.WithDescription("Full cart resyncs by trigger and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("cart: register resyncs counter: %w", err)
	}
	return &Metrics{mutations: mutations, resyncs: resyncs}, nil
}

func (m *Metrics) mutation(ctx context.Context, op string, err error) {
	if m == nil {
		return
	}
	m.mutations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome(err)),
	))
}

func (m *Metrics) resync(ctx context.Context, reason string, err error) {
	if m == nil {
		return
	}
	m.resyncs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.String("outcome", outcome(err)),
	))
}

func outcome(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}
