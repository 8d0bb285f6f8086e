package coordinator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-sous/internal/history"
	"github.com/loqalabs/loqa-sous/internal/session"
)

// metrics is nil-safe: a coordinator whose meter failed keeps working
// without instruments.
type metrics struct {
	acquisitions metric.Int64Counter
	recoveries   metric.Int64Counter
	turns        metric.Int64Counter
	state        metric.Int64ObservableGauge
}

func newMetrics(meter metric.Meter, state func() session.State) (*metrics, error) {
	acquisitions, err := meter.Int64Counter("sous.voice.acquisitions", metric.WithDescription("Voice start attempts by outcome"))
	if err != nil {
		return nil, err
	}
	recoveries, err := meter.Int64Counter("sous.voice.recoveries", metric.WithDescription("Silent voice engine reinitializations"))
	if err != nil {
		return nil, err
	}
	turns, err := meter.Int64Counter("sous.history.turns", metric.WithDescription("Conversation turns appended by role"))
	if err != nil {
		return nil, err
	}
	gauge, err := meter.Int64ObservableGauge("sous.voice.state", metric.WithDescription("Current voice session state (0 idle, 1 starting, 2 active, 3 stopping, 4 error)"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(state()))
		return nil
	}, gauge)
	if err != nil {
		return nil, err
	}
	return &metrics{
		acquisitions: acquisitions,
		recoveries:   recoveries,
		turns:        turns,
		state:        gauge,
	}, nil
}

func (m *metrics) acquisition(outcome session.Outcome) {
	if m == nil {
		return
	}
	m.acquisitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome.String())))
}

func (m *metrics) recovered(kind session.FailureKind) {
	if m == nil {
		return
	}
	m.recoveries.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind.String())))
}

func (m *metrics) turn(role history.Role) {
	if m == nil {
		return
	}
	m.turns.Add(context.Background(), 1, metric.WithAttributes(attribute.String("role", string(role))))
}
