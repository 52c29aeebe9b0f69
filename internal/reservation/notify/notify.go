// Package notify delivers reservation lifecycle events to the outside world.
//
// Delivery is best effort: the lifecycle service and the sweeper log a
// notifier error and carry on, so drivers return errors rather than retry.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	platformmetrics "spacebook/internal/platform/metrics"
	"spacebook/internal/reservation/models"
	"spacebook/pkg/platform/circuit"
)

type Notifier interface {
	Notify(ctx context.Context, event models.Event) error
}

// Log writes each event as a structured log line.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, event models.Event) error {
	l.logger.InfoContext(ctx, "reservation event",
		"event", string(event.Kind),
		"reservation_id", event.ReservationID,
		"space_id", event.SpaceID,
		"holder_id", event.HolderID,
		"status", event.Status,
		"start", event.Window.Start,
		"end", event.Window.End,
		"reason", event.Reason,
		"occurred_at", event.OccurredAt,
	)
	return nil
}

// Guarded sends events to a primary driver and diverts them to a fallback
// once the primary has failed often enough to open its circuit.
type Guarded struct {
	name     string
	primary  Notifier
	fallback Notifier
	breaker  *circuit.Breaker
	logger   *slog.Logger
	metrics  *platformmetrics.Metrics
}

type GuardedOption func(*Guarded)

func WithLogger(logger *slog.Logger) GuardedOption {
	return func(g *Guarded) {
		g.logger = logger
	}
}

func WithMetrics(m *platformmetrics.Metrics) GuardedOption {
	return func(g *Guarded) {
		g.metrics = m
	}
}

func WithFailureThreshold(n int) GuardedOption {
	return func(g *Guarded) {
		g.breaker = circuit.New(g.name, circuit.WithFailureThreshold(n))
	}
}

func NewGuarded(name string, primary, fallback Notifier, opts ...GuardedOption) *Guarded {
	g := &Guarded{
		name:     name,
		primary:  primary,
		fallback: fallback,
		breaker:  circuit.New(name),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return g
}

// Notify always tries the primary. While the circuit is open a failed event
// still reaches the fallback, and a success counts toward closing it.
func (g *Guarded) Notify(ctx context.Context, event models.Event) error {
	err := g.primary.Notify(ctx, event)
	if err == nil {
		g.metrics.IncNotification(g.name, "ok")
		if _, change := g.breaker.RecordSuccess(); change.Closed {
			g.metrics.SetCircuitOpen(g.name, false)
			g.logger.InfoContext(ctx, "notifier recovered", "driver", g.name)
		}
		return nil
	}

	g.metrics.IncNotification(g.name, "error")
	useFallback, change := g.breaker.RecordFailure()
	if change.Opened {
		g.metrics.SetCircuitOpen(g.name, true)
		g.logger.WarnContext(ctx, "notifier circuit opened, diverting events to fallback",
			"driver", g.name,
			"error", err,
		)
	}
	if !useFallback || g.fallback == nil {
		return err
	}
	g.metrics.IncNotification(g.name, "fallback")
	return g.fallback.Notify(ctx, event)
}

func encode(event models.Event) ([]byte, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", event.Kind, err)
	}
	return body, nil
}
