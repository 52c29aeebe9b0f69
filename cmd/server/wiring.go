package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"spacebook/internal/platform/config"
	"spacebook/internal/platform/httpserver"
	platformkafka "spacebook/internal/platform/kafka"
	platformmetrics "spacebook/internal/platform/metrics"
	"spacebook/internal/platform/postgres"
	"spacebook/internal/platform/redis"
	"spacebook/internal/reservation/metrics"
	"spacebook/internal/reservation/notify"
	"spacebook/internal/reservation/service"
	"spacebook/internal/reservation/statemachine"
	"spacebook/internal/reservation/store"
	"spacebook/internal/reservation/store/migrations"
	"spacebook/internal/reservation/sweeper"
	"spacebook/internal/reservation/token"
)

// reservationStore is what both the lifecycle service and the sweeper need.
type reservationStore interface {
	service.Store
	sweeper.Store
}

type app struct {
	service   *service.Service
	scheduler *sweeper.Scheduler
	ops       http.Handler
	closers   []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	platformMetrics := platformmetrics.New()
	reservationMetrics := metrics.New()
	var checks []httpserver.Check

	st, db, err := buildStore(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	if db != nil {
		a.closers = append(a.closers, func() { _ = db.Close() })
		checks = append(checks, httpserver.Check{Name: "postgres", Probe: db.PingContext})
	}

	rdb, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	if rdb != nil {
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		checks = append(checks, httpserver.Check{Name: "redis", Probe: rdb.Health})
	}

	notifier, notifierChecks, err := buildNotifier(ctx, a, cfg.Notifications, log, platformMetrics)
	if err != nil {
		return nil, err
	}
	checks = append(checks, notifierChecks...)

	policy, err := statemachine.ParseAttendancePolicy(cfg.Reservation.AttendancePolicy)
	if err != nil {
		return nil, err
	}
	tokens, err := token.New(cfg.Reservation.TokenSecret, token.WithIssuer(cfg.Reservation.TokenIssuer))
	if err != nil {
		return nil, err
	}
	a.service, err = service.New(st, tokens,
		service.WithLogger(log),
		service.WithNotifier(notifier),
		service.WithMetrics(reservationMetrics),
		service.WithMinCancellationNotice(cfg.Reservation.MinCancellationNotice),
		service.WithAttendanceGrace(cfg.Reservation.AttendanceGrace),
		service.WithAttendancePolicy(policy),
	)
	if err != nil {
		return nil, err
	}

	if cfg.Sweeper.Enabled {
		opts := []sweeper.Option{
			sweeper.WithLogger(log),
			sweeper.WithNotifier(notifier),
			sweeper.WithMetrics(reservationMetrics),
			sweeper.WithBatchSize(cfg.Sweeper.BatchSize),
		}
		if rdb != nil {
			lease := sweeper.NewRedisLease(rdb.Client,
				sweeper.WithLeaseKey(cfg.Sweeper.LeaseKey),
				sweeper.WithLeaseLogger(log),
			)
			opts = append(opts, sweeper.WithLease(lease, cfg.Sweeper.LeaseTTL))
		}
		sw, err := sweeper.New(st, a.service.Machine(), opts...)
		if err != nil {
			return nil, err
		}
		a.scheduler = sweeper.NewScheduler(sw, cfg.Sweeper.Interval, sweeper.WithSchedulerLogger(log))
	}

	a.ops = httpserver.NewOpsRouter(checks,
		httpserver.WithLogger(log),
		httpserver.WithMetrics(platformMetrics),
	)
	return a, nil
}

func buildStore(ctx context.Context, cfg config.Database, log *slog.Logger) (reservationStore, *sql.DB, error) {
	if !cfg.UsesSQL() {
		log.Warn("using in-memory reservation store; data is lost on restart")
		return store.NewInMemory(), nil, nil
	}
	db, err := postgres.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if cfg.MigrateOnStart {
		if err := migrations.Apply(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	log.Info("using postgres reservation store", "driver", cfg.Driver)
	return store.NewPostgres(db), db, nil
}

func buildNotifier(ctx context.Context, a *app, cfg config.Notifications, log *slog.Logger, m *platformmetrics.Metrics) (notify.Notifier, []httpserver.Check, error) {
	fallback := notify.NewLog(log)
	guard := func(name string, primary notify.Notifier) notify.Notifier {
		return notify.NewGuarded(name, primary, fallback,
			notify.WithLogger(log),
			notify.WithMetrics(m),
			notify.WithFailureThreshold(cfg.BreakerThreshold),
		)
	}

	switch cfg.Driver {
	case config.NotifierKafka:
		client, err := platformkafka.New(ctx, cfg.Kafka)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, client.Close)
		if err := platformkafka.EnsureTopic(ctx, client, cfg.Kafka); err != nil {
			return nil, nil, err
		}
		check := httpserver.Check{Name: "kafka", Probe: client.Ping}
		return guard(config.NotifierKafka, notify.NewKafka(client, cfg.Kafka.Topic)), []httpserver.Check{check}, nil
	case config.NotifierAMQP:
		publisher, err := notify.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func() { _ = publisher.Close() })
		return guard(config.NotifierAMQP, publisher), nil, nil
	default:
		return fallback, nil, nil
	}
}
