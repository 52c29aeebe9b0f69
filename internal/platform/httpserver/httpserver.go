package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"spacebook/internal/platform/metrics"
	dErrors "spacebook/pkg/domain-errors"
	"spacebook/pkg/platform/httputil"
)

const probeTimeout = 2 * time.Second

// New builds an HTTP server with the project's timeouts.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Check probes one dependency for /readyz.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

type OpsOption func(*opsRouter)

func WithLogger(logger *slog.Logger) OpsOption {
	return func(o *opsRouter) {
		o.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) OpsOption {
	return func(o *opsRouter) {
		o.metrics = m
	}
}

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) OpsOption {
	return func(o *opsRouter) {
		o.gatherer = g
	}
}

type opsRouter struct {
	checks   []Check
	logger   *slog.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
}

// NewOpsRouter serves /healthz, /readyz and /metrics.
func NewOpsRouter(checks []Check, opts ...OpsOption) http.Handler {
	o := &opsRouter{checks: checks, gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/healthz", o.handleHealth)
	r.Get("/readyz", o.handleReady)
	r.Handle("/metrics", promhttp.HandlerFor(o.gatherer, promhttp.HandlerOpts{}))
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "route not found"))
	})
	return r
}

func (o *opsRouter) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, readiness{Status: "ok"})
}

func (o *opsRouter) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	results := make([]error, len(o.checks))
	var g errgroup.Group
	for i, check := range o.checks {
		g.Go(func() error {
			results[i] = check.Probe(ctx)
			return nil
		})
	}
	_ = g.Wait()

	body := readiness{Status: "ok", Checks: make(map[string]string, len(o.checks))}
	status := http.StatusOK
	for i, check := range o.checks {
		o.metrics.ObserveReadiness(check.Name, results[i])
		if results[i] != nil {
			o.logger.WarnContext(ctx, "readiness probe failed", "dependency", check.Name, "error", results[i])
			body.Checks[check.Name] = "unavailable"
			body.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		body.Checks[check.Name] = "ok"
	}
	httputil.WriteJSON(w, status, body)
}
