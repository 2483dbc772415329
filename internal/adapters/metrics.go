package adapters

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/h44z/identity-store/internal/domain"
)

// Store metrics labels
var (
	operationLabels = []string{"store", "operation"}
	resultLabels    = []string{"store", "operation", "result"}
)

// StoreMetrics records the outcome and latency of store operations. A nil *StoreMetrics records nothing.
type StoreMetrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewStoreMetrics registers the store collectors with the given registerer.
func NewStoreMetrics(reg prometheus.Registerer) *StoreMetrics {
	return &StoreMetrics{
		operations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_store_operations_total",
				Help: "Store operations by result.",
			}, resultLabels,
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "identity_store_operation_duration_seconds",
				Help:    "Duration of store operations.",
				Buckets: prometheus.DefBuckets,
			}, operationLabels,
		),
	}
}

func (m *StoreMetrics) observe(store, operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(store, operation, resultOf(err)).Inc()
	m.duration.WithLabelValues(store, operation).Observe(time.Since(start).Seconds())
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrTransactionState):
		return "transaction_state"
	case errors.Is(err, domain.ErrNotUnique):
		return "not_unique"
	default:
		return "error"
	}
}

// RegisterInventoryGauges exposes the number of accounts and roles. The values are read on every scrape.
func RegisterInventoryGauges(reg prometheus.Registerer, repo *SqlRepo) {
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "identity_store_accounts",
			Help: "Number of stored accounts.",
		}, func() float64 {
			return float64(repo.count(&domain.Account{}))
		},
	)
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "identity_store_roles",
			Help: "Number of stored roles.",
		}, func() float64 {
			return float64(repo.count(&domain.Role{}))
		},
	)
}

type MetricsServer struct {
	*http.Server
}

// NewMetricsServer returns a new prometheus server exposing the collectors of the given registry.
func NewMetricsServer(addr string, reg *prometheus.Registry) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return &MetricsServer{
		Server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Run starts the metrics server and blocks until the context is done.
func (m *MetricsServer) Run(ctx context.Context) {
	go func() {
		if err := m.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics service exited", "address", m.Addr, "error", err)
		}
	}()

	slog.Info("started metrics service", "address", m.Addr)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics service shutdown failed", "address", m.Addr, "error", err)
	} else {
		slog.Info("metrics service shutdown gracefully", "address", m.Addr)
	}
}
