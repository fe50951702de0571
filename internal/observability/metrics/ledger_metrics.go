package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	StoreErrorReasonDeadlineExceeded     = "deadline_exceeded"
	StoreErrorReasonLockTimeout          = "db_lock_timeout"
	StoreErrorReasonSerializationFailure = "serialization_failure"
	StoreErrorReasonDeadlock             = "deadlock"
	StoreErrorReasonUniqueViolation      = "unique_violation"
	StoreErrorReasonUnknown              = "unknown"
)

const (
	LedgerOpDebit      = "debit"
	LedgerOpGrant      = "grant"
	LedgerOpSetBlocked = "set_blocked"
	LedgerOpEnsure     = "ensure_account"
)

// LedgerMetrics tracks the health of balance transactions.
type LedgerMetrics struct {
	txTotal     *prometheus.CounterVec
	txDuration  *prometheus.HistogramVec
	storeErrors *prometheus.CounterVec
	feedClients prometheus.Gauge
}

var (
	ledgerMetricsOnce sync.Once
	ledgerMetrics     *LedgerMetrics
)

// Ledger returns the process-wide ledger metrics registered on the default registry.
func Ledger() *LedgerMetrics {
	return LedgerWithConfig(Config{})
}

func LedgerWithConfig(cfg Config) *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerMetrics = newLedgerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return ledgerMetrics
}

func newLedgerMetrics(registerer prometheus.Registerer, cfg Config) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "applykit"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	txTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "applykit_ledger_transactions_total",
		Help:        "Balance transactions by operation and outcome.",
		ConstLabels: constLabels,
	}, []string{"op", "outcome"})
	txDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "applykit_ledger_transaction_duration_seconds",
		Help:        "Balance transaction latency.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		ConstLabels: constLabels,
	}, []string{"op"})
	storeErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "applykit_ledger_store_errors_total",
		Help:        "Balance store failures by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"op", "reason"})
	feedClients := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "applykit_balance_feed_subscribers",
		Help:        "Open live balance subscriptions.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(txTotal, txDuration, storeErrors, feedClients)

	return &LedgerMetrics{
		txTotal:     txTotal,
		txDuration:  txDuration,
		storeErrors: storeErrors,
		feedClients: feedClients,
	}
}

// ObserveTransaction records one finished balance transaction.
func (m *LedgerMetrics) ObserveTransaction(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.txTotal.WithLabelValues(op, outcome).Inc()
	m.txDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *LedgerMetrics) IncStoreError(op string, err error) {
	if m == nil || err == nil {
		return
	}
	m.storeErrors.WithLabelValues(op, ClassifyStoreError(err)).Inc()
}

func (m *LedgerMetrics) AddFeedSubscribers(delta float64) {
	if m == nil {
		return
	}
	m.feedClients.Add(delta)
}

// ClassifyStoreError maps a store error to a bounded reason label.
func ClassifyStoreError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StoreErrorReasonDeadlineExceeded
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return StoreErrorReasonUniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03":
			return StoreErrorReasonLockTimeout
		case "40001":
			return StoreErrorReasonSerializationFailure
		case "40P01":
			return StoreErrorReasonDeadlock
		case "23505":
			return StoreErrorReasonUniqueViolation
		}
	}
	return StoreErrorReasonUnknown
}
