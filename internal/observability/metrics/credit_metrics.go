package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	TickOutcomeBilled       = "billed"
	TickOutcomeDuplicate    = "duplicate"
	TickOutcomeInsufficient = "insufficient_credits"
	TickOutcomeEnded        = "ended"
	TickOutcomeError        = "error"
)

const (
	SessionEventStarted  = "started"
	SessionEventEnded    = "ended"
	SessionEventRejected = "rejected"
)

const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

const (
	StoreErrorReasonDeadlineExceeded     = "deadline_exceeded"
	StoreErrorReasonLockTimeout          = "db_lock_timeout"
	StoreErrorReasonSerializationFailure = "serialization_failure"
	StoreErrorReasonDeadlock             = "deadlock"
	StoreErrorReasonUniqueViolation      = "unique_violation"
	StoreErrorReasonBusy                 = "busy"
	StoreErrorReasonUnknown              = "unknown"
)

// CreditMetrics captures ledger and metering health signals.
type CreditMetrics struct {
	minutesBilled     *prometheus.CounterVec
	ticks             *prometheus.CounterVec
	sessionEvents     *prometheus.CounterVec
	topups            *prometheus.CounterVec
	creditsPurchased  *prometheus.CounterVec
	allocations       *prometheus.CounterVec
	storeRetries      *prometheus.CounterVec
	storeConflicts    *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	slowQueries       *prometheus.CounterVec
	jobRuns           *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	discrepancies     *prometheus.CounterVec
}

var (
	creditMetricsOnce sync.Once
	creditMetrics     *CreditMetrics
)

// ProvideCreditMetrics returns the process-wide credit metrics registered on
// the default Prometheus registerer.
func ProvideCreditMetrics(cfg Config) *CreditMetrics {
	creditMetricsOnce.Do(func() {
		creditMetrics = newCreditMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return creditMetrics
}

// ResetCreditMetricsForTest resets the credit metrics singleton for tests.
func ResetCreditMetricsForTest() {
	creditMetricsOnce = sync.Once{}
	creditMetrics = nil
}

// NewCreditMetricsForRegistry builds an unshared instance, mostly for tests.
func NewCreditMetricsForRegistry(registerer prometheus.Registerer, cfg Config) *CreditMetrics {
	return newCreditMetrics(registerer, cfg)
}

func newCreditMetrics(registerer prometheus.Registerer, cfg Config) *CreditMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "creditledger"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	minutesBilled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditledger_session_minutes_billed_total",
		Help:        "Session minutes debited by payer kind.",
		ConstLabels: constLabels,
	}, []string{"payer"})
	ticks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditledger_session_ticks_total",
		Help:        "Session ticks by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	sessionEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditledger_session_events_total",
		Help:        "Session lifecycle events.",
		ConstLabels: constLabels,
	}, []string{"event"})
	topups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditledger_topups_total",
		Help:        "Purchase confirmations by provider and outcome.",
		ConstLabels: constLabels,
	}, []string{"provider", "outcome"})
	creditsPurchased := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditledger_credits_purchased_total",
		Help:        "Credits granted through purchases.",
		ConstLabels: constLabels,
	}, []string{"provider"})
	allocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditledger_allocations_total",
		Help:        "Organization allocation changes by operation and outcome.",
		ConstLabels: constLabels,
	}, []string{"operation", "outcome"})
	storeRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditledger_store_retries_total",
		Help:        "Transactions replayed after a transient store conflict.",
		ConstLabels: constLabels,
	}, []string{"component", "reason"})
	storeConflicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditledger_store_conflicts_total",
		Help:        "Operations that exhausted their retry budget.",
		ConstLabels: constLabels,
	}, []string{"component"})
	operationDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "creditledger_operation_duration_seconds",
		Help:        "Ledger operation latency including retries.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: constLabels,
	}, []string{"operation"})
	slowQueries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditledger_db_slow_queries_total",
		Help:        "SQL statements slower than the configured threshold.",
		ConstLabels: constLabels,
	}, []string{"operation"})
	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditledger_scheduler_job_runs_total",
		Help:        "Background job runs by outcome.",
		ConstLabels: constLabels,
	}, []string{"job", "outcome"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "creditledger_scheduler_job_duration_seconds",
		Help:        "Background job latency.",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: constLabels,
	}, []string{"job"})
	discrepancies := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditledger_reconcile_discrepancies_total",
		Help:        "Accounts found violating a ledger invariant.",
		ConstLabels: constLabels,
	}, []string{"kind"})

	registerer.MustRegister(
		minutesBilled,
		ticks,
		sessionEvents,
		topups,
		creditsPurchased,
		allocations,
		storeRetries,
		storeConflicts,
		operationDuration,
		slowQueries,
		jobRuns,
		jobDuration,
		discrepancies,
	)

	return &CreditMetrics{
		minutesBilled:     minutesBilled,
		ticks:             ticks,
		sessionEvents:     sessionEvents,
		topups:            topups,
		creditsPurchased:  creditsPurchased,
		allocations:       allocations,
		storeRetries:      storeRetries,
		storeConflicts:    storeConflicts,
		operationDuration: operationDuration,
		slowQueries:       slowQueries,
		jobRuns:           jobRuns,
		jobDuration:       jobDuration,
		discrepancies:     discrepancies,
	}
}

func (m *CreditMetrics) RecordTick(outcome string, minutes int64, payer string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(outcome).Inc()
	if minutes > 0 {
		m.minutesBilled.WithLabelValues(payer).Add(float64(minutes))
	}
}

func (m *CreditMetrics) RecordSessionEvent(event string) {
	if m == nil {
		return
	}
	m.sessionEvents.WithLabelValues(event).Inc()
}

func (m *CreditMetrics) RecordTopup(provider, outcome string, credits int64) {
	if m == nil {
		return
	}
	provider = normalizeLabel(provider)
	m.topups.WithLabelValues(provider, outcome).Inc()
	if outcome == OutcomeApplied && credits > 0 {
		m.creditsPurchased.WithLabelValues(provider).Add(float64(credits))
	}
}

func (m *CreditMetrics) RecordAllocation(operation, outcome string) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(operation, outcome).Inc()
}

func (m *CreditMetrics) ObserveOperation(operation string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *CreditMetrics) RecordConflict(component string) {
	if m == nil {
		return
	}
	m.storeConflicts.WithLabelValues(component).Inc()
}

// RecordSlowQuery matches logger.GormLoggerConfig.OnSlowQuery.
func (m *CreditMetrics) RecordSlowQuery(operation string, _ time.Duration) {
	if m == nil {
		return
	}
	m.slowQueries.WithLabelValues(normalizeLabel(operation)).Inc()
}

func (m *CreditMetrics) RecordJobRun(job, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, outcome).Inc()
	m.jobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
}

func (m *CreditMetrics) RecordDiscrepancy(kind string) {
	if m == nil {
		return
	}
	m.discrepancies.WithLabelValues(kind).Inc()
}

// RetryNotifier returns a callback for db.RetryPolicy.Notify that counts and
// logs every replayed transaction of component.
func (m *CreditMetrics) RetryNotifier(component string, log *zap.Logger) func(err error, wait time.Duration) {
	if log == nil {
		log = zap.NewNop()
	}
	return func(err error, wait time.Duration) {
		reason := ClassifyStoreError(err)
		if m != nil {
			m.storeRetries.WithLabelValues(component, reason).Inc()
		}
		log.Debug("retrying transaction",
			zap.String("component", component),
			zap.String("reason", reason),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}
}

// ClassifyStoreError maps a store error to a low-cardinality reason label.
func ClassifyStoreError(err error) string {
	if err == nil {
		return StoreErrorReasonUnknown
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
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "deadlock"):
		return StoreErrorReasonDeadlock
	case strings.Contains(msg, "could not serialize"):
		return StoreErrorReasonSerializationFailure
	case strings.Contains(msg, "locked"), strings.Contains(msg, "busy"):
		return StoreErrorReasonBusy
	}
	return StoreErrorReasonUnknown
}

func normalizeLabel(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "unknown"
	}
	return value
}
