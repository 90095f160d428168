package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// Run metrics
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	RunsActive  *prometheus.GaugeVec

	// Step metrics
	StepExecutionsTotal   *prometheus.CounterVec
	StepExecutionDuration *prometheus.HistogramVec

	// Batch planner metrics
	BatchSubmissionsTotal *prometheus.CounterVec
	BatchSize             *prometheus.HistogramVec

	// Credit ledger metrics
	CreditReservationsTotal *prometheus.CounterVec
	CreditDebitsTotal       *prometheus.CounterVec

	// Database metrics
	DBConnectionsOpen  *prometheus.GaugeVec
	DBConnectionsIdle  *prometheus.GaugeVec
	DBConnectionsInUse *prometheus.GaugeVec
	DBQueryDuration    *prometheus.HistogramVec
	DBQueriesTotal     *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all collectors initialized
func NewMetrics() *Metrics {
	return &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shieldflow_runs_total",
				Help: "Total number of workflow runs by terminal status",
			},
			[]string{"org_id", "workflow_id", "status"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shieldflow_run_duration_seconds",
				Help:    "Run duration in seconds from pending to terminal",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"org_id", "workflow_id"},
		),
		RunsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shieldflow_runs_active",
				Help: "Number of runs currently in the running state",
			},
			[]string{"org_id", "workflow_id"},
		),
		StepExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shieldflow_step_executions_total",
				Help: "Total number of step dispatches by block id and status",
			},
			[]string{"org_id", "block_id", "status"},
		),
		StepExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shieldflow_step_execution_duration_seconds",
				Help:    "Step dispatch duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"org_id", "block_id"},
		),
		BatchSubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shieldflow_batch_submissions_total",
				Help: "Total number of batched MPC submissions by status",
			},
			[]string{"status"},
		),
		BatchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shieldflow_batch_size",
				Help:    "Number of nodes folded into a single batched submission",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
			},
			[]string{},
		),
		CreditReservationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shieldflow_credit_reservations_total",
				Help: "Total number of credit pre-flight checks by outcome",
			},
			[]string{"org_id", "outcome"},
		),
		CreditDebitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shieldflow_credit_debits_total",
				Help: "Total number of credit ledger commits by outcome",
			},
			[]string{"org_id", "outcome"},
		),
		DBConnectionsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shieldflow_db_connections_open",
				Help: "Number of open database connections",
			},
			[]string{"pool"},
		),
		DBConnectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shieldflow_db_connections_idle",
				Help: "Number of idle database connections",
			},
			[]string{"pool"},
		),
		DBConnectionsInUse: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shieldflow_db_connections_in_use",
				Help: "Number of database connections in use",
			},
			[]string{"pool"},
		),
		DBQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shieldflow_db_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"operation", "table"},
		),
		DBQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shieldflow_db_queries_total",
				Help: "Total number of database queries by operation and status",
			},
			[]string{"operation", "table", "status"},
		),
	}
}

// Register registers all metrics with the provided registry
func (m *Metrics) Register(registry *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		m.RunsTotal,
		m.RunDuration,
		m.RunsActive,
		m.StepExecutionsTotal,
		m.StepExecutionDuration,
		m.BatchSubmissionsTotal,
		m.BatchSize,
		m.CreditReservationsTotal,
		m.CreditDebitsTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsIdle,
		m.DBConnectionsInUse,
		m.DBQueryDuration,
		m.DBQueriesTotal,
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

// RecordRun records a completed run with its terminal status and duration.
func (m *Metrics) RecordRun(orgID, workflowID, status string, durationSeconds float64) {
	m.RunsTotal.WithLabelValues(orgID, workflowID, status).Inc()
	m.RunDuration.WithLabelValues(orgID, workflowID).Observe(durationSeconds)
}

// IncActiveRuns increments the active-runs gauge.
func (m *Metrics) IncActiveRuns(orgID, workflowID string) {
	m.RunsActive.WithLabelValues(orgID, workflowID).Inc()
}

// DecActiveRuns decrements the active-runs gauge.
func (m *Metrics) DecActiveRuns(orgID, workflowID string) {
	m.RunsActive.WithLabelValues(orgID, workflowID).Dec()
}

// RecordStepExecution records a single node dispatch with its block id, status, and duration.
func (m *Metrics) RecordStepExecution(orgID, blockID, status string, durationSeconds float64) {
	m.StepExecutionsTotal.WithLabelValues(orgID, blockID, status).Inc()
	m.StepExecutionDuration.WithLabelValues(orgID, blockID).Observe(durationSeconds)
}

// RecordBatchSubmission records an MPC batch submission with its outcome and fold size.
func (m *Metrics) RecordBatchSubmission(status string, size int) {
	m.BatchSubmissionsTotal.WithLabelValues(status).Inc()
	m.BatchSize.WithLabelValues().Observe(float64(size))
}

// RecordCreditReservation records a pre-flight credit check outcome.
func (m *Metrics) RecordCreditReservation(orgID, outcome string) {
	m.CreditReservationsTotal.WithLabelValues(orgID, outcome).Inc()
}

// RecordCreditDebit records a credit ledger commit outcome.
func (m *Metrics) RecordCreditDebit(orgID, outcome string) {
	m.CreditDebitsTotal.WithLabelValues(orgID, outcome).Inc()
}

// SetDBConnectionPoolStats sets database connection pool statistics
func (m *Metrics) SetDBConnectionPoolStats(poolName string, open, idle, inUse int) {
	m.DBConnectionsOpen.WithLabelValues(poolName).Set(float64(open))
	m.DBConnectionsIdle.WithLabelValues(poolName).Set(float64(idle))
	m.DBConnectionsInUse.WithLabelValues(poolName).Set(float64(inUse))
}

// RecordDBQuery records a database query with operation, table, status, and duration
func (m *Metrics) RecordDBQuery(operation, table, status string, durationSeconds float64) {
	m.DBQueriesTotal.WithLabelValues(operation, table, status).Inc()
	m.DBQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}
