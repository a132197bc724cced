// Package metrics exposes Prometheus instruments for the ledger, escrow, guarantee fund, jobs
// and HTTP surfaces.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/escrow"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/fgo"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
)

const namespace = "rentalledger"

// Metrics holds every instrument. Each instance owns its registry so tests can build their own.
type Metrics struct {
	registry *prometheus.Registry

	LedgerOperations   *prometheus.CounterVec
	LedgerAmountCents  *prometheus.CounterVec
	EscrowTransitions  *prometheus.CounterVec
	EscrowSettledCents *prometheus.CounterVec
	SubfundBalance     *prometheus.GaugeVec
	FundCoverageRatio  prometheus.Gauge
	FundLossRatio      *prometheus.GaugeVec
	JobRuns            *prometheus.CounterVec
	JobDuration        *prometheus.HistogramVec
	JobItems           *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

// New creates and registers all instruments on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		LedgerOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Wallet ledger operations by outcome",
		}, []string{"operation", "status", "code"}),

		LedgerAmountCents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_amount_cents_total",
			Help:      "Cents moved by successful ledger operations",
		}, []string{"operation"}),

		EscrowTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_transitions_total",
			Help:      "Committed escrow state transitions",
		}, []string{"type", "from", "to"}),

		EscrowSettledCents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_settled_cents_total",
			Help:      "Cents routed by escrow settlements",
		}, []string{"destination"}),

		SubfundBalance: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fgo_subfund_balance_cents",
			Help:      "Guarantee fund subfund balances",
		}, []string{"subfund"}),

		FundCoverageRatio: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fgo_coverage_ratio",
			Help:      "Guarantee fund balance over target balance",
		}),

		FundLossRatio: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fgo_loss_ratio",
			Help:      "Guarantee fund payouts over contributions",
		}, []string{"window"}),

		JobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job runs by result",
		}, []string{"job", "result"}),

		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Scheduled job run duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),

		JobItems: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_items_total",
			Help:      "Records processed by scheduled jobs",
		}, []string{"job"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),

		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route"}),
	}
}

// Registry returns the registry backing the instruments.
func (metrics *Metrics) Registry() *prometheus.Registry {
	return metrics.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{Registry: metrics.registry})
}

// LogOperation implements ledger.OperationLogger.
func (metrics *Metrics) LogOperation(_ context.Context, entry ledger.OperationLog) {
	metrics.LedgerOperations.WithLabelValues(entry.Operation, entry.Status, ledger.ErrorCode(entry.Error)).Inc()
	if entry.Error == nil && entry.Status != "replayed" && entry.Amount > 0 {
		metrics.LedgerAmountCents.WithLabelValues(entry.Operation).Add(float64(entry.Amount.Int64()))
	}
}

// Publish implements escrow.EventPublisher.
func (metrics *Metrics) Publish(_ context.Context, event escrow.Event) error {
	metrics.EscrowTransitions.WithLabelValues(event.Type, string(event.From), string(event.To)).Inc()
	// The settlement accumulates over the escrow's life; count it once, on the terminal event.
	if event.From == event.To || !event.To.IsTerminal() {
		return nil
	}
	settlement := event.Settlement
	addCents(metrics.EscrowSettledCents.WithLabelValues("owner"), settlement.OwnerPayoutCents)
	addCents(metrics.EscrowSettledCents.WithLabelValues("platform"), settlement.PlatformFeeCents)
	addCents(metrics.EscrowSettledCents.WithLabelValues("renter_refund"), settlement.RentalRefundCents+settlement.DepositReleasedCents)
	addCents(metrics.EscrowSettledCents.WithLabelValues("damage"), settlement.DamageChargeCents)
	addCents(metrics.EscrowSettledCents.WithLabelValues("fgo"), settlement.FGOPaidCents)
	return nil
}

// ObserveFund records the latest solvency report.
func (metrics *Metrics) ObserveFund(report fgo.Metrics) {
	for _, subfund := range report.Subfunds {
		metrics.SubfundBalance.WithLabelValues(string(subfund.Type)).Set(float64(subfund.BalanceCents))
	}
	metrics.FundCoverageRatio.Set(report.CoverageRatio.InexactFloat64())
	metrics.FundLossRatio.WithLabelValues("90d").Set(report.LossRatio90d.InexactFloat64())
	metrics.FundLossRatio.WithLabelValues("365d").Set(report.LossRatio365d.InexactFloat64())
}

// ObserveJob records one job run.
func (metrics *Metrics) ObserveJob(job string, processed int, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.JobRuns.WithLabelValues(job, result).Inc()
	metrics.JobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
	if processed > 0 {
		metrics.JobItems.WithLabelValues(job).Add(float64(processed))
	}
}

// ObserveHTTP records one HTTP request.
func (metrics *Metrics) ObserveHTTP(method string, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	metrics.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	metrics.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func addCents(counter prometheus.Counter, cents int64) {
	if cents > 0 {
		counter.Add(float64(cents))
	}
}
