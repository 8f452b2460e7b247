package monitoring

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ticket-marketplace/models"
)

var (
	paymentInitiations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_initiations_total",
			Help: "Total payment initiation attempts",
		},
		[]string{"status"},
	)

	paymentReconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_reconciliations_total",
			Help: "Total reconciliation attempts by entry point and outcome",
		},
		[]string{"source", "outcome"},
	)

	duplicateReconciliations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "payment_duplicate_reconciliations_total",
			Help: "Reconciliations short-circuited by the idempotency gate",
		},
	)

	ticketsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickets_issued_total",
			Help: "Total tickets issued on confirmed payments",
		},
		[]string{"ticket_type"},
	)

	gatewayCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_call_duration_seconds",
			Help:    "Duration of outbound payment gateway calls",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"operation"},
	)

	pendingPayments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pending_payments_total",
			Help: "Current number of payments in PENDING status",
		},
	)
)

// PaymentCounter is the slice of the store the collector needs.
type PaymentCounter interface {
	PaymentStatusCounts(ctx context.Context) (map[models.PaymentStatus]int, error)
}

type Monitor struct {
	store PaymentCounter
}

func NewMonitor(store PaymentCounter) *Monitor {
	monitor := &Monitor{store: store}

	go monitor.collectMetrics()

	return monitor
}

func (m *Monitor) collectMetrics() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		counts, err := m.store.PaymentStatusCounts(ctx)
		cancel()
		if err != nil {
			continue
		}
		pendingPayments.Set(float64(counts[models.PaymentPending]))
	}
}

func (m *Monitor) TrackInitiation(status string) {
	paymentInitiations.WithLabelValues(status).Inc()
}

func (m *Monitor) TrackReconciliation(source, outcome string) {
	paymentReconciliations.WithLabelValues(source, outcome).Inc()
}

func (m *Monitor) TrackDuplicateReconciliation() {
	duplicateReconciliations.Inc()
}

func (m *Monitor) TrackTicketsIssued(ticketType string, n int) {
	ticketsIssued.WithLabelValues(ticketType).Add(float64(n))
}

func (m *Monitor) TrackGatewayCall(operation string, duration time.Duration) {
	gatewayCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ServeMetrics exposes /metrics on its own port.
func ServeMetrics(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		if err := http.ListenAndServe(":"+port, mux); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server stopped: %v", err)
		}
	}()
}
