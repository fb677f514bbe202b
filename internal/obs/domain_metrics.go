package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// SalesCompletedTotal counts sales that passed the fatal persistence steps.
	SalesCompletedTotal *prometheus.CounterVec
	// SaleStepFailuresTotal counts completion step failures by step and severity.
	SaleStepFailuresTotal *prometheus.CounterVec
	// InventorySyncPushTotal counts storefront stock pushes by outcome.
	InventorySyncPushTotal *prometheus.CounterVec
	// InventoryInboundTotal counts inbound storefront stock updates by outcome.
	InventoryInboundTotal *prometheus.CounterVec
	// CategoryReloadTotal counts tax rate reloads by outcome.
	CategoryReloadTotal *prometheus.CounterVec
	// SaleCompletionLatency records end-to-end completion latency in milliseconds.
	SaleCompletionLatency prometheus.Histogram
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		SalesCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sales_completed_total",
			Help:      "Count of completed sales by payment method.",
		}, []string{"payment_method"})
		SaleStepFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sale_step_failures_total",
			Help:      "Count of sale completion step failures.",
		}, []string{"step", "fatal"})
		InventorySyncPushTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inventory_sync_push_total",
			Help:      "Count of storefront stock adjustment pushes by outcome.",
		}, []string{"result"})
		InventoryInboundTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inventory_inbound_total",
			Help:      "Count of inbound storefront stock updates by outcome.",
		}, []string{"result"})
		CategoryReloadTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "category_reload_total",
			Help:      "Count of tax rate reloads from category configuration.",
		}, []string{"result"})
		SaleCompletionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sale_completion_duration_ms",
			Help:      "Latency for sale completion in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		})

		SalesCompletedTotal = registerOrReuse(reg, SalesCompletedTotal)
		SaleStepFailuresTotal = registerOrReuse(reg, SaleStepFailuresTotal)
		InventorySyncPushTotal = registerOrReuse(reg, InventorySyncPushTotal)
		InventoryInboundTotal = registerOrReuse(reg, InventoryInboundTotal)
		CategoryReloadTotal = registerOrReuse(reg, CategoryReloadTotal)
		SaleCompletionLatency = registerOrReuse(reg, SaleCompletionLatency)
	})
}
