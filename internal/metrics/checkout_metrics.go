package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Исходы оформления заказа для метки outcome.
const (
	OutcomeCommitted         = "committed"
	OutcomeInvalidRequest    = "invalid_request"
	OutcomeProductNotFound   = "product_not_found"
	OutcomeInsufficientStock = "insufficient_stock"
	OutcomeLockTimeout       = "lock_timeout"
	OutcomeCreationFailed    = "order_creation_failed"
	OutcomeCanceled          = "canceled"
	OutcomeError             = "error"
)

// CheckoutMetrics содержит метрики движка оформления заказов.
// Нулевой указатель допустим: все методы становятся no-op.
type CheckoutMetrics struct {
	checkouts     *prometheus.CounterVec
	duration      prometheus.Histogram
	lockWait      prometheus.Histogram
	collisions    prometheus.Counter
	txRetries     prometheus.Counter
	itemsReserved prometheus.Counter
	inFlight      prometheus.Gauge
	statusChanges *prometheus.CounterVec
}

// NewCheckoutMetrics регистрирует метрики в реестре по умолчанию.
func NewCheckoutMetrics() *CheckoutMetrics {
	return NewCheckoutMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewCheckoutMetricsWithRegisterer регистрирует метрики в переданном реестре.
func NewCheckoutMetricsWithRegisterer(registerer prometheus.Registerer) *CheckoutMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &CheckoutMetrics{
		checkouts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_checkouts_total",
			Help: "Total number of checkout attempts by outcome",
		}, []string{"outcome"}),
		duration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "storefront_checkout_duration_seconds",
			Help:    "Duration of checkout including retries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}),
		lockWait: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "storefront_product_lock_wait_seconds",
			Help:    "Time spent acquiring product row locks",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0},
		}),
		collisions: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_order_number_collisions_total",
			Help: "Total number of order number collisions retried by the materializer",
		}),
		txRetries: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_checkout_tx_retries_total",
			Help: "Total number of whole-checkout retries after serialization failures",
		}),
		itemsReserved: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_items_reserved_total",
			Help: "Total units of stock committed by checkouts",
		}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "storefront_checkouts_in_flight",
			Help: "Number of checkouts currently holding a transaction",
		}),
		statusChanges: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_order_status_changes_total",
			Help: "Total number of administrative order status changes",
		}, []string{"to"}),
	}
}

// RecordCheckout фиксирует исход и длительность оформления.
func (m *CheckoutMetrics) RecordCheckout(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues(outcome).Inc()
	m.duration.Observe(duration.Seconds())
}

// RecordLockWait записывает время ожидания блокировки товара.
func (m *CheckoutMetrics) RecordLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

// RecordOrderNumberCollision увеличивает счётчик коллизий номера заказа.
func (m *CheckoutMetrics) RecordOrderNumberCollision() {
	if m == nil {
		return
	}
	m.collisions.Inc()
}

// RecordTxRetry увеличивает счётчик повторов всей транзакции.
func (m *CheckoutMetrics) RecordTxRetry() {
	if m == nil {
		return
	}
	m.txRetries.Inc()
}

// RecordItemsReserved добавляет количество списанных единиц товара.
func (m *CheckoutMetrics) RecordItemsReserved(units int) {
	if m == nil {
		return
	}
	m.itemsReserved.Add(float64(units))
}

// InFlightStarted увеличивает количество открытых транзакций оформления.
func (m *CheckoutMetrics) InFlightStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// InFlightFinished уменьшает количество открытых транзакций оформления.
func (m *CheckoutMetrics) InFlightFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

// RecordStatusChange увеличивает счётчик смен статуса.
func (m *CheckoutMetrics) RecordStatusChange(to string) {
	if m == nil {
		return
	}
	m.statusChanges.WithLabelValues(to).Inc()
}
