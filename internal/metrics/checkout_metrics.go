package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CheckoutMetrics содержит метрики конвейера создания заказа.
type CheckoutMetrics struct {
	ordersCreated  prometheus.Counter
	ordersRejected *prometheus.CounterVec
	unitsDecrement prometheus.Counter

	createDuration prometheus.Histogram
	inFlight       prometheus.Gauge

	// Повторы запросов, обслуженные из хранилища идемпотентности.
	idempotencyReplays *prometheus.CounterVec
	// Результаты, которые не удалось сохранить: ключ остаётся в processing до истечения TTL.
	idempotencyPersistFailures *prometheus.CounterVec
}

// NewCheckoutMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewCheckoutMetrics() *CheckoutMetrics {
	return NewCheckoutMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewCheckoutMetricsWithRegisterer регистрирует метрики в переданном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewCheckoutMetricsWithRegisterer(registerer prometheus.Registerer) *CheckoutMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &CheckoutMetrics{
		ordersCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "checkout_orders_created_total",
			Help: "Total number of orders created",
		}),
		ordersRejected: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "checkout_orders_rejected_total",
			Help: "Total number of rejected order requests by reason",
		}, []string{"reason"}),
		unitsDecrement: registerCounter(registerer, prometheus.CounterOpts{
			Name: "checkout_stock_units_decremented_total",
			Help: "Total number of stock units decremented by created orders",
		}),
		createDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "checkout_create_order_duration_seconds",
			Help:    "Duration of order creation in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "checkout_create_order_in_flight",
			Help: "Number of order creations currently in progress",
		}),
		idempotencyReplays: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "checkout_idempotency_replays_total",
			Help: "Total number of requests answered from the idempotency store by outcome",
		}, []string{"outcome"}),
		idempotencyPersistFailures: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "checkout_idempotency_persist_failures_total",
			Help: "Total number of idempotency results that could not be stored by status",
		}, []string{"status"}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

// RecordStarted увеличивает число выполняющихся запросов.
func (m *CheckoutMetrics) RecordStarted() {
	m.inFlight.Inc()
}

// RecordFinished уменьшает число выполняющихся запросов и пишет длительность.
func (m *CheckoutMetrics) RecordFinished(duration time.Duration) {
	m.inFlight.Dec()
	m.createDuration.Observe(duration.Seconds())
}

// RecordCreated учитывает созданный заказ и списанные единицы товара.
func (m *CheckoutMetrics) RecordCreated(units int) {
	m.ordersCreated.Inc()
	m.unitsDecrement.Add(float64(units))
}

// RecordRejected учитывает отказ с указанной причиной.
func (m *CheckoutMetrics) RecordRejected(reason string) {
	m.ordersRejected.WithLabelValues(reason).Inc()
}

// RecordIdempotencyReplay учитывает ответ, отданный из хранилища идемпотентности.
func (m *CheckoutMetrics) RecordIdempotencyReplay(outcome string) {
	m.idempotencyReplays.WithLabelValues(outcome).Inc()
}

// RecordIdempotencyPersistFailure учитывает результат, не сохранённый в хранилище идемпотентности.
func (m *CheckoutMetrics) RecordIdempotencyPersistFailure(status string) {
	m.idempotencyPersistFailures.WithLabelValues(status).Inc()
}
