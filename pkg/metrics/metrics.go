package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector 结算域指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 结算指标
	ordersCreatedTotal   prometheus.Counter
	ordersTerminalTotal  *prometheus.CounterVec
	quoteRefreshesTotal  prometheus.Counter
	quoteRestoredTotal   prometheus.Counter
	paymentsObserved     prometheus.Counter
	kytVerdictsTotal     *prometheus.CounterVec
	settlementFeeUSD     prometheus.Counter
	heldCreditGrantedUSD prometheus.Counter
}

// NewCollector 在默认注册表上创建指标收集器
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith 在指定注册表上创建指标收集器（测试用独立注册表）
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		ordersCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "settlement_orders_created_total",
			Help: "Orders created",
		}),
		ordersTerminalTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_orders_terminal_total",
				Help: "Orders reaching a terminal state",
			},
			[]string{"state"},
		),
		quoteRefreshesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "settlement_quote_refreshes_total",
			Help: "Quotes auto-refreshed after expiry",
		}),
		quoteRestoredTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "settlement_quote_restored_total",
			Help: "Preserved quotes restored on chain re-selection",
		}),
		paymentsObserved: factory.NewCounter(prometheus.CounterOpts{
			Name: "settlement_payments_observed_total",
			Help: "Inbound payments recorded",
		}),
		kytVerdictsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_kyt_verdicts_total",
				Help: "KYT verdicts by result",
			},
			[]string{"verdict"},
		),
		settlementFeeUSD: factory.NewCounter(prometheus.CounterOpts{
			Name: "settlement_incomplete_fee_usd_total",
			Help: "Fees deducted on incomplete settlement, in USD",
		}),
		heldCreditGrantedUSD: factory.NewCounter(prometheus.CounterOpts{
			Name: "settlement_held_credit_usd_total",
			Help: "Held credit granted on incomplete settlement, in USD",
		}),
	}
}

func (c *Collector) ObserveHTTP(method, endpoint, status string, seconds float64) {
	c.httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, endpoint).Observe(seconds)
}

func (c *Collector) OrderCreated()              { c.ordersCreatedTotal.Inc() }
func (c *Collector) OrderTerminal(state string) { c.ordersTerminalTotal.WithLabelValues(state).Inc() }
func (c *Collector) QuoteRefreshed()            { c.quoteRefreshesTotal.Inc() }
func (c *Collector) QuoteRestored()             { c.quoteRestoredTotal.Inc() }
func (c *Collector) PaymentObserved()           { c.paymentsObserved.Inc() }
func (c *Collector) KYTVerdict(verdict string)  { c.kytVerdictsTotal.WithLabelValues(verdict).Inc() }
func (c *Collector) FeeDeducted(usd float64)    { c.settlementFeeUSD.Add(usd) }
func (c *Collector) CreditGranted(usd float64)  { c.heldCreditGrantedUSD.Add(usd) }
