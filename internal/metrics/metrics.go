// Package metrics wraps the Prometheus collectors for the core engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all collectors. One instance is built at startup and
// passed by reference; there are no package-level metric globals.
type Registry struct {
	TickParseErrors     prometheus.Counter
	TicksUnknownToken   prometheus.Counter
	TicksPublished      prometheus.Counter
	TicksDroppedBusFull prometheus.Counter
	SubscriberDropOldest *prometheus.CounterVec
	TickLatency         prometheus.Histogram

	GreeksComputed   prometheus.Counter
	GreeksCacheHits  prometheus.Counter
	GreeksStaleSpot  prometheus.Counter
	GreeksNoConverge prometheus.Counter

	ReconcileRuns    prometheus.Counter
	ReconcileRPCFail prometheus.Counter
	TokensEvicted    prometheus.Counter

	SessionState       *prometheus.GaugeVec
	SessionReconnects  *prometheus.CounterVec
	TokenExpirySeconds *prometheus.GaugeVec

	OrderAttempts      *prometheus.CounterVec
	OrdersPlaced       prometheus.Counter
	OrdersDeadLettered prometheus.Counter
	OrdersRejected     *prometheus.CounterVec
	CircuitState       *prometheus.GaugeVec
	OrderDispatch      prometheus.Histogram

	StreamClients prometheus.Gauge
}

// NewRegistry creates the Prometheus collectors on a dedicated registry
func NewRegistry() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		TickParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_tick_parse_errors_total",
			Help: "Malformed upstream packets dropped",
		}),
		TicksUnknownToken: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_ticks_unknown_token_total",
			Help: "Packets referencing a token absent from the registry",
		}),
		TicksPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_ticks_published_total",
			Help: "Ticks delivered to subscriber queues",
		}),
		TicksDroppedBusFull: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_ticks_dropped_bus_full_total",
			Help: "Ticks dropped at the read loop because the bus input was full",
		}),
		SubscriberDropOldest: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_subscriber_drop_oldest_total",
			Help: "Ticks evicted from a slow subscriber queue, drop-oldest policy",
		}, []string{"subscriber"}),
		TickLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradecore_tick_latency_seconds",
			Help:    "Receive-to-publish latency per tick",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),

		GreeksComputed: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_greeks_computed_total",
			Help: "Option ticks enriched with freshly computed Greeks",
		}),
		GreeksCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_greeks_cache_hits_total",
			Help: "Option ticks enriched from the Greeks LRU cache",
		}),
		GreeksStaleSpot: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_greeks_stale_spot_total",
			Help: "Option ticks emitted without Greeks because the underlying spot was stale",
		}),
		GreeksNoConverge: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_greeks_no_converge_total",
			Help: "IV root searches that did not converge",
		}),

		ReconcileRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_reconcile_runs_total",
			Help: "Reconcile cycles executed",
		}),
		ReconcileRPCFail: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_reconcile_rpc_failures_total",
			Help: "Failed subscription RPCs to session orchestrators",
		}),
		TokensEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_reconciler_tokens_evicted_total",
			Help: "Least-recently-ticked tokens evicted from saturated accounts",
		}),

		SessionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradecore_session_state",
			Help: "Session orchestrator state per account (0=disconnected 1=connecting 2=authenticating 3=subscribed 4=retry_backoff 5=invalid_token 6=off)",
		}, []string{"account"}),
		SessionReconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_session_reconnects_total",
			Help: "Reconnect attempts per account",
		}, []string{"account"}),
		TokenExpirySeconds: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradecore_token_expiry_seconds",
			Help: "Seconds until access token expiry per account",
		}, []string{"account"}),

		OrderAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_order_attempts_total",
			Help: "Order dispatch attempts per account",
		}, []string{"account"}),
		OrdersPlaced: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_orders_placed_total",
			Help: "Orders accepted by the broker",
		}),
		OrdersDeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_orders_dead_lettered_total",
			Help: "Orders that exhausted retries and failover",
		}),
		OrdersRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_orders_rejected_total",
			Help: "Order submissions rejected before dispatch",
		}, []string{"reason"}),
		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradecore_circuit_state",
			Help: "Circuit breaker state per account (0=closed 1=half-open 2=open)",
		}, []string{"account"}),
		OrderDispatch: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradecore_order_dispatch_seconds",
			Help:    "Broker order call duration",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),

		StreamClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tradecore_stream_clients",
			Help: "Connected downstream stream clients",
		}),
	}
	return r, reg
}

// Handler returns the /metrics exposition handler
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
