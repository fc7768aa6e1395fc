package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OrdersInserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gomex",
			Name:      "orders_inserted_total",
			Help:      "Total number of orders accepted into a book.",
		},
		[]string{"book"},
	)

	OrdersRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gomex",
			Name:      "orders_rejected_total",
			Help:      "Total number of rejected order requests.",
		},
		[]string{"service", "reason"}, // reason: validation/rate/quantity/notional/outstanding/...
	)

	TradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gomex",
			Name:      "trades_total",
			Help:      "Total number of trades generated by matching.",
		},
		[]string{"book"},
	)

	OrdersCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gomex",
			Name:      "orders_cancelled_total",
			Help:      "Total number of cancelled orders.",
		},
		[]string{"book"},
	)

	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gomex",
			Name:      "broadcasts_total",
			Help:      "Total number of market-data broadcasts.",
		},
		[]string{"kind"}, // kind: tob/depth/trade/instrument
	)

	ConnsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gomex",
			Name:      "connections_active",
			Help:      "Currently open connections.",
		},
		[]string{"service"},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gomex",
			Name:      "frames_dropped_total",
			Help:      "Outbound frames dropped because a peer send queue was full.",
		},
		[]string{"service"},
	)

	MailboxDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gomex",
			Name:      "mailbox_depth",
			Help:      "Pending envelopes in the service loop mailbox.",
		},
		[]string{"service"},
	)
)

// Serve 暴露 /metrics；listen 为空则不开
func Serve(listen string) {
	if listen == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		_ = http.ListenAndServe(listen, mux)
	}()
}
