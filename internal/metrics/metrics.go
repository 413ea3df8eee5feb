// Package metrics exposes Prometheus counters for auth, credits, payments, and redemptions.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type registry struct {
	walletAuth   *prometheus.CounterVec
	noncesIssued prometheus.Counter
	credits      *prometheus.CounterVec
	payments     *prometheus.CounterVec
	redemptions  *prometheus.CounterVec
	external     *prometheus.HistogramVec
}

var (
	once sync.Once
	reg  *registry
)

// get lazily builds and registers every collector exactly once.
func get() *registry {
	once.Do(func() {
		reg = &registry{
			walletAuth: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "persona",
				Subsystem: "auth",
				Name:      "wallet_attempts_total",
				Help:      "Wallet sign-in attempts segmented by outcome.",
			}, []string{"outcome"}),
			noncesIssued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "persona",
				Subsystem: "auth",
				Name:      "nonces_issued_total",
				Help:      "Sign-in nonces issued.",
			}),
			credits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "persona",
				Subsystem: "ledger",
				Name:      "credits_total",
				Help:      "Credits moved, segmented by add or deduct.",
			}, []string{"kind"}),
			payments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "persona",
				Subsystem: "payments",
				Name:      "transitions_total",
				Help:      "Payment state transitions segmented by resulting status.",
			}, []string{"status"}),
			redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "persona",
				Subsystem: "tokens",
				Name:      "redemptions_total",
				Help:      "Token redemption events segmented by status.",
			}, []string{"status"}),
			external: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "persona",
				Subsystem: "external",
				Name:      "request_duration_seconds",
				Help:      "Latency of calls to chain RPC and World App APIs.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"service", "outcome"}),
		}
		prometheus.MustRegister(
			reg.walletAuth,
			reg.noncesIssued,
			reg.credits,
			reg.payments,
			reg.redemptions,
			reg.external,
		)
	})
	return reg
}

// WalletAuth counts a sign-in attempt. Outcomes are short stable strings
// such as "success", "invalid_nonce", "rpc_unavailable".
func WalletAuth(outcome string) {
	get().walletAuth.WithLabelValues(outcome).Inc()
}

// NonceIssued counts one issued nonce.
func NonceIssued() {
	get().noncesIssued.Inc()
}

// CreditMutation adds amount to the add or deduct counter.
func CreditMutation(kind string, amount int64) {
	if amount <= 0 {
		return
	}
	get().credits.WithLabelValues(kind).Add(float64(amount))
}

// PaymentTransition counts a payment reaching status.
func PaymentTransition(status string) {
	get().payments.WithLabelValues(status).Inc()
}

// Redemption counts a redemption reaching status.
func Redemption(status string) {
	get().redemptions.WithLabelValues(status).Inc()
}

// ObserveExternal records one outbound call that started at start.
func ObserveExternal(service string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	get().external.WithLabelValues(service, outcome).Observe(time.Since(start).Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	get()
	return promhttp.Handler()
}
