// Package metrics — Prometheus-метрики подсистемы туннелей.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry — отдельный реестр, чтобы не тащить глобальный DefaultRegisterer.
var Registry = prometheus.NewRegistry()

var (
	Provisions = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "visco_wireguard_provisions_total",
		Help: "Provision calls by result (created, existing, no_capacity, sync_failed, persist_failed).",
	}, []string{"result"})

	Revocations = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "visco_wireguard_revocations_total",
		Help: "Revoke calls by result (revoked, not_found, sync_failed, persist_failed).",
	}, []string{"result"})

	AllocationConflicts = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "visco_wireguard_allocation_conflicts_total",
		Help: "Lost races on the allocated address unique index.",
	})

	RollbackFailures = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "visco_wireguard_rollback_failures_total",
		Help: "Records that could not be deleted after a failed daemon sync.",
	})

	HelperInvocations = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "visco_wireguard_helper_invocations_total",
		Help: "Privileged helper invocations by verb and result.",
	}, []string{"verb", "result"})

	ActivePeers = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Name: "visco_wireguard_active_peers",
		Help: "Active peer records.",
	})

	AvailableAddresses = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Name: "visco_wireguard_available_addresses",
		Help: "Addresses still available for allocation.",
	})

	DriftPeers = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: "visco_wireguard_drift_peers",
		Help: "Peers that differ between the database and the live daemon (kind=missing|unknown).",
	}, []string{"kind"})
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler — /metrics для Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
