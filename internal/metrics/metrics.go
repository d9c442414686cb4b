package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AgentsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ciris_manager_agents_total",
		Help: "Number of agents in the registry.",
	})
	AgentsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ciris_manager_agents_running",
		Help: "Number of agent containers currently running across all hosts.",
	})
	DeploymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ciris_manager_deployments_total",
		Help: "Total number of deployments by final state.",
	}, []string{"state"})
	AgentUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ciris_manager_agent_updates_total",
		Help: "Total number of per-agent update outcomes.",
	}, []string{"outcome"})
	RecoveryRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ciris_manager_recovery_restarts_total",
		Help: "Total number of crashed agents restarted by the recovery loop.",
	})
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ciris_manager_proxy_reconcile_duration_seconds",
		Help:    "Duration of reverse-proxy reconcile passes.",
		Buckets: prometheus.DefBuckets,
	})
	ImageCleanups = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ciris_manager_image_cleanups_total",
		Help: "Total number of images removed by the retention pass.",
	})
	HostFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ciris_manager_host_failures_total",
		Help: "Total number of Docker host failures recorded by the circuit breaker.",
	}, []string{"host"})
)
