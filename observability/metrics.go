package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PipelineExecutions counts completed pipeline runs by outcome.
	PipelineExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kernelforge_pipeline_executions_total",
		Help: "Completed pipeline executions by outcome",
	}, []string{"outcome"}) // success, failure

	// PipelineDuration tracks end-to-end pipeline runtime.
	PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kernelforge_pipeline_duration_seconds",
		Help:    "End-to-end pipeline execution time",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// StageDuration tracks per-stage runtime.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kernelforge_stage_duration_seconds",
		Help:    "Pipeline stage execution time",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"stage", "status"})

	// NodesDeployed counts per-node deployment outcomes by environment.
	NodesDeployed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kernelforge_nodes_deployed_total",
		Help: "Per-node deployment outcomes",
	}, []string{"environment", "outcome"}) // deployed, failed

	// ApprovalWaitSeconds tracks time spent blocked on the approval gate.
	ApprovalWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kernelforge_approval_wait_seconds",
		Help:    "Time spent waiting for human approval",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// ApprovalOutcomes counts terminal approval statuses.
	ApprovalOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kernelforge_approval_outcomes_total",
		Help: "Terminal approval gate outcomes",
	}, []string{"status"}) // Approved, Rejected, Expired

	// QuotaDenials counts deployments rejected by the quota gate.
	QuotaDenials = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kernelforge_quota_denials_total",
		Help: "Deployments rejected by the concurrent-deployments quota",
	})

	// VerificationFailures counts modules rejected by the security scan.
	VerificationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kernelforge_verification_failures_total",
		Help: "Modules rejected by signature or structural validation",
	})

	// AdmissionQueueDepth tracks the number of queued deployment requests.
	AdmissionQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kernelforge_admission_queue_depth",
		Help: "Current number of deployment requests awaiting execution",
	})

	// AdmissionRejections counts requests rejected before queueing.
	AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kernelforge_admission_rejections_total",
		Help: "Deployment requests rejected by admission control",
	}, []string{"reason"}) // circuit_open, rate_limited, queue_full

	// AdmissionWaitSeconds tracks time requests spend queued before a
	// worker picks them up.
	AdmissionWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kernelforge_admission_wait_seconds",
		Help:    "Time deployment requests wait in the admission queue",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// WorkerSaturation tracks the ratio of busy pipeline workers.
	WorkerSaturation = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kernelforge_worker_saturation",
		Help: "Ratio of active pipeline workers to max concurrency (0.0-1.0)",
	})

	// CircuitState tracks the admission circuit breaker state.
	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kernelforge_admission_circuit_state",
		Help: "Admission circuit breaker state (1 = active state)",
	}, []string{"state"})

	// ConnectedNodes tracks live kernel nodes per environment.
	ConnectedNodes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kernelforge_connected_nodes",
		Help: "Kernel nodes currently answering liveness probes",
	}, []string{"environment"})

	// RollbacksTotal counts explicit rollback operations.
	RollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kernelforge_rollbacks_total",
		Help: "Explicit rollback operations by environment",
	}, []string{"environment"})

	// NotifyFailures counts failed best-effort notifier publishes.
	NotifyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kernelforge_notify_failures_total",
		Help: "Failed deployment notification publishes (best-effort)",
	}, []string{"kind"})

	// StoreLatency tracks storage backend roundtrip latency.
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kernelforge_store_latency_seconds",
		Help:    "Storage backend operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	}, []string{"backend"})
)
