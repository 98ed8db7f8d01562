// Package metrics exposes prometheus instrumentation for the tracker,
// ledger, and diagnostics passes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SignalsTracked counts signal rows written per lifecycle status
	SignalsTracked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "squeezetrack_signals_tracked_total",
		Help: "Signal rows upserted by the tracker, by lifecycle status",
	}, []string{"status"})

	// SweepEnded counts rows transitioned to ENDED by the sweep
	SweepEnded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "squeezetrack_sweep_ended_total",
		Help: "Signals marked ENDED by the disappearance sweep",
	})

	// IdentityErrors counts batch entries dropped for validation failures
	IdentityErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "squeezetrack_identity_errors_total",
		Help: "Batch entries dropped due to malformed identities",
	})

	// ProcessDuration observes full tracker pass latency
	ProcessDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "squeezetrack_process_duration_seconds",
		Help:    "Wall time of a full tracker pass over one batch",
		Buckets: prometheus.DefBuckets,
	})

	// LedgerOpens counts performance records opened
	LedgerOpens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "squeezetrack_ledger_opens_total",
		Help: "Performance records opened",
	})

	// LedgerCloses counts performance records closed, by exit reason
	LedgerCloses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "squeezetrack_ledger_closes_total",
		Help: "Performance records closed, by exit reason",
	}, []string{"reason"})

	// LedgerDeferrals counts close attempts deferred, by cause
	LedgerDeferrals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "squeezetrack_ledger_deferrals_total",
		Help: "Ledger close attempts deferred, by cause",
	}, []string{"cause"})

	// AuditFindings counts diagnostics findings, by check
	AuditFindings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "squeezetrack_audit_findings_total",
		Help: "Invariant violations flagged by diagnostics, by check",
	}, []string{"check"})
)
