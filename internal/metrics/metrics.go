package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	logRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apx",
			Subsystem: "logs",
			Name:      "records_total",
			Help:      "Number of log records appended to the in-memory buffer.",
		}, []string{"process"},
	)
	taskStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apx",
			Subsystem: "task",
			Name:      "attempts_total",
			Help:      "Number of attempts made to run a supervised task.",
		}, []string{"process"},
	)
	taskFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apx",
			Subsystem: "task",
			Name:      "failures_total",
			Help:      "Number of task attempts that ended with an error.",
		}, []string{"process"},
	)
	taskRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "apx",
			Subsystem: "task",
			Name:      "running",
			Help:      "Whether a supervised task is currently running (1) or not (0).",
		}, []string{"process"},
	)
	backendReloads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "apx",
			Subsystem: "backend",
			Name:      "reloads_total",
			Help:      "Number of backend reloads triggered by source changes.",
		},
	)
	backendState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "apx",
			Subsystem: "backend",
			Name:      "state",
			Help:      "Current backend runner state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	codegenRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apx",
			Subsystem: "openapi",
			Name:      "codegen_runs_total",
			Help:      "Number of client code generation runs by result.",
		}, []string{"result"},
	)
	credentialIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apx",
			Subsystem: "credential",
			Name:      "prepared_total",
			Help:      "Number of credentials prepared, by whether they were reused or created.",
		}, []string{"source"},
	)
	controlActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apx",
			Subsystem: "control",
			Name:      "actions_total",
			Help:      "Number of control actions handled, by action and outcome.",
		}, []string{"action", "status"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{logRecords, taskStarts, taskFailures, taskRunning, backendReloads, backendState, codegenRuns, credentialIssued, controlActions}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has succeeded.

func IncLogRecord(process string) {
	if regOK.Load() {
		logRecords.WithLabelValues(process).Inc()
	}
}

func IncAttempt(process string) {
	if regOK.Load() {
		taskStarts.WithLabelValues(process).Inc()
	}
}

func IncFailure(process string) {
	if regOK.Load() {
		taskFailures.WithLabelValues(process).Inc()
	}
}

func SetRunning(process string, running bool) {
	if regOK.Load() {
		var v float64
		if running {
			v = 1
		}
		taskRunning.WithLabelValues(process).Set(v)
	}
}

func IncReload() {
	if regOK.Load() {
		backendReloads.Inc()
	}
}

// SetBackendState marks state as the active backend state and clears prev.
func SetBackendState(prev, state string) {
	if !regOK.Load() {
		return
	}
	if prev != "" && prev != state {
		backendState.WithLabelValues(prev).Set(0)
	}
	backendState.WithLabelValues(state).Set(1)
}

func IncCodegen(ok bool) {
	if regOK.Load() {
		result := "success"
		if !ok {
			result = "failure"
		}
		codegenRuns.WithLabelValues(result).Inc()
	}
}

func IncCredential(reused bool) {
	if regOK.Load() {
		src := "created"
		if reused {
			src = "reused"
		}
		credentialIssued.WithLabelValues(src).Inc()
	}
}

func IncAction(action, status string) {
	if regOK.Load() {
		controlActions.WithLabelValues(action, status).Inc()
	}
}
