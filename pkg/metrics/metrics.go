// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/remediation-core/pkg/logger"
	"github.com/united-manufacturing-hub/remediation-core/pkg/sentry"
	"go.uber.org/zap"
)

const (
	// Component Labels.
	ComponentControlLoop      = "control_loop"
	ComponentEventManager     = "event_manager"
	ComponentOperationManager = "operation_manager"
	ComponentHistory          = "operation_history"
	ComponentNotification     = "notification"
	ComponentEventSource      = "event_source"
	ComponentSnapshotStore    = "snapshot_store"
)

var (
	// Namespace and subsystem for all metrics.
	namespace = "umh"
	subsystem = "remediation"

	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component", "instance"},
	)

	reconcileTime = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconcile_duration_milliseconds",
			Help:      "Time taken to reconcile (in milliseconds)",
			Objectives: map[float64]float64{
				0.5:  0.01,
				0.9:  0.01,
				0.99: 0.01,
			},
		},
		[]string{"component", "instance"},
	)

	starvationSeconds = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconcile_starved_total_seconds",
			Help:      "Total seconds the reconcile loop was starved",
		},
	)

	outcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outcomes_total",
			Help:      "Completed outcomes by actor, operation and result",
		},
		[]string{"actor", "operation", "result"},
	)

	finalResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "final_results_total",
			Help:      "Finished remediations by control loop and final result",
		},
		[]string{"closed_loop", "result"},
	)

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_total",
			Help:      "Received events by classification",
		},
		[]string{"status"},
	)

	activeRemediations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_remediations",
			Help:      "Number of remediations currently in memory",
		},
	)

	lockRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "lock_requests_total",
			Help:      "Target lock requests by result (granted, denied, lost)",
		},
		[]string{"result"},
	)

	historyRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "history_records_total",
			Help:      "Operation history records by status (stored, dropped, failed)",
		},
		[]string{"status"},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notifications_total",
			Help:      "Delivered notifications by type and delivery status",
		},
		[]string{"type", "status"},
	)
)

// SetupMetricsEndpoint starts an HTTP server exposing /metrics.
// This should be called once at application startup.
func SetupMetricsEndpoint(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(err, sentry.IssueTypeError, logger.For("metrics"))
		}
	}()

	return server
}

// IncErrorCountAndLog increments the error counter for a component and logs
// the error at debug level if a logger is provided.
func IncErrorCountAndLog(component, instance string, err error, logger *zap.SugaredLogger) {
	IncErrorCount(component, instance)

	if logger != nil {
		logger.Debugf("Component %s instance %s failed: %v", component, instance, err)
	}
}

// IncErrorCount increments the error counter for a component.
func IncErrorCount(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Inc()
}

// ObserveReconcileTime records the time taken for a reconciliation.
func ObserveReconcileTime(component, instance string, duration time.Duration) {
	reconcileTime.WithLabelValues(component, instance).Observe(float64(duration.Milliseconds()))
}

// AddStarvationTime increases the starvation counter by the specified seconds.
func AddStarvationTime(seconds float64) {
	starvationSeconds.Add(seconds)
}

func RecordOutcome(actor, operation, result string) {
	outcomesTotal.WithLabelValues(actor, operation, result).Inc()
}

func RecordFinalResult(closedLoop, result string) {
	finalResultsTotal.WithLabelValues(closedLoop, result).Inc()
}

func RecordEvent(status string) {
	eventsTotal.WithLabelValues(status).Inc()
}

func SetActiveRemediations(n int) {
	activeRemediations.Set(float64(n))
}

func RecordLockRequest(result string) {
	lockRequestsTotal.WithLabelValues(result).Inc()
}

func RecordHistoryRecords(status string, n int) {
	historyRecordsTotal.WithLabelValues(status).Add(float64(n))
}

func RecordNotification(notificationType, status string) {
	notificationsTotal.WithLabelValues(notificationType, status).Inc()
}
