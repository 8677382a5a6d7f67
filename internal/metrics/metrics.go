package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PollRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rugguard_poll_runs_total",
		Help: "Total poll cycles",
	})
	PollErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rugguard_poll_errors_total",
		Help: "Total failed poll cycles",
	})
	PollDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rugguard_poll_duration_seconds",
		Help:    "Poll cycle duration seconds",
		Buckets: prometheus.DefBuckets,
	})
	TriggersSeen = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rugguard_triggers_seen_total",
		Help: "Trigger candidates observed by any path",
	})
	Outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rugguard_analysis_outcomes_total",
		Help: "Analysis outcomes by entry path and result",
	}, []string{"path", "outcome"})
	Tiers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rugguard_tiers_total",
		Help: "Computed trust tiers",
	}, []string{"tier"})
	BudgetDenied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rugguard_budget_denied_total",
		Help: "Request budget denials by category",
	}, []string{"category"})
	APIRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rugguard_api_retries_total",
		Help: "Total API retry attempts",
	}, []string{"endpoint"})
	TrustListEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rugguard_trust_list_entries",
		Help: "Identifiers in the current trust list snapshot",
	})
	TrustListRefreshErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rugguard_trust_list_refresh_errors_total",
		Help: "Failed trust list refreshes",
	})
	CommandRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rugguard_command_runs_total",
		Help: "CLI command invocations",
	}, []string{"command"})
	CommandErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rugguard_command_errors_total",
		Help: "CLI command failures",
	}, []string{"command"})
)

func init() {
	prometheus.MustRegister(PollRuns, PollErrors, PollDuration, TriggersSeen, Outcomes, Tiers,
		BudgetDenied, APIRetries, TrustListEntries, TrustListRefreshErrors, CommandRuns, CommandErrors)
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

// StartServer starts a metrics HTTP server on addr (e.g., ":9090").
func StartServer(addr string) {
	if addr == "" {
		addr = os.Getenv("METRICS_ADDR")
	}
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	go func() { _ = http.ListenAndServe(addr, mux) }()
}

// ObservePollDuration records a poll cycle duration.
func ObservePollDuration(start time.Time) {
	PollDuration.Observe(time.Since(start).Seconds())
}

// IncAPIRetry increments the retry counter for an endpoint.
func IncAPIRetry(endpoint string) { APIRetries.WithLabelValues(endpoint).Inc() }

// IncOutcome counts an analysis outcome for an entry path.
func IncOutcome(path, outcome string) { Outcomes.WithLabelValues(path, outcome).Inc() }

// IncBudgetDenied counts a budget denial.
func IncBudgetDenied(category string) { BudgetDenied.WithLabelValues(category).Inc() }

func IncCommandRun(cmd string)   { CommandRuns.WithLabelValues(cmd).Inc() }
func IncCommandError(cmd string) { CommandErrors.WithLabelValues(cmd).Inc() }
