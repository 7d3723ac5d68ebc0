package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "plotter_jobs_submitted_total", Help: "Jobs created via intake"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "plotter_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	PrintsCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "plotter_prints_completed_total", Help: "Prints streamed to completion"})
	PrintsFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "plotter_prints_failed_total", Help: "Prints that failed with a job-scoped error"})
	PrintsCancelled  = prometheus.NewCounter(prometheus.CounterOpts{Name: "plotter_prints_cancelled_total", Help: "Prints cancelled mid-stream"})
	CommandsStreamed = prometheus.NewCounter(prometheus.CounterOpts{Name: "plotter_serial_commands_total", Help: "Motion commands acknowledged by the device"})
	SerialRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "plotter_serial_retries_total", Help: "Transient serial resends"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "plotter_print_queue_depth", Help: "Jobs waiting for the print worker"})
	PrintingGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "plotter_printing", Help: "1 while a job is streaming to the device"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			RateLimitRejects,
			PrintsCompleted,
			PrintsFailed,
			PrintsCancelled,
			CommandsStreamed,
			SerialRetries,
			QueueDepthGauge,
			PrintingGauge,
		)
	})
	return promhttp.Handler()
}
