// Package metrics exports Prometheus collectors for the supervision
// engine's lifecycle events: monitor tick, start/stop/restart.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every Prometheus metric the engine updates. It is safe
// for concurrent use; Register is idempotent.
type Collector struct {
	registered atomic.Bool

	starts          *prometheus.CounterVec
	restarts        *prometheus.CounterVec
	stops           *prometheus.CounterVec
	startDuration   *prometheus.HistogramVec
	runningInstance *prometheus.GaugeVec
	stateTransition *prometheus.CounterVec
	currentState    *prometheus.GaugeVec
	cpuPercent      *prometheus.GaugeVec
	memoryRSS       *prometheus.GaugeVec
}

func New() *Collector {
	return &Collector{
		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmaster_process_starts_total", Help: "Total number of process start attempts.",
		}, []string{"program"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmaster_process_restarts_total", Help: "Total number of automatic restarts.",
		}, []string{"program"}),
		stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmaster_process_stops_total", Help: "Total number of stop operations.",
		}, []string{"program"}),
		startDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "taskmaster_process_start_duration_seconds", Help: "Time from spawn to RUNNING promotion.",
			Buckets: prometheus.DefBuckets,
		}, []string{"program"}),
		runningInstance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskmaster_running_instances", Help: "Current count of RUNNING instances per program.",
		}, []string{"program"}),
		stateTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmaster_state_transitions_total", Help: "Count of state transitions.",
		}, []string{"program", "from", "to"}),
		currentState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskmaster_instance_state", Help: "1 for the instance's current state, 0 otherwise.",
		}, []string{"program", "instance", "state"}),
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskmaster_process_cpu_percent", Help: "Best-effort CPU percent sampled via gopsutil.",
		}, []string{"program", "instance"}),
		memoryRSS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskmaster_process_memory_rss_bytes", Help: "Best-effort resident set size sampled via gopsutil.",
		}, []string{"program", "instance"}),
	}
}

// Register installs every collector on r. Calling it more than once is a
// no-op.
func (c *Collector) Register(r prometheus.Registerer) {
	if !c.registered.CompareAndSwap(false, true) {
		return
	}
	r.MustRegister(c.starts, c.restarts, c.stops, c.startDuration,
		c.runningInstance, c.stateTransition, c.currentState,
		c.cpuPercent, c.memoryRSS)
}

// Handler returns the Prometheus exposition handler for wiring onto the
// dashboard's /metrics route.
func (c *Collector) Handler() http.Handler { return promhttp.Handler() }

func (c *Collector) IncStart(program string)   { c.starts.WithLabelValues(program).Inc() }
func (c *Collector) IncRestart(program string) { c.restarts.WithLabelValues(program).Inc() }
func (c *Collector) IncStop(program string)    { c.stops.WithLabelValues(program).Inc() }

func (c *Collector) ObserveStartDuration(program string, seconds float64) {
	c.startDuration.WithLabelValues(program).Observe(seconds)
}

func (c *Collector) SetRunningInstances(program string, n int) {
	c.runningInstance.WithLabelValues(program).Set(float64(n))
}

func (c *Collector) RecordStateTransition(program, from, to string) {
	c.stateTransition.WithLabelValues(program, from, to).Inc()
}

func (c *Collector) SetCurrentState(program, instance, state string) {
	for _, s := range []string{"STOPPED", "STARTING", "RUNNING", "STOPPING", "EXITED", "BACKOFF", "FATAL"} {
		v := 0.0
		if s == state {
			v = 1
		}
		c.currentState.WithLabelValues(program, instance, s).Set(v)
	}
}

func (c *Collector) SetResourceUsage(program, instance string, cpuPercent float64, rssBytes uint64) {
	c.cpuPercent.WithLabelValues(program, instance).Set(cpuPercent)
	c.memoryRSS.WithLabelValues(program, instance).Set(float64(rssBytes))
}
