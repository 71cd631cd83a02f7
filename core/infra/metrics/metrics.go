package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters for chain orchestration.
type Metrics interface {
	IncChainsStarted()
	IncChainsCompleted(status string)
	IncStepsDispatched(queue string)
	IncSignals(kind string)
	IncStaleSignals()
	IncChainsResumed()
	AddChainsPruned(n int)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncChainsStarted()         {}
func (Noop) IncChainsCompleted(string) {}
func (Noop) IncStepsDispatched(string) {}
func (Noop) IncSignals(string)         {}
func (Noop) IncStaleSignals()          {}
func (Noop) IncChainsResumed()         {}
func (Noop) AddChainsPruned(int)       {}

// Prom implements Metrics backed by Prometheus counters.
type Prom struct {
	chainsStarted   prometheus.Counter
	chainsCompleted *prometheus.CounterVec
	stepsDispatched *prometheus.CounterVec
	signals         *prometheus.CounterVec
	staleSignals    prometheus.Counter
	chainsResumed   prometheus.Counter
	chainsPruned    prometheus.Counter
	once            sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		chainsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chains_started_total",
			Help:      "Chains started",
		}),
		chainsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chains_completed_total",
			Help:      "Chains reaching a terminal status",
		}, []string{"status"}),
		stepsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_dispatched_total",
			Help:      "Steps submitted to the work queue by queue",
		}, []string{"queue"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Advance signals received by kind",
		}, []string{"kind"}),
		staleSignals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_signals_total",
			Help:      "Duplicate or stale advance signals ignored",
		}),
		chainsResumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chains_resumed_total",
			Help:      "Paused chains resumed by the sweep or manual resume",
		}),
		chainsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chains_pruned_total",
			Help:      "Terminal chains deleted by the pruner",
		}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(
			p.chainsStarted,
			p.chainsCompleted,
			p.stepsDispatched,
			p.signals,
			p.staleSignals,
			p.chainsResumed,
			p.chainsPruned,
		)
	})
}

func (p *Prom) IncChainsStarted() { p.chainsStarted.Inc() }

func (p *Prom) IncChainsCompleted(status string) {
	p.chainsCompleted.WithLabelValues(status).Inc()
}

func (p *Prom) IncStepsDispatched(queue string) {
	p.stepsDispatched.WithLabelValues(queue).Inc()
}

func (p *Prom) IncSignals(kind string) {
	p.signals.WithLabelValues(kind).Inc()
}

func (p *Prom) IncStaleSignals() { p.staleSignals.Inc() }

func (p *Prom) IncChainsResumed() { p.chainsResumed.Inc() }

func (p *Prom) AddChainsPruned(n int) {
	if n > 0 {
		p.chainsPruned.Add(float64(n))
	}
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
