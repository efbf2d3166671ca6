package adapt

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics receives per-iteration observations from a Loop
type Metrics interface {
	ObserveIteration(it Iteration)
	ObserveStop(reason StopReason)
}

// NoopMetrics discards all observations
type NoopMetrics struct{}

func (NoopMetrics) ObserveIteration(Iteration) {}
func (NoopMetrics) ObserveStop(StopReason)     {}

// PrometheusMetrics exports loop state as Prometheus collectors
type PrometheusMetrics struct {
	ndof        prometheus.Gauge
	elements    prometheus.Gauge
	levels      prometheus.Gauge
	maxEstimate prometheus.Gauge
	iterations  prometheus.Counter
	refined     prometheus.Counter
	coarsened   prometheus.Counter
	stops       *prometheus.CounterVec
}

// NewPrometheusMetrics creates the collectors and registers them with reg
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		ndof: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "igadapt_ndof",
			Help: "Active degrees of freedom",
		}),
		elements: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "igadapt_active_elements",
			Help: "Active elements",
		}),
		levels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "igadapt_levels",
			Help: "Hierarchy levels",
		}),
		maxEstimate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "igadapt_max_estimate",
			Help: "Largest error indicator of the last iteration",
		}),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "igadapt_iterations_total",
			Help: "Adaptive iterations",
		}),
		refined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "igadapt_refined_elements_total",
			Help: "Elements refined",
		}),
		coarsened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "igadapt_coarsened_families_total",
			Help: "Sibling families merged into their parent",
		}),
		stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "igadapt_stops_total",
			Help: "Loop terminations by reason",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.ndof, m.elements, m.levels, m.maxEstimate,
		m.iterations, m.refined, m.coarsened, m.stops)
	return m
}

// ObserveIteration implements Metrics
func (m *PrometheusMetrics) ObserveIteration(it Iteration) {
	m.ndof.Set(float64(it.NDOF))
	m.elements.Set(float64(it.NumElements))
	m.levels.Set(float64(it.NumLevels))
	m.maxEstimate.Set(it.MaxEstimate)
	m.iterations.Inc()
	m.refined.Add(float64(it.Refined))
	m.coarsened.Add(float64(it.Coarsened))
}

// ObserveStop implements Metrics
func (m *PrometheusMetrics) ObserveStop(reason StopReason) {
	m.stops.WithLabelValues(reason.String()).Inc()
}
