package monitoring

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the Prometheus metrics exported by the positioning
// pipeline. All methods are safe to call on a nil *Collector so callers that
// do not export metrics can pass nil.
type Collector struct {
	gatherer prometheus.Gatherer

	Frames         *prometheus.CounterVec
	ParseErrors    *prometheus.CounterVec
	Cycles         *prometheus.CounterVec
	Solves         *prometheus.CounterVec
	Published      *prometheus.CounterVec
	DroppedUpdates prometheus.Counter
	Residual       prometheus.Histogram
}

// NewCollector registers the pipeline metrics against reg, defaulting to the
// global Prometheus registry when nil. Registering twice against the same
// registry returns the already registered collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	frames, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "locate_frames_total",
		Help: "Frames decoded from the transport, labeled by wire dialect.",
	}, []string{"dialect"}), "locate_frames_total")
	if err != nil {
		return nil, err
	}
	parseErrors, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "locate_parse_errors_total",
		Help: "Frames dropped because they could not be decoded, labeled by error kind.",
	}, []string{"kind"}), "locate_parse_errors_total")
	if err != nil {
		return nil, err
	}
	cycles, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "locate_cycles_total",
		Help: "Ranging cycles, labeled by how they ended (completed or expired).",
	}, []string{"result"}), "locate_cycles_total")
	if err != nil {
		return nil, err
	}
	solves, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "locate_solves_total",
		Help: "Multilateration attempts, labeled by outcome.",
	}, []string{"outcome"}), "locate_solves_total")
	if err != nil {
		return nil, err
	}
	published, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "locate_positions_published_total",
		Help: "Positions handed to the position stream, labeled by source and validity.",
	}, []string{"source", "validity"}), "locate_positions_published_total")
	if err != nil {
		return nil, err
	}
	dropped, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "locate_subscriber_drops_total",
		Help: "Position deliveries skipped because a subscriber did not accept in time.",
	}), "locate_subscriber_drops_total")
	if err != nil {
		return nil, err
	}
	residual, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "locate_solve_residual",
		Help:    "RMS range residual of solved positions, in layout units.",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}), "locate_solve_residual")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:       gatherer,
		Frames:         frames,
		ParseErrors:    parseErrors,
		Cycles:         cycles,
		Solves:         solves,
		Published:      published,
		DroppedUpdates: dropped,
		Residual:       residual,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveFrame(dialect string) {
	if c == nil {
		return
	}
	c.Frames.WithLabelValues(dialect).Inc()
}

func (c *Collector) ObserveParseError(kind string) {
	if c == nil {
		return
	}
	c.ParseErrors.WithLabelValues(kind).Inc()
}

func (c *Collector) ObserveCycle(result string) {
	if c == nil {
		return
	}
	c.Cycles.WithLabelValues(result).Inc()
}

func (c *Collector) ObserveSolve(outcome string) {
	if c == nil {
		return
	}
	c.Solves.WithLabelValues(outcome).Inc()
}

func (c *Collector) ObserveResidual(residual float64) {
	if c == nil {
		return
	}
	c.Residual.Observe(residual)
}

func (c *Collector) ObservePublished(source, validity string) {
	if c == nil {
		return
	}
	c.Published.WithLabelValues(source, validity).Inc()
}

func (c *Collector) ObserveDropped(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.DroppedUpdates.Add(float64(n))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}
