package metrics

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/mealhall/mealhall-core/types"
)

type PrometheusManager struct {
	logger     types.Logger
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	mu         sync.Mutex
	running    int32
}

func NewPrometheusManager(logger types.Logger) types.MetricsManager {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &PrometheusManager{
		logger:     logger,
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (p *PrometheusManager) Start() error {
	atomic.StoreInt32(&p.running, 1)
	return nil
}

func (p *PrometheusManager) Stop() error {
	atomic.StoreInt32(&p.running, 0)
	return nil
}

func (p *PrometheusManager) IsRunning() bool {
	return atomic.LoadInt32(&p.running) == 1
}

func (p *PrometheusManager) Counter(name string, labels map[string]string) types.Counter {
	names, values := splitLabels(labels)

	p.mu.Lock()
	vec, exists := p.counters[name]
	if !exists {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, names)
		p.registry.MustRegister(vec)
		p.counters[name] = vec
	}
	p.mu.Unlock()

	return promCounter{vec.WithLabelValues(values...)}
}

func (p *PrometheusManager) Gauge(name string, labels map[string]string) types.Gauge {
	names, values := splitLabels(labels)

	p.mu.Lock()
	vec, exists := p.gauges[name]
	if !exists {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, names)
		p.registry.MustRegister(vec)
		p.gauges[name] = vec
	}
	p.mu.Unlock()

	return promGauge{vec.WithLabelValues(values...)}
}

func (p *PrometheusManager) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	names, values := splitLabels(labels)

	p.mu.Lock()
	vec, exists := p.histograms[name]
	if !exists {
		opts := prometheus.HistogramOpts{Name: name}
		if len(buckets) > 0 {
			opts.Buckets = buckets
		}
		vec = prometheus.NewHistogramVec(opts, names)
		p.registry.MustRegister(vec)
		p.histograms[name] = vec
	}
	p.mu.Unlock()

	return promHistogram{vec.WithLabelValues(values...)}
}

// Handler returns a fasthttp handler serving the registry in the Prometheus
// exposition format.
func (p *PrometheusManager) Handler() interface{} {
	h := promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
	return types.FastHTTPHandler(fasthttpadaptor.NewFastHTTPHandler(h))
}

func splitLabels(labels map[string]string) ([]string, []string) {
	if len(labels) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make([]string, len(names))
	for i, name := range names {
		values[i] = strings.TrimSpace(labels[name])
	}
	return names, values
}

type promCounter struct {
	c prometheus.Counter
}

func (pc promCounter) Inc()              { pc.c.Inc() }
func (pc promCounter) Add(value float64) { pc.c.Add(value) }

type promGauge struct {
	g prometheus.Gauge
}

func (pg promGauge) Set(value float64) { pg.g.Set(value) }
func (pg promGauge) Inc()              { pg.g.Inc() }
func (pg promGauge) Dec()              { pg.g.Dec() }

type promHistogram struct {
	h prometheus.Observer
}

func (ph promHistogram) Observe(value float64) { ph.h.Observe(value) }
