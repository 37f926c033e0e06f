package observability

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const prometheusNamespace = "power_monitor"

// PrometheusCollector translates Metric values into Prometheus metrics on a private registry.
type PrometheusCollector struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	labelNames map[string][]string
}

// NewPrometheusCollector builds a collector backed by a dedicated Prometheus registry.
func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labelNames: make(map[string][]string),
	}
}

// Collect implements MetricsCollector.
func (c *PrometheusCollector) Collect(metric Metric) {
	if c == nil || metric.Name == "" {
		return
	}

	labels := cloneLabels(metric.Labels)
	names := sortedKeys(labels)

	c.mu.Lock()
	defer c.mu.Unlock()

	// A name keeps the label set it was first registered with; mismatches are dropped.
	if known, ok := c.labelNames[metric.Name]; ok && !equalStringSlices(known, names) {
		return
	}

	switch metric.Type {
	case MetricCounter:
		vec, ok := c.counters[metric.Name]
		if !ok {
			vec = prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: prometheusNamespace,
				Name:      metric.Name,
				Help:      helpText(metric),
			}, names)
			if !c.register(metric.Name, names, vec) {
				return
			}
			c.counters[metric.Name] = vec
		}
		value := metric.Value
		if value < 0 {
			value = 0
		}
		vec.With(labels).Add(value)
	case MetricGauge:
		vec, ok := c.gauges[metric.Name]
		if !ok {
			vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: prometheusNamespace,
				Name:      metric.Name,
				Help:      helpText(metric),
			}, names)
			if !c.register(metric.Name, names, vec) {
				return
			}
			c.gauges[metric.Name] = vec
		}
		vec.With(labels).Set(metric.Value)
	case MetricHistogram:
		vec, ok := c.histograms[metric.Name]
		if !ok {
			opts := prometheus.HistogramOpts{
				Namespace: prometheusNamespace,
				Name:      metric.Name,
				Help:      helpText(metric),
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 180, 300},
			}
			if metric.Unit != "" {
				opts.ConstLabels = map[string]string{"unit": metric.Unit}
			}
			vec = prometheus.NewHistogramVec(opts, names)
			if !c.register(metric.Name, names, vec) {
				return
			}
			c.histograms[metric.Name] = vec
		}
		vec.With(labels).Observe(metric.Value)
	}
}

func (c *PrometheusCollector) register(name string, labelNames []string, collector prometheus.Collector) bool {
	if err := c.registry.Register(collector); err != nil {
		return false
	}
	c.labelNames[name] = labelNames
	return true
}

// Registry returns the underlying registry.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler exposes the registry over HTTP.
func (c *PrometheusCollector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func helpText(metric Metric) string {
	if strings.TrimSpace(metric.Description) != "" {
		return metric.Description
	}
	if metric.Unit != "" {
		return metric.Name + " (" + metric.Unit + ")"
	}
	return metric.Name
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneLabels(labels map[string]string) prometheus.Labels {
	if len(labels) == 0 {
		return nil
	}
	cloned := make(prometheus.Labels, len(labels))
	for k, v := range labels {
		cloned[k] = v
	}
	return cloned
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var _ MetricsCollector = (*PrometheusCollector)(nil)
