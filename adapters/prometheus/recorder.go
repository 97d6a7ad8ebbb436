// Package prometheus exposes core.MetricsRecorder through client_golang.
package prometheus

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/goliatone/go-ingress/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultLabels is the fixed label set every metric carries. Tags outside the
// set are dropped and missing ones are exported as "". tenant_id is left out
// to keep series cardinality bounded.
var DefaultLabels = []string{"operation", "status", "provider", "source_type", "job_type", "outcome"}

var DefaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

type Recorder struct {
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	labels     []string
	buckets    []float64

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

type Option func(*Recorder)

func WithLabels(labels ...string) Option {
	return func(r *Recorder) {
		cleaned := make([]string, 0, len(labels))
		for _, label := range labels {
			if label = sanitize(label); label != "" {
				cleaned = append(cleaned, label)
			}
		}
		if len(cleaned) > 0 {
			r.labels = cleaned
		}
	}
}

func WithBuckets(buckets ...float64) Option {
	return func(r *Recorder) {
		if len(buckets) > 0 {
			r.buckets = append([]float64(nil), buckets...)
		}
	}
}

// NewRecorder registers collectors on registry. A nil registry gets a fresh
// one so tests and embedded runtimes never touch the global default.
func NewRecorder(registry *prometheus.Registry, opts ...Option) *Recorder {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	r := &Recorder{
		registerer: registry,
		gatherer:   registry,
		labels:     append([]string(nil), DefaultLabels...),
		buckets:    append([]float64(nil), DefaultBuckets...),
		counters:   map[string]*prometheus.CounterVec{},
		histograms: map[string]*prometheus.HistogramVec{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value <= 0 {
		return
	}
	vec := r.counter(sanitize(name))
	if vec == nil {
		return
	}
	vec.WithLabelValues(r.values(tags)...).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	vec := r.histogram(sanitize(name))
	if vec == nil {
		return
	}
	vec.WithLabelValues(r.values(tags)...).Observe(value)
}

// Handler serves the recorder's registry in the exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.DefaultGatherer
	}
	return r.gatherer
}

func (r *Recorder) counter(name string) *prometheus.CounterVec {
	if name == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.counters[name]; ok {
		return vec
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name,
		Help: "ingress counter " + name,
	}, r.labels)
	if err := r.registerer.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil
		}
		vec = existing
	}
	r.counters[name] = vec
	return vec
}

func (r *Recorder) histogram(name string) *prometheus.HistogramVec {
	if name == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.histograms[name]; ok {
		return vec
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    name,
		Help:    "ingress histogram " + name,
		Buckets: r.buckets,
	}, r.labels)
	if err := r.registerer.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil
		}
		vec = existing
	}
	r.histograms[name] = vec
	return vec
}

func (r *Recorder) values(tags map[string]string) []string {
	values := make([]string, len(r.labels))
	for i, label := range r.labels {
		values[i] = strings.TrimSpace(tags[label])
	}
	return values
}

// sanitize maps observer names like "ingress.inbound.create.total" onto the
// prometheus name charset.
func sanitize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

var _ core.MetricsRecorder = (*Recorder)(nil)
