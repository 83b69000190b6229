// Metrics collection for the engine unit
//
// Counters, gauges and histograms rendered in the Prometheus text
// exposition format. Series are written in label order so that scrapes
// are stable.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MetricType is the Prometheus metric type.
type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
	TypeHistogram
)

func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "untyped"
	}
}

// Labels are the label pairs of one series.
type Labels map[string]string

// Key identifies the label set independent of map order.
func (l Labels) Key() string {
	keys := l.sortedKeys()
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(l[k])
	}
	return sb.String()
}

// String formats the labels as {k="v",...}.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range l.sortedKeys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteString(`="`)
		sb.WriteString(escapeLabel(l[k]))
		sb.WriteByte('"')
	}
	sb.WriteByte('}')
	return sb.String()
}

// With returns a copy of l with k set to v.
func (l Labels) With(k, v string) Labels {
	out := l.clone()
	out[k] = v
	return out
}

func (l Labels) clone() Labels {
	out := make(Labels, len(l)+1)
	for k, v := range l {
		out[k] = v
	}
	return out
}

func (l Labels) sortedKeys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func escapeLabel(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(s)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Metric is anything the registry can render.
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	Write(sb *strings.Builder)
}

// vec is the label-keyed storage shared by every metric type.
type vec[T any] struct {
	name string
	help string
	mu   sync.Mutex
	m    map[string]*series[T]
}

type series[T any] struct {
	labels Labels
	v      T
}

func newVec[T any](name, help string) vec[T] {
	return vec[T]{name: name, help: help, m: make(map[string]*series[T])}
}

func (v *vec[T]) Name() string { return v.name }
func (v *vec[T]) Help() string { return v.help }

// at returns the series for labels, creating it. Callers hold v.mu.
func (v *vec[T]) at(labels Labels, init func() T) *series[T] {
	key := labels.Key()
	s, ok := v.m[key]
	if !ok {
		s = &series[T]{labels: labels.clone()}
		if init != nil {
			s.v = init()
		}
		v.m[key] = s
	}
	return s
}

func (v *vec[T]) header(sb *strings.Builder, t MetricType) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", v.name, v.help, v.name, t)
}

// sorted returns the series in label order. Callers hold v.mu.
func (v *vec[T]) sorted() []*series[T] {
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*series[T], len(keys))
	for i, k := range keys {
		out[i] = v.m[k]
	}
	return out
}

// Counter only goes up.
type Counter struct{ vec[uint64] }

// NewCounter returns an empty counter.
func NewCounter(name, help string) *Counter {
	return &Counter{newVec[uint64](name, help)}
}

func (c *Counter) Type() MetricType { return TypeCounter }

// Inc adds one.
func (c *Counter) Inc(labels Labels) { c.Add(labels, 1) }

// Add adds delta.
func (c *Counter) Add(labels Labels, delta uint64) {
	c.mu.Lock()
	c.at(labels, nil).v += delta
	c.mu.Unlock()
}

// Mirror sets the counter to a total kept elsewhere. Lower totals are
// ignored so the series never decreases.
func (c *Counter) Mirror(labels Labels, total uint64) {
	c.mu.Lock()
	s := c.at(labels, nil)
	if total > s.v {
		s.v = total
	}
	c.mu.Unlock()
}

// Get returns the value for labels.
func (c *Counter) Get(labels Labels) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.m[labels.Key()]; ok {
		return s.v
	}
	return 0
}

func (c *Counter) Write(sb *strings.Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.header(sb, TypeCounter)
	for _, s := range c.sorted() {
		fmt.Fprintf(sb, "%s%s %d\n", c.name, s.labels, s.v)
	}
}

// Gauge holds a value that can go either way.
type Gauge struct{ vec[float64] }

// NewGauge returns an empty gauge.
func NewGauge(name, help string) *Gauge {
	return &Gauge{newVec[float64](name, help)}
}

func (g *Gauge) Type() MetricType { return TypeGauge }

// Set replaces the value.
func (g *Gauge) Set(labels Labels, v float64) {
	g.mu.Lock()
	g.at(labels, nil).v = v
	g.mu.Unlock()
}

// SetBool sets 1 for true and 0 for false.
func (g *Gauge) SetBool(labels Labels, b bool) {
	v := 0.0
	if b {
		v = 1
	}
	g.Set(labels, v)
}

// Add adds delta, which may be negative.
func (g *Gauge) Add(labels Labels, delta float64) {
	g.mu.Lock()
	g.at(labels, nil).v += delta
	g.mu.Unlock()
}

// Get returns the value for labels.
func (g *Gauge) Get(labels Labels) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.m[labels.Key()]; ok {
		return s.v
	}
	return 0
}

func (g *Gauge) Write(sb *strings.Builder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.header(sb, TypeGauge)
	for _, s := range g.sorted() {
		fmt.Fprintf(sb, "%s%s %s\n", g.name, s.labels, formatFloat(s.v))
	}
}

type histogramValue struct {
	count   uint64
	sum     float64
	buckets []uint64 // per bucket, not cumulative
}

// Histogram counts observations into fixed buckets.
type Histogram struct {
	vec[*histogramValue]
	bounds []float64
}

// NewHistogram returns a histogram with the given upper bounds.
func NewHistogram(name, help string, bounds []float64) *Histogram {
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	return &Histogram{vec: newVec[*histogramValue](name, help), bounds: b}
}

// ExponentialBuckets returns count bounds starting at start, each factor
// times the previous.
func ExponentialBuckets(start, factor float64, count int) []float64 {
	b := make([]float64, count)
	for i := range b {
		b[i] = start
		start *= factor
	}
	return b
}

// LinearBuckets returns count bounds starting at start, width apart.
func LinearBuckets(start, width float64, count int) []float64 {
	b := make([]float64, count)
	for i := range b {
		b[i] = start + float64(i)*width
	}
	return b
}

func (h *Histogram) Type() MetricType { return TypeHistogram }

// Observe records v.
func (h *Histogram) Observe(labels Labels, v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hv := h.at(labels, func() *histogramValue {
		return &histogramValue{buckets: make([]uint64, len(h.bounds))}
	}).v
	hv.count++
	hv.sum += v
	if i := sort.SearchFloat64s(h.bounds, v); i < len(h.bounds) {
		hv.buckets[i]++
	}
}

// HistogramSnapshot is a copy of one histogram series. Buckets are
// cumulative, keyed by upper bound.
type HistogramSnapshot struct {
	Count   uint64
	Sum     float64
	Buckets map[float64]uint64
}

// Snapshot returns the series for labels.
func (h *Histogram) Snapshot(labels Labels) HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := HistogramSnapshot{Buckets: make(map[float64]uint64, len(h.bounds))}
	s, ok := h.m[labels.Key()]
	if !ok {
		return snap
	}
	snap.Count, snap.Sum = s.v.count, s.v.sum
	var cum uint64
	for i, b := range h.bounds {
		cum += s.v.buckets[i]
		snap.Buckets[b] = cum
	}
	return snap
}

func (h *Histogram) Write(sb *strings.Builder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.header(sb, TypeHistogram)
	for _, s := range h.sorted() {
		var cum uint64
		for i, b := range h.bounds {
			cum += s.v.buckets[i]
			fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, s.labels.With("le", formatFloat(b)), cum)
		}
		fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, s.labels.With("le", "+Inf"), s.v.count)
		fmt.Fprintf(sb, "%s_sum%s %s\n", h.name, s.labels, formatFloat(s.v.sum))
		fmt.Fprintf(sb, "%s_count%s %d\n", h.name, s.labels, s.v.count)
	}
}

// Registry renders a set of metrics in registration order.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
	order   []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]Metric)}
}

// Register adds m. Names must be unique.
func (r *Registry) Register(m Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.metrics[m.Name()]; ok {
		return fmt.Errorf("metric %q already registered", m.Name())
	}
	r.metrics[m.Name()] = m
	r.order = append(r.order, m.Name())
	return nil
}

// MustRegister is Register that panics on a duplicate name.
func (r *Registry) MustRegister(ms ...Metric) {
	for _, m := range ms {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
}

// Get returns the named metric or nil.
func (r *Registry) Get(name string) Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics[name]
}

// Gather renders every metric.
func (r *Registry) Gather() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sb strings.Builder
	for _, name := range r.order {
		r.metrics[name].Write(&sb)
	}
	return sb.String()
}
