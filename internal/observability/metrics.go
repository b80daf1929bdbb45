// Package observability provides the process-local metrics registry
// and tracing bootstrap shared by the server and the reconciler.
package observability

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type kind int

const (
	kindCounter kind = iota
	kindGauge
)

type MetricPoint struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

type Snapshot struct {
	Counters []MetricPoint `json:"counters"`
	Gauges   []MetricPoint `json:"gauges"`
}

type series struct {
	kind   kind
	name   string
	labels map[string]string
	value  float64
}

type Registry struct {
	mu     sync.Mutex
	series map[string]*series
}

func NewRegistry() *Registry {
	return &Registry{series: make(map[string]*series)}
}

var Default = NewRegistry()

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	if delta == 0 {
		return
	}
	key, lcopy := seriesKey(kindCounter, name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.series[key]
	if !ok {
		s = &series{kind: kindCounter, name: name, labels: lcopy}
		r.series[key] = s
	}
	s.value += delta
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	key, lcopy := seriesKey(kindGauge, name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.series[key] = &series{kind: kindGauge, name: name, labels: lcopy, value: value}
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Snapshot{
		Counters: make([]MetricPoint, 0, len(r.series)),
		Gauges:   make([]MetricPoint, 0, 8),
	}
	for _, s := range r.series {
		p := MetricPoint{Name: s.name, Labels: cloneLabels(s.labels), Value: s.value}
		if s.kind == kindCounter {
			out.Counters = append(out.Counters, p)
		} else {
			out.Gauges = append(out.Gauges, p)
		}
	}
	sort.Slice(out.Counters, func(i, j int) bool { return lessPoint(out.Counters[i], out.Counters[j]) })
	sort.Slice(out.Gauges, func(i, j int) bool { return lessPoint(out.Gauges[i], out.Gauges[j]) })
	return out
}

func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.series = make(map[string]*series)
}

// RenderPrometheus emits the registry in the Prometheus text format,
// one TYPE header per metric name.
func (r *Registry) RenderPrometheus() string {
	snap := r.Snapshot()
	var b strings.Builder
	render := func(points []MetricPoint, typ string) {
		lastName := ""
		for _, p := range points {
			name := sanitizeMetricName(p.Name)
			if name != lastName {
				fmt.Fprintf(&b, "# TYPE %s %s\n", name, typ)
				lastName = name
			}
			b.WriteString(formatPromLine(name, p.Labels, p.Value))
			b.WriteByte('\n')
		}
	}
	render(snap.Counters, "counter")
	render(snap.Gauges, "gauge")
	return b.String()
}

func lessPoint(a, b MetricPoint) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return labelString(a.Labels) < labelString(b.Labels)
}

func labelString(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, "|")
}

func seriesKey(k kind, name string, labels map[string]string) (string, map[string]string) {
	prefix := "c:"
	if k == kindGauge {
		prefix = "g:"
	}
	if len(labels) == 0 {
		return prefix + name, nil
	}
	lcopy := make(map[string]string, len(labels))
	for lk, lv := range labels {
		lcopy[lk] = lv
	}
	return prefix + name + "|" + labelString(labels), lcopy
}

func cloneLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sanitizeMetricName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "donezo_metric"
	}
	out := make([]rune, 0, len(name))
	for i, r := range name {
		valid := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || (r >= '0' && r <= '9' && i > 0)
		if valid {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

func formatPromLine(name string, labels map[string]string, value float64) string {
	if len(labels) == 0 {
		return name + " " + strconv.FormatFloat(value, 'f', -1, 64)
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", sanitizeMetricName(k), labels[k]))
	}
	return fmt.Sprintf("%s{%s} %s", name, strings.Join(parts, ","), strconv.FormatFloat(value, 'f', -1, 64))
}
