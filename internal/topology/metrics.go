package topology

import (
	"sort"
	"strings"
)

type Metric string

const (
	Bandwidth Metric = "bandwidth"
	Delay     Metric = "delay"
	Loss      Metric = "loss"
)

// Range is the [Min, Max] interval a metric's factor is scaled into.
type Range struct {
	Min float64
	Max float64
}

// LinkMetrics holds one value per link for each metric, in edge order.
type LinkMetrics map[Metric][]float64

func ParseMetric(name string) (Metric, error) {
	switch m := Metric(strings.ToLower(strings.TrimSpace(name))); m {
	case Bandwidth, Delay, Loss:
		return m, nil
	}
	return "", errorf("parse metric", "unknown metric %q", name)
}

// ParseMetrics parses a comma separated preference list such as
// "bandwidth,delay".
func ParseMetrics(list string) ([]Metric, error) {
	var out []Metric
	for _, part := range strings.Split(list, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		m, err := ParseMetric(part)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Metrics computes min + (max-min)*factor for every link and every metric in
// ranges.
func (t *Topology) Metrics(ranges map[Metric]Range) (LinkMetrics, error) {
	out := make(LinkMetrics, len(ranges))
	for m, r := range ranges {
		if _, err := ParseMetric(string(m)); err != nil {
			return nil, err
		}
		if r.Min > r.Max {
			return nil, errorf("metrics", "%s range min %v greater than max %v", m, r.Min, r.Max)
		}
		values := make([]float64, len(t.edges))
		for i, f := range t.factors {
			values[i] = r.Min + (r.Max-r.Min)*f.get(m)
		}
		out[m] = values
	}
	return out, nil
}

// Normalize maps values from r into [0, 1]. A degenerate range maps every
// value to 1.
func Normalize(values []float64, r Range) []float64 {
	out := make([]float64, len(values))
	span := r.Max - r.Min
	for i, v := range values {
		if span == 0 {
			out[i] = 1
			continue
		}
		n := (v - r.Min) / span
		if n < 0 {
			n = 0
		} else if n > 1 {
			n = 1
		}
		out[i] = n
	}
	return out
}

// Names returns the metrics present in m in a stable order.
func (m LinkMetrics) Names() []Metric {
	out := make([]Metric, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
