package topology

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// FindPath returns the node sequence from src to dst that favours links with
// a high value of the first metric in prefs for which any path exists.
// An empty slice means no preference yields a path.
//
// Link weights are max(m)-m+1 so that larger metric values are cheaper while
// every weight stays positive. Among equally weighted paths the one with the
// fewest hops wins, then the lexicographically smallest node sequence.
func (t *Topology) FindPath(src, dst string, prefs []Metric, m LinkMetrics) []string {
	sid, ok := t.ids[src]
	if !ok {
		return []string{}
	}
	did, ok := t.ids[dst]
	if !ok {
		return []string{}
	}

	for _, metric := range prefs {
		values, ok := m[metric]
		if !ok || len(values) != len(t.edges) {
			continue
		}
		shortest := path.DijkstraAllFrom(simple.Node(sid), t.weighted(values))
		paths, _ := shortest.AllTo(did)
		if len(paths) == 0 {
			continue
		}
		return t.pick(paths)
	}
	return []string{}
}

func (t *Topology) weighted(values []float64) *simple.WeightedUndirectedGraph {
	g := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	nodes := t.graph.Nodes()
	for nodes.Next() {
		g.AddNode(nodes.Node())
	}
	top := floats.Max(values)
	for i, e := range t.edges {
		a, b := simple.Node(t.ids[e.A]), simple.Node(t.ids[e.B])
		g.SetWeightedEdge(g.NewWeightedEdge(a, b, top-values[i]+1))
	}
	return g
}

func (t *Topology) pick(paths [][]graph.Node) []string {
	var best []string
	for _, p := range paths {
		names := make([]string, len(p))
		for i, n := range p {
			names[i] = t.names[n.ID()]
		}
		if best == nil || pathLess(names, best) {
			best = names
		}
	}
	return best
}

func pathLess(a, b []string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	for i := range a {
		if a[i] != b[i] {
			return naturalLess(a[i], b[i])
		}
	}
	return false
}

// PathMetrics returns, per metric, the minimum value over the links of path.
func (t *Topology) PathMetrics(nodes []string, m LinkMetrics) (map[Metric]float64, error) {
	if len(nodes) < 2 {
		return nil, errorf("path metrics", "path %v has no links", nodes)
	}
	idx := make([]int, 0, len(nodes)-1)
	for i := 0; i+1 < len(nodes); i++ {
		e, ok := t.EdgeIndex(nodes[i], nodes[i+1])
		if !ok {
			return nil, errorf("path metrics", "no link between %s and %s", nodes[i], nodes[i+1])
		}
		idx = append(idx, e)
	}

	out := make(map[Metric]float64, len(m))
	for metric, values := range m {
		if len(values) != len(t.edges) {
			return nil, errorf("path metrics", "%s has %d values for %d links", metric, len(values), len(t.edges))
		}
		bottleneck := math.Inf(1)
		for _, e := range idx {
			bottleneck = math.Min(bottleneck, values[e])
		}
		out[metric] = bottleneck
	}
	return out, nil
}
