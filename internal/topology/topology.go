package topology

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"sdn-rl-controller/internal/logging"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/stat/distuv"
)

// Edge is an undirected link between two named nodes.
type Edge struct {
	A string
	B string
}

func (e Edge) String() string {
	return e.A + "-" + e.B
}

// Factors are the per-link attributes in [0, 1] that metric ranges scale.
type Factors struct {
	Bandwidth float64
	Delay     float64
	Loss      float64
}

func (f Factors) get(m Metric) float64 {
	switch m {
	case Bandwidth:
		return f.Bandwidth
	case Delay:
		return f.Delay
	case Loss:
		return f.Loss
	}
	return 0
}

type Topology struct {
	graph     *simple.UndirectedGraph
	ids       map[string]int64
	names     []string
	edges     []Edge
	edgeIndex map[[2]int64]int
	factors   []Factors
	ports     map[string][]string
	macs      map[string]string
	dpids     map[string]uint64
}

type loadOptions struct {
	seed    *uint64
	factors map[Edge]Factors
	macs    map[string]string
	dpids   map[string]uint64
}

type Option func(*loadOptions)

// WithRandomFactors draws every link's factors uniformly from [0, 1]
// using a source seeded with seed.
func WithRandomFactors(seed uint64) Option {
	return func(o *loadOptions) {
		o.seed = &seed
	}
}

// WithFactors pins the factors of individual links. It is applied after
// WithRandomFactors.
func WithFactors(factors map[Edge]Factors) Option {
	return func(o *loadOptions) {
		o.factors = factors
	}
}

func WithHostMACs(macs map[string]string) Option {
	return func(o *loadOptions) {
		o.macs = macs
	}
}

func WithDPIDs(dpids map[string]uint64) Option {
	return func(o *loadOptions) {
		o.dpids = dpids
	}
}

// ReadEdgeList parses one "a b" pair per line. Blank lines and lines
// starting with '#' are skipped; any fields after the first two are ignored.
func ReadEdgeList(r io.Reader) ([]Edge, error) {
	var edges []Edge
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 2 {
			return nil, &TopologyError{Op: "read edge list", Line: line, Err: fmt.Errorf("expected two node names, got %q", text)}
		}
		edges = append(edges, Edge{A: fields[0], B: fields[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, &TopologyError{Op: "read edge list", Err: err}
	}
	return edges, nil
}

// Load builds the topology graph. Edge order is first-insertion order and
// later duplicates of an edge (in either direction) are ignored.
func Load(edges []Edge, opts ...Option) (*Topology, error) {
	logger := logging.GetLogger()

	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	t := &Topology{
		graph:     simple.NewUndirectedGraph(),
		ids:       make(map[string]int64),
		edgeIndex: make(map[[2]int64]int),
		ports:     make(map[string][]string),
		macs:      make(map[string]string),
		dpids:     make(map[string]uint64),
	}

	for i, e := range edges {
		if e.A == "" || e.B == "" {
			return nil, errorf("load", "edge %d has an empty node name", i)
		}
		if e.A == e.B {
			return nil, errorf("load", "edge %d is a self-loop on %s", i, e.A)
		}
		a := t.addNode(e.A)
		b := t.addNode(e.B)
		key := edgeKey(a, b)
		if _, dup := t.edgeIndex[key]; dup {
			logger.WithField("edge", e.String()).Debug("Ignoring duplicate edge")
			continue
		}
		t.graph.SetEdge(t.graph.NewEdge(simple.Node(a), simple.Node(b)))
		t.edgeIndex[key] = len(t.edges)
		t.edges = append(t.edges, e)
		t.ports[e.A] = append(t.ports[e.A], e.B)
		t.ports[e.B] = append(t.ports[e.B], e.A)
	}

	if len(t.edges) == 0 {
		return nil, errorf("load", "topology has no edges")
	}

	t.factors = make([]Factors, len(t.edges))
	if o.seed != nil {
		rng := distuv.Uniform{Min: 0, Max: 1, Src: rand.NewSource(*o.seed)}
		for i := range t.factors {
			t.factors[i] = Factors{Bandwidth: rng.Rand(), Delay: rng.Rand(), Loss: rng.Rand()}
		}
	}
	for e, f := range o.factors {
		i, ok := t.EdgeIndex(e.A, e.B)
		if !ok {
			return nil, errorf("load", "factors given for unknown edge %s", e)
		}
		if err := t.SetFactors(i, f); err != nil {
			return nil, err
		}
	}

	for host, mac := range o.macs {
		if _, ok := t.ids[host]; !ok || !IsHost(host) {
			return nil, errorf("load", "mac given for unknown host %s", host)
		}
		t.macs[host] = mac
	}
	for _, host := range t.Hosts() {
		if _, ok := t.macs[host]; !ok {
			t.macs[host] = defaultMAC(host)
		}
	}

	for sw, dpid := range o.dpids {
		if _, ok := t.ids[sw]; !ok || IsHost(sw) {
			return nil, errorf("load", "dpid given for unknown switch %s", sw)
		}
		t.dpids[sw] = dpid
	}
	for i, sw := range t.Switches() {
		if _, ok := t.dpids[sw]; ok {
			continue
		}
		if n, ok := trailingNumber(sw); ok && n > 0 {
			t.dpids[sw] = uint64(n)
		} else {
			t.dpids[sw] = uint64(i + 1)
		}
	}

	logger.WithFields(logrus.Fields{
		"nodes":    len(t.names),
		"links":    len(t.edges),
		"switches": len(t.Switches()),
		"hosts":    len(t.Hosts()),
	}).Info("Topology loaded")

	return t, nil
}

func (t *Topology) addNode(name string) int64 {
	if id, ok := t.ids[name]; ok {
		return id
	}
	id := int64(len(t.names))
	t.ids[name] = id
	t.names = append(t.names, name)
	t.graph.AddNode(simple.Node(id))
	return id
}

func edgeKey(a, b int64) [2]int64 {
	if a > b {
		a, b = b, a
	}
	return [2]int64{a, b}
}

// Edges returns the links in edge order.
func (t *Topology) Edges() []Edge {
	out := make([]Edge, len(t.edges))
	copy(out, t.edges)
	return out
}

// LinkCount is L, the length of every link metric array.
func (t *Topology) LinkCount() int {
	return len(t.edges)
}

func (t *Topology) Nodes() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	sort.Slice(out, func(i, j int) bool { return naturalLess(out[i], out[j]) })
	return out
}

func (t *Topology) HasNode(name string) bool {
	_, ok := t.ids[name]
	return ok
}

// IsHost follows the Mininet naming convention: hosts are h1, h2, ...
func IsHost(name string) bool {
	return strings.HasPrefix(name, "h")
}

func (t *Topology) Hosts() []string {
	var out []string
	for _, n := range t.Nodes() {
		if IsHost(n) {
			out = append(out, n)
		}
	}
	return out
}

func (t *Topology) Switches() []string {
	var out []string
	for _, n := range t.Nodes() {
		if !IsHost(n) {
			out = append(out, n)
		}
	}
	return out
}

func (t *Topology) MAC(host string) (string, bool) {
	mac, ok := t.macs[host]
	return mac, ok
}

func (t *Topology) DPID(sw string) (uint64, bool) {
	dpid, ok := t.dpids[sw]
	return dpid, ok
}

// EdgeIndex returns the position of the link between a and b.
func (t *Topology) EdgeIndex(a, b string) (int, bool) {
	ia, ok := t.ids[a]
	if !ok {
		return 0, false
	}
	ib, ok := t.ids[b]
	if !ok {
		return 0, false
	}
	i, ok := t.edgeIndex[edgeKey(ia, ib)]
	return i, ok
}

// Ports lists the port numbers of node, starting at 1.
func (t *Topology) Ports(node string) []int {
	peers := t.ports[node]
	out := make([]int, len(peers))
	for i := range peers {
		out[i] = i + 1
	}
	return out
}

// PortTo returns the port on node that faces peer.
func (t *Topology) PortTo(node, peer string) (int, bool) {
	for i, p := range t.ports[node] {
		if p == peer {
			return i + 1, true
		}
	}
	return 0, false
}

// Peer returns the node at the far end of node's port.
func (t *Topology) Peer(node string, port int) (string, bool) {
	peers := t.ports[node]
	if port < 1 || port > len(peers) {
		return "", false
	}
	return peers[port-1], true
}

func (t *Topology) Factors(i int) Factors {
	return t.factors[i]
}

func (t *Topology) SetFactors(i int, f Factors) error {
	if i < 0 || i >= len(t.factors) {
		return errorf("set factors", "link index %d out of range [0,%d)", i, len(t.factors))
	}
	for _, v := range []float64{f.Bandwidth, f.Delay, f.Loss} {
		if v < 0 || v > 1 {
			return errorf("set factors", "link %s: factor %v outside [0,1]", t.edges[i], v)
		}
	}
	t.factors[i] = f
	return nil
}

func defaultMAC(host string) string {
	n, ok := trailingNumber(host)
	if !ok {
		n = 0
	}
	var b [6]byte
	v := uint64(n)
	for i := 5; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5])
}

func trailingNumber(name string) (int, bool) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return 0, false
	}
	n, err := strconv.Atoi(name[i:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// naturalLess orders s2 before s10.
func naturalLess(a, b string) bool {
	na, oka := trailingNumber(a)
	nb, okb := trailingNumber(b)
	pa := strings.TrimRight(a, "0123456789")
	pb := strings.TrimRight(b, "0123456789")
	if pa != pb || !oka || !okb {
		return a < b
	}
	if na != nb {
		return na < nb
	}
	return a < b
}
