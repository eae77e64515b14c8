package routing

import (
	"fmt"
	"strings"

	"sdn-rl-controller/internal/topology"
)

// FlowEntry is a switch-ready forwarding rule: packets entering InPort and
// addressed to EthDst leave through OutPort.
type FlowEntry struct {
	Switch  string `json:"switch"`
	DPID    uint64 `json:"dpid"`
	InPort  int    `json:"in_port"`
	OutPort int    `json:"out_port"`
	EthDst  string `json:"eth_dst"`
}

// MatchKey identifies the OpenFlow match of the entry. Two entries with the
// same key on one switch cannot both be installed at the same priority.
type MatchKey struct {
	DPID   uint64
	InPort int
	EthDst string
}

func (f FlowEntry) Match() MatchKey {
	return MatchKey{DPID: f.DPID, InPort: f.InPort, EthDst: f.EthDst}
}

func (f FlowEntry) String() string {
	return fmt.Sprintf("%s(dpid=%d) in=%d dst=%s -> out=%d", f.Switch, f.DPID, f.InPort, f.EthDst, f.OutPort)
}

// Route is one candidate entry of the catalog.
type Route struct {
	FlowEntry
	Host string `json:"host,omitempty"`
	// Link is the index of the link the out port transmits on.
	Link int `json:"link"`
}

// RouteSpec describes a configured catalog entry.
type RouteSpec struct {
	Switch  string
	InPort  int
	OutPort int
	Host    string
	EthDst  string
}

// Catalog is the fixed, ordered list of R candidate flow entries. Entry i
// corresponds to bit i of the routing table and to action i.
type Catalog struct {
	routes []Route
}

// GenerateCatalog enumerates, for every switch and every host, each ordered
// pair of distinct switch ports as a candidate entry.
func GenerateCatalog(topo *topology.Topology) (*Catalog, error) {
	var specs []RouteSpec
	for _, sw := range topo.Switches() {
		ports := topo.Ports(sw)
		for _, host := range topo.Hosts() {
			for _, in := range ports {
				for _, out := range ports {
					if in == out {
						continue
					}
					specs = append(specs, RouteSpec{Switch: sw, InPort: in, OutPort: out, Host: host})
				}
			}
		}
	}
	return NewCatalog(topo, specs)
}

// NewCatalog resolves specs against topo, filling in dpid, destination MAC
// and the outgoing link of each entry.
func NewCatalog(topo *topology.Topology, specs []RouteSpec) (*Catalog, error) {
	if len(specs) == 0 {
		return nil, &topology.TopologyError{Op: "catalog", Err: fmt.Errorf("route catalog is empty")}
	}
	c := &Catalog{routes: make([]Route, 0, len(specs))}
	for i, s := range specs {
		ethDst := s.EthDst
		if ethDst == "" {
			mac, ok := topo.MAC(s.Host)
			if !ok {
				return nil, &topology.TopologyError{Op: "catalog", Err: fmt.Errorf("route %d: unknown host %q", i, s.Host)}
			}
			ethDst = mac
		}
		dpid, ok := topo.DPID(s.Switch)
		if !ok {
			return nil, &topology.TopologyError{Op: "catalog", Err: fmt.Errorf("route %d: unknown switch %q", i, s.Switch)}
		}
		r := Route{
			FlowEntry: FlowEntry{
				Switch:  s.Switch,
				DPID:    dpid,
				InPort:  s.InPort,
				OutPort: s.OutPort,
				EthDst:  strings.ToLower(ethDst),
			},
			Host: s.Host,
		}
		if peer, ok := topo.Peer(s.Switch, s.OutPort); ok {
			r.Link, _ = topo.EdgeIndex(s.Switch, peer)
		}
		c.routes = append(c.routes, r)
	}
	if err := c.Validate(topo); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that every entry names a switch of topo and ports that
// exist on it.
func (c *Catalog) Validate(topo *topology.Topology) error {
	for i, r := range c.routes {
		if !topo.HasNode(r.Switch) || topology.IsHost(r.Switch) {
			return &topology.TopologyError{Op: "validate catalog", Err: fmt.Errorf("route %d: %q is not a switch", i, r.Switch)}
		}
		if r.InPort == r.OutPort {
			return &topology.TopologyError{Op: "validate catalog", Err: fmt.Errorf("route %d: in and out port are both %d", i, r.InPort)}
		}
		if _, ok := topo.Peer(r.Switch, r.InPort); !ok {
			return &topology.TopologyError{Op: "validate catalog", Err: fmt.Errorf("route %d: %s has no port %d", i, r.Switch, r.InPort)}
		}
		peer, ok := topo.Peer(r.Switch, r.OutPort)
		if !ok {
			return &topology.TopologyError{Op: "validate catalog", Err: fmt.Errorf("route %d: %s has no port %d", i, r.Switch, r.OutPort)}
		}
		if link, _ := topo.EdgeIndex(r.Switch, peer); link != r.Link {
			return &topology.TopologyError{Op: "validate catalog", Err: fmt.Errorf("route %d: out port %d does not use link %d", i, r.OutPort, r.Link)}
		}
		if r.EthDst == "" {
			return &topology.TopologyError{Op: "validate catalog", Err: fmt.Errorf("route %d: empty destination", i)}
		}
	}
	return nil
}

// Len is R, the routing table and action space size.
func (c *Catalog) Len() int {
	return len(c.routes)
}

func (c *Catalog) Route(i int) Route {
	return c.routes[i]
}

func (c *Catalog) Routes() []Route {
	out := make([]Route, len(c.routes))
	copy(out, c.routes)
	return out
}

// Derive returns the entries whose flag is set, in catalog order.
func (c *Catalog) Derive(table RoutingTable) ([]FlowEntry, error) {
	if table.Len() != len(c.routes) {
		return nil, fmt.Errorf("routing table has %d entries, catalog has %d", table.Len(), len(c.routes))
	}
	out := make([]FlowEntry, 0, table.Count())
	for _, i := range table.Indices() {
		out = append(out, c.routes[i].FlowEntry)
	}
	return out, nil
}

// Switch names a datapath that carries catalog entries.
type Switch struct {
	Name string `json:"name"`
	DPID uint64 `json:"dpid"`
}

// Switches returns every switch in the catalog, in first appearance order.
func (c *Catalog) Switches() []Switch {
	seen := make(map[string]bool)
	var out []Switch
	for _, r := range c.routes {
		if seen[r.Switch] {
			continue
		}
		seen[r.Switch] = true
		out = append(out, Switch{Name: r.Switch, DPID: r.DPID})
	}
	return out
}
