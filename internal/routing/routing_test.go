package routing

import (
	"reflect"
	"testing"

	"sdn-rl-controller/internal/topology"
)

// h1 - s1 - s2 - h2, with s3 hanging off s1.
func lineTopology(t *testing.T) *topology.Topology {
	t.Helper()
	topo, err := topology.Load([]topology.Edge{
		{A: "h1", B: "s1"},
		{A: "s1", B: "s2"},
		{A: "s2", B: "h2"},
		{A: "s1", B: "s3"},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return topo
}

func TestStateLayout(t *testing.T) {
	links := NewLinkState([]float64{0.1, 0.2, 0.3, 0.4})
	table, err := NewRoutingTable(3).Flip(1)
	if err != nil {
		t.Fatalf("Flip: %v", err)
	}
	s := NewState(links, table)
	if s.Len() != 7 {
		t.Fatalf("state length = %d, want 7", s.Len())
	}
	want := []float64{0.1, 0.2, 0.3, 0.4, 0, 1, 0}
	if !reflect.DeepEqual(s.Vector(), want) {
		t.Errorf("vector = %v, want %v", s.Vector(), want)
	}
	if !reflect.DeepEqual(s.Links(), want[:4]) || !reflect.DeepEqual(s.Routes(), want[4:]) {
		t.Errorf("links/routes split wrong: %v / %v", s.Links(), s.Routes())
	}

	v := s.Vector()
	v[0] = 99
	if s.Vector()[0] != 0.1 {
		t.Errorf("Vector must return a copy")
	}
}

func TestRoutingTableFlip(t *testing.T) {
	table := NewRoutingTable(3)
	flipped, err := table.Flip(2)
	if err != nil {
		t.Fatalf("Flip: %v", err)
	}
	if table.Active(2) {
		t.Errorf("Flip must not mutate the receiver")
	}
	if !flipped.Active(2) || flipped.Count() != 1 {
		t.Errorf("flipped = %v", flipped.Floats())
	}
	back, _ := flipped.Flip(2)
	if back.Count() != 0 {
		t.Errorf("double flip should restore the table, got %v", back.Floats())
	}
	if _, err := table.Flip(3); err == nil {
		t.Errorf("expected out of range error")
	}
	if _, err := table.Flip(-1); err == nil {
		t.Errorf("expected out of range error")
	}
}

func TestCatalogFromSpecs(t *testing.T) {
	topo := lineTopology(t)
	c, err := NewCatalog(topo, []RouteSpec{
		{Switch: "s1", InPort: 1, OutPort: 2, Host: "h2"},
		{Switch: "s2", InPort: 1, OutPort: 2, Host: "h2"},
		{Switch: "s1", InPort: 2, OutPort: 1, EthDst: "00:00:00:00:00:01"},
	})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	if c.Len() != 3 {
		t.Fatalf("catalog size = %d", c.Len())
	}
	r := c.Route(1)
	if r.DPID != 2 || r.EthDst != "00:00:00:00:00:02" || r.Link != 2 {
		t.Errorf("route 1 = %+v", r)
	}
	if c.Route(2).Link != 0 {
		t.Errorf("route 2 link = %d, want 0", c.Route(2).Link)
	}

	table, _ := NewRoutingTable(3).Flip(2)
	table, _ = table.Flip(0)
	flows, err := c.Derive(table)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if len(flows) != 2 || flows[0] != c.Route(0).FlowEntry || flows[1] != c.Route(2).FlowEntry {
		t.Errorf("derived = %v", flows)
	}

	if _, err := c.Derive(NewRoutingTable(2)); err == nil {
		t.Errorf("expected size mismatch error")
	}

	sws := c.Switches()
	if len(sws) != 2 || sws[0].Name != "s1" || sws[1].Name != "s2" {
		t.Errorf("switches = %v", sws)
	}
}

func TestCatalogRejectsBadPorts(t *testing.T) {
	topo := lineTopology(t)
	cases := []RouteSpec{
		{Switch: "s2", InPort: 1, OutPort: 5, Host: "h1"},
		{Switch: "s1", InPort: 2, OutPort: 2, Host: "h1"},
		{Switch: "h1", InPort: 1, OutPort: 2, Host: "h2"},
		{Switch: "s9", InPort: 1, OutPort: 2, Host: "h2"},
		{Switch: "s1", InPort: 1, OutPort: 2, Host: "h7"},
	}
	for _, spec := range cases {
		if _, err := NewCatalog(topo, []RouteSpec{spec}); !topology.IsTopologyError(err) {
			t.Errorf("%+v: expected TopologyError, got %v", spec, err)
		}
	}
	if _, err := NewCatalog(topo, nil); !topology.IsTopologyError(err) {
		t.Errorf("empty catalog: expected TopologyError, got %v", err)
	}
}

func TestGenerateCatalog(t *testing.T) {
	topo := lineTopology(t)
	c, err := GenerateCatalog(topo)
	if err != nil {
		t.Fatalf("GenerateCatalog: %v", err)
	}
	// s1 has 3 ports (6 ordered pairs), s2 has 2 (2 pairs), s3 has 1 (none);
	// two hosts each.
	if c.Len() != (6+2)*2 {
		t.Fatalf("catalog size = %d, want 16", c.Len())
	}
	first := c.Route(0)
	if first.Switch != "s1" || first.InPort != 1 || first.OutPort != 2 || first.Host != "h1" {
		t.Errorf("first route = %+v", first)
	}
}
