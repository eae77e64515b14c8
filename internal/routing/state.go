package routing

import (
	"fmt"
)

// LinkState is an immutable snapshot of one metric per link. It is replaced
// wholesale on refresh and never mutated in place.
type LinkState struct {
	values []float64
}

func NewLinkState(values []float64) LinkState {
	v := make([]float64, len(values))
	copy(v, values)
	return LinkState{values: v}
}

func (l LinkState) Len() int {
	return len(l.values)
}

func (l LinkState) At(i int) float64 {
	return l.values[i]
}

func (l LinkState) Values() []float64 {
	out := make([]float64, len(l.values))
	copy(out, l.values)
	return out
}

// RoutingTable holds one on/off flag per route catalog entry.
type RoutingTable struct {
	bits []bool
}

func NewRoutingTable(size int) RoutingTable {
	return RoutingTable{bits: make([]bool, size)}
}

func (r RoutingTable) Len() int {
	return len(r.bits)
}

func (r RoutingTable) Active(i int) bool {
	return r.bits[i]
}

// Flip toggles entry i and returns the new table; r itself is unchanged.
func (r RoutingTable) Flip(i int) (RoutingTable, error) {
	if i < 0 || i >= len(r.bits) {
		return r, fmt.Errorf("routing entry %d out of range [0,%d)", i, len(r.bits))
	}
	out := r.Clone()
	out.bits[i] = !out.bits[i]
	return out, nil
}

func (r RoutingTable) Clone() RoutingTable {
	bits := make([]bool, len(r.bits))
	copy(bits, r.bits)
	return RoutingTable{bits: bits}
}

// Indices returns the positions of all active entries in ascending order.
func (r RoutingTable) Indices() []int {
	var out []int
	for i, b := range r.bits {
		if b {
			out = append(out, i)
		}
	}
	return out
}

// Count is the number of active entries.
func (r RoutingTable) Count() int {
	n := 0
	for _, b := range r.bits {
		if b {
			n++
		}
	}
	return n
}

// Floats renders the table as 0/1 values.
func (r RoutingTable) Floats() []float64 {
	out := make([]float64, len(r.bits))
	for i, b := range r.bits {
		if b {
			out[i] = 1
		}
	}
	return out
}

// State is the observation handed to the agent: the link metrics followed by
// the routing flags, in that fixed order.
type State struct {
	vec   []float64
	links int
}

func NewState(links LinkState, table RoutingTable) State {
	vec := make([]float64, 0, links.Len()+table.Len())
	vec = append(vec, links.values...)
	vec = append(vec, table.Floats()...)
	return State{vec: vec, links: links.Len()}
}

func (s State) Len() int {
	return len(s.vec)
}

func (s State) Links() []float64 {
	out := make([]float64, s.links)
	copy(out, s.vec[:s.links])
	return out
}

func (s State) Routes() []float64 {
	out := make([]float64, len(s.vec)-s.links)
	copy(out, s.vec[s.links:])
	return out
}

// Vector returns a copy of the full state vector.
func (s State) Vector() []float64 {
	out := make([]float64, len(s.vec))
	copy(out, s.vec)
	return out
}
