package environment

import (
	"context"
	"fmt"

	"sdn-rl-controller/internal/routing"
	"sdn-rl-controller/internal/topology"
)

// LinkSource produces the current per-link metric snapshot.
type LinkSource interface {
	Links(ctx context.Context) (routing.LinkState, error)
}

// StaticLinks serves the normalised topology metric. For delay and loss the
// value is inverted so that 1 always means the best link.
type StaticLinks struct {
	state routing.LinkState
}

func NewStaticLinks(topo *topology.Topology, metric topology.Metric, r topology.Range) (*StaticLinks, error) {
	m, err := topo.Metrics(map[topology.Metric]topology.Range{metric: r})
	if err != nil {
		return nil, err
	}
	values := topology.Normalize(m[metric], r)
	if metric == topology.Delay || metric == topology.Loss {
		for i, v := range values {
			values[i] = 1 - v
		}
	}
	return &StaticLinks{state: routing.NewLinkState(values)}, nil
}

func (s *StaticLinks) Links(ctx context.Context) (routing.LinkState, error) {
	if err := ctx.Err(); err != nil {
		return routing.LinkState{}, err
	}
	return s.state, nil
}

func checkLinks(state routing.LinkState, want int) error {
	if state.Len() != want {
		return fmt.Errorf("link state has %d values, topology has %d links", state.Len(), want)
	}
	return nil
}
