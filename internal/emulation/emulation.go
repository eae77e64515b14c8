package emulation

import (
	"context"

	"sdn-rl-controller/internal/topology"
)

// Handle is a running emulated network. Stop releases it; calling Stop more
// than once is harmless.
type Handle interface {
	Name() string
	Stop(ctx context.Context) error
}

// Emulator brings up a network for a topology.
type Emulator interface {
	Start(ctx context.Context, topo *topology.Topology) (Handle, error)
}

// None attaches to a network that is managed elsewhere, for example a
// Mininet instance started by hand.
type None struct{}

func (None) Start(ctx context.Context, topo *topology.Topology) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return externalHandle{}, nil
}

type externalHandle struct{}

func (externalHandle) Name() string {
	return "external"
}

func (externalHandle) Stop(ctx context.Context) error {
	return nil
}
