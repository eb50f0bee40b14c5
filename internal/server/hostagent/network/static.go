package network

import "context"

// StaticResolver maps NICs to configured bridge names without consulting
// the host. Used with the simulated hypervisor and on development hosts.
type StaticResolver struct {
	Bridges Bridges
}

var _ Resolver = StaticResolver{}

// NewStatic creates a resolver that trusts the configured names.
func NewStatic(bridges Bridges) StaticResolver { return StaticResolver{Bridges: bridges} }

func (s StaticResolver) Resolve(ctx context.Context, nic NIC) (string, error) {
	_ = ctx
	return bridgeName(s.Bridges, nic)
}
