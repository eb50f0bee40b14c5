package pool

import (
	"context"
	"fmt"
	"strings"

	"github.com/ccheshirecat/hostagent/internal/server/hostagent/hypervisor"
)

// Election is the outcome of one master check.
type Election struct {
	// Standalone is set when no virtual IP is configured.
	Standalone bool
	Master     bool
	// MasterAddress is the address answering on the virtual IP.
	MasterAddress string
}

// Elector decides whether the local host is the pool master. The virtual
// IP implementation is a single best-effort read with no lease or fencing;
// a lease-backed implementation can replace it behind this interface.
type Elector interface {
	Elect(ctx context.Context) (Election, error)
}

// VirtualIPElector asks whoever holds the pool virtual IP who it is.
type VirtualIPElector struct {
	VirtualIP string
	HostIP    string
	Dialer    hypervisor.Dialer
}

var _ Elector = (*VirtualIPElector)(nil)

func (e *VirtualIPElector) Elect(ctx context.Context) (Election, error) {
	vip := strings.TrimSpace(e.VirtualIP)
	if vip == "" {
		return Election{Standalone: true}, nil
	}
	if e.Dialer == nil {
		return Election{}, fmt.Errorf("master check: no dialer for virtual ip %s", vip)
	}
	client, err := e.Dialer.Dial(ctx, vip)
	if err != nil {
		return Election{}, fmt.Errorf("master check: dial %s: %w", vip, err)
	}
	identity, err := client.HostIdentity(ctx)
	if err != nil {
		return Election{}, fmt.Errorf("master check: query %s: %w", vip, err)
	}
	return Election{
		Master:        identity.Address == e.HostIP,
		MasterAddress: identity.Address,
	}, nil
}
