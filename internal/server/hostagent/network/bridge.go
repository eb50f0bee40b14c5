package network

import (
	"context"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// BridgeResolver resolves NICs against the host's link table.
type BridgeResolver struct {
	Bridges Bridges

	linkByName func(name string) (netlink.Link, error)
	linkSetUp  func(link netlink.Link) error
}

var _ Resolver = (*BridgeResolver)(nil)

// NewBridgeResolver constructs a netlink-backed resolver.
func NewBridgeResolver(bridges Bridges) *BridgeResolver {
	return &BridgeResolver{
		Bridges:    bridges,
		linkByName: netlink.LinkByName,
		linkSetUp:  netlink.LinkSetUp,
	}
}

// Resolve returns the bridge for nic after checking that it exists. A bridge
// that is present but down is brought up.
func (b *BridgeResolver) Resolve(ctx context.Context, nic NIC) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name, err := bridgeName(b.Bridges, nic)
	if err != nil {
		return "", err
	}

	link, err := b.linkByName(name)
	if err != nil {
		return "", fmt.Errorf("bridge %s not present: %w", name, err)
	}
	if link.Attrs().Flags&net.FlagUp == 0 {
		if err := b.linkSetUp(link); err != nil {
			return "", fmt.Errorf("bring bridge %s up: %w", name, err)
		}
	}
	return name, nil
}
