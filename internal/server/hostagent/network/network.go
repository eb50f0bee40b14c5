// Package network maps a VM's NIC description onto the host bridge its
// virtual interface should attach to. Bridges and VLAN devices are
// provisioned by the host's network tooling; this package only resolves
// and verifies them.
package network

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// TrafficType classifies what a NIC carries.
type TrafficType string

const (
	TrafficGuest      TrafficType = "guest"
	TrafficPublic     TrafficType = "public"
	TrafficManagement TrafficType = "management"
	TrafficControl    TrafficType = "control"
	TrafficStorage    TrafficType = "storage"
)

// BroadcastType describes how the NIC's segment is isolated.
type BroadcastType string

const (
	BroadcastNative BroadcastType = "native"
	BroadcastVLAN   BroadcastType = "vlan"
)

// NIC is one virtual interface of a VM as the orchestrator describes it.
type NIC struct {
	MAC           string        `json:"mac"`
	IP            string        `json:"ip,omitempty"`
	Netmask       string        `json:"netmask,omitempty"`
	Gateway       string        `json:"gateway,omitempty"`
	TrafficType   TrafficType   `json:"traffic_type"`
	BroadcastType BroadcastType `json:"broadcast_type,omitempty"`
	VLAN          int           `json:"vlan,omitempty"`
}

// ErrNoBridge is returned when no bridge is configured for a traffic type.
var ErrNoBridge = errors.New("network: no bridge for traffic type")

// Resolver returns the bridge a NIC attaches to.
type Resolver interface {
	Resolve(ctx context.Context, nic NIC) (string, error)
}

// Bridges names the host bridges per network role.
type Bridges struct {
	Guest   string
	Private string
	Public  string
}

// For returns the configured bridge for a traffic type. Management, control
// and storage traffic share the private bridge.
func (b Bridges) For(traffic TrafficType) (string, error) {
	var name string
	switch traffic {
	case TrafficGuest, "":
		name = b.Guest
	case TrafficPublic:
		name = b.Public
	case TrafficManagement, TrafficControl, TrafficStorage:
		name = b.Private
	default:
		return "", fmt.Errorf("%w: %s", ErrNoBridge, traffic)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: %s", ErrNoBridge, traffic)
	}
	return name, nil
}

const maxInterfaceNameLen = 15 // IFNAMSIZ minus the terminator

// VLANBridgeName returns the bridge carrying VLAN id on top of base.
func VLANBridgeName(base string, vlan int) string {
	suffix := fmt.Sprintf(".%d", vlan)
	if len(base)+len(suffix) > maxInterfaceNameLen {
		base = base[:maxInterfaceNameLen-len(suffix)]
	}
	return base + suffix
}

// bridgeName picks the bridge for nic without touching the host.
func bridgeName(bridges Bridges, nic NIC) (string, error) {
	base, err := bridges.For(nic.TrafficType)
	if err != nil {
		return "", err
	}
	if nic.BroadcastType == BroadcastVLAN && nic.VLAN > 0 {
		if nic.VLAN > 4094 {
			return "", fmt.Errorf("network: vlan %d out of range", nic.VLAN)
		}
		return VLANBridgeName(base, nic.VLAN), nil
	}
	return base, nil
}
