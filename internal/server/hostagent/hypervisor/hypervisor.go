// Package hypervisor describes the RPC capability the agent consumes from the
// hypervisor's management daemon. The transport is not part of the contract;
// see rpcclient for the HTTP/JSON implementation and sim for an in-memory one.
package hypervisor

import (
	"context"
	"errors"
)

// ErrVMNotFound is returned when the hypervisor does not know the domain.
var ErrVMNotFound = errors.New("hypervisor: vm not found")

// ControlDomainName is the management domain reported by Xen-style hosts.
const ControlDomainName = "Domain-0"

// VMConfig is one entry of the running-domain listing.
type VMConfig struct {
	Name          string `json:"name"`
	Status        string `json:"status"`
	ControlDomain bool   `json:"control_domain,omitempty"`
}

// Membership is the ownership attribute a host carries.
type Membership string

const (
	MembershipUnowned Membership = "unowned"
	MembershipOwned   Membership = "owned"
)

// HostIdentity describes the host answering on a connection.
type HostIdentity struct {
	Hostname   string     `json:"hostname"`
	Address    string     `json:"address"`
	OwnerID    string     `json:"owner_id,omitempty"`
	Membership Membership `json:"membership"`
	// PoolAlias is empty while the host belongs to no server pool.
	PoolAlias string `json:"pool_alias,omitempty"`
}

// DiskDef attaches one image to a domain.
type DiskDef struct {
	Path     string `json:"path"`
	Device   string `json:"device"`
	ReadOnly bool   `json:"read_only,omitempty"`
	CDROM    bool   `json:"cdrom,omitempty"`
}

// VifDef attaches one virtual interface to a bridge.
type VifDef struct {
	MAC    string `json:"mac"`
	Bridge string `json:"bridge"`
}

// VMDefinition is everything the hypervisor needs to create a domain.
type VMDefinition struct {
	Name        string    `json:"name"`
	CPUs        int       `json:"cpus"`
	MemoryMB    int       `json:"memory_mb"`
	Disks       []DiskDef `json:"disks"`
	Vifs        []VifDef  `json:"vifs"`
	BootArgs    string    `json:"boot_args,omitempty"`
	VNCPassword string    `json:"vnc_password,omitempty"`
}

// PooledFilesystem locates the shared repository backing a pool.
type PooledFilesystem struct {
	PoolID      string `json:"pool_id"`
	StorageType string `json:"storage_type"`
	Host        string `json:"host"`
	Path        string `json:"path"`
}

// ServerPool is the parameter set for creating or joining a pool.
type ServerPool struct {
	PoolAlias        string `json:"pool_alias"`
	PrimaryStorageID string `json:"primary_storage_id"`
	VirtualIP        string `json:"virtual_ip"`
}

// Client is the consumed hypervisor capability.
type Client interface {
	ListVMs(ctx context.Context) ([]VMConfig, error)
	HostIdentity(ctx context.Context) (HostIdentity, error)
	TakeOwnership(ctx context.Context, ownerID string) error

	CreateVM(ctx context.Context, poolID string, def VMDefinition) error
	StartVM(ctx context.Context, poolID, name string) error
	StopVM(ctx context.Context, poolID, name string) error
	RebootVM(ctx context.Context, poolID, name string) (int, error)
	DeleteVM(ctx context.Context, poolID, name string) error
	MigrateVM(ctx context.Context, poolID, name, destIP string) error
	VNCPort(ctx context.Context, name string) (int, error)

	CreatePooledFilesystem(ctx context.Context, fs PooledFilesystem) error
	CreateServerPool(ctx context.Context, pool ServerPool) error
	JoinServerPool(ctx context.Context, pool ServerPool) error
	PoolMembers(ctx context.Context) ([]string, error)
	SetMembershipList(ctx context.Context, members []string) error
}

// Dialer opens a Client for another host, such as the pool virtual IP or
// a peer member.
type Dialer interface {
	Dial(ctx context.Context, address string) (Client, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, address string) (Client, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, address string) (Client, error) {
	return f(ctx, address)
}

// Contains reports whether name appears in the listing.
func Contains(vms []VMConfig, name string) bool {
	_, ok := Find(vms, name)
	return ok
}

// Find returns the listing entry for name.
func Find(vms []VMConfig, name string) (VMConfig, bool) {
	for _, vm := range vms {
		if vm.Name == name {
			return vm, true
		}
	}
	return VMConfig{}, false
}
