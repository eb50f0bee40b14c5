// Package sim is an in-memory hypervisor used for development hosts and
// tests. It implements hypervisor.Client directly and can be served over
// HTTP with NewHandler.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ccheshirecat/hostagent/internal/server/hostagent/hypervisor"
)

var (
	// ErrOwnershipConflict is returned when another orchestrator owns the host.
	ErrOwnershipConflict = errors.New("sim: host owned by another manager")
	// ErrVMExists is returned when a domain is defined twice.
	ErrVMExists = errors.New("sim: vm already defined")
	// ErrPoolExists is returned when the host already belongs to a pool.
	ErrPoolExists = errors.New("sim: host already in a server pool")
)

const firstVNCPort = 5900

// Migration records one outbound live migration.
type Migration struct {
	Name   string
	DestIP string
}

// Hypervisor keeps domains, pool state and membership in memory.
type Hypervisor struct {
	mu          sync.Mutex
	identity    hypervisor.HostIdentity
	defs        map[string]hypervisor.VMDefinition
	running     map[string]string
	vnc         map[string]int
	nextVNC     int
	filesystems []hypervisor.PooledFilesystem
	pool        *hypervisor.ServerPool
	members     []string
	migrations  []Migration
}

var _ hypervisor.Client = (*Hypervisor)(nil)

// New returns an unowned host with no domains besides the control domain.
func New(hostname, address string) *Hypervisor {
	return &Hypervisor{
		identity: hypervisor.HostIdentity{
			Hostname:   hostname,
			Address:    address,
			Membership: hypervisor.MembershipUnowned,
		},
		defs:    make(map[string]hypervisor.VMDefinition),
		running: make(map[string]string),
		vnc:     make(map[string]int),
		nextVNC: firstVNCPort,
	}
}

// SetStatus forces the raw status of a domain, adding it to the running
// listing if needed. An empty status removes it from the listing.
func (h *Hypervisor) SetStatus(name, status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if status == "" {
		delete(h.running, name)
		return
	}
	h.running[name] = status
}

// Definition returns the stored definition for name.
func (h *Hypervisor) Definition(name string) (hypervisor.VMDefinition, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	def, ok := h.defs[name]
	return def, ok
}

// Migrations returns the migrations issued so far.
func (h *Hypervisor) Migrations() []Migration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Migration(nil), h.migrations...)
}

// Filesystems returns the pooled filesystems created so far.
func (h *Hypervisor) Filesystems() []hypervisor.PooledFilesystem {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hypervisor.PooledFilesystem(nil), h.filesystems...)
}

// Pool returns the server pool the host belongs to, if any.
func (h *Hypervisor) Pool() (hypervisor.ServerPool, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pool == nil {
		return hypervisor.ServerPool{}, false
	}
	return *h.pool, true
}

func (h *Hypervisor) ListVMs(ctx context.Context) ([]hypervisor.VMConfig, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := []hypervisor.VMConfig{{Name: hypervisor.ControlDomainName, Status: "r", ControlDomain: true}}
	names := make([]string, 0, len(h.running))
	for name := range h.running {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, hypervisor.VMConfig{Name: name, Status: h.running[name]})
	}
	return out, nil
}

func (h *Hypervisor) HostIdentity(ctx context.Context) (hypervisor.HostIdentity, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.identity, nil
}

func (h *Hypervisor) TakeOwnership(ctx context.Context, ownerID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.identity.Membership == hypervisor.MembershipOwned && h.identity.OwnerID != ownerID {
		return fmt.Errorf("%w: %s", ErrOwnershipConflict, h.identity.OwnerID)
	}
	h.identity.OwnerID = ownerID
	h.identity.Membership = hypervisor.MembershipOwned
	return nil
}

func (h *Hypervisor) CreateVM(ctx context.Context, poolID string, def hypervisor.VMDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("sim: vm name required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.defs[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrVMExists, def.Name)
	}
	h.defs[def.Name] = def
	return nil
}

func (h *Hypervisor) StartVM(ctx context.Context, poolID, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.defs[name]; !ok {
		return fmt.Errorf("%w: %s", hypervisor.ErrVMNotFound, name)
	}
	h.running[name] = "r"
	if _, ok := h.vnc[name]; !ok {
		h.vnc[name] = h.nextVNC
		h.nextVNC++
	}
	return nil
}

func (h *Hypervisor) StopVM(ctx context.Context, poolID, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.running[name]; !ok {
		return fmt.Errorf("%w: %s", hypervisor.ErrVMNotFound, name)
	}
	delete(h.running, name)
	return nil
}

func (h *Hypervisor) RebootVM(ctx context.Context, poolID, name string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.running[name]; !ok {
		return 0, fmt.Errorf("%w: %s", hypervisor.ErrVMNotFound, name)
	}
	h.running[name] = "r"
	return h.vnc[name], nil
}

func (h *Hypervisor) DeleteVM(ctx context.Context, poolID, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.defs[name]; !ok {
		return fmt.Errorf("%w: %s", hypervisor.ErrVMNotFound, name)
	}
	delete(h.defs, name)
	delete(h.running, name)
	delete(h.vnc, name)
	return nil
}

func (h *Hypervisor) MigrateVM(ctx context.Context, poolID, name, destIP string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.running[name]; !ok {
		return fmt.Errorf("%w: %s", hypervisor.ErrVMNotFound, name)
	}
	delete(h.running, name)
	delete(h.defs, name)
	delete(h.vnc, name)
	h.migrations = append(h.migrations, Migration{Name: name, DestIP: destIP})
	return nil
}

func (h *Hypervisor) VNCPort(ctx context.Context, name string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	port, ok := h.vnc[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", hypervisor.ErrVMNotFound, name)
	}
	return port, nil
}

func (h *Hypervisor) CreatePooledFilesystem(ctx context.Context, fs hypervisor.PooledFilesystem) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filesystems = append(h.filesystems, fs)
	return nil
}

func (h *Hypervisor) CreateServerPool(ctx context.Context, pool hypervisor.ServerPool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pool != nil {
		return fmt.Errorf("%w: %s", ErrPoolExists, h.pool.PoolAlias)
	}
	p := pool
	h.pool = &p
	h.identity.PoolAlias = pool.PoolAlias
	h.members = []string{h.identity.Address}
	return nil
}

func (h *Hypervisor) JoinServerPool(ctx context.Context, pool hypervisor.ServerPool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pool != nil && h.pool.PoolAlias != pool.PoolAlias {
		return fmt.Errorf("%w: %s", ErrPoolExists, h.pool.PoolAlias)
	}
	p := pool
	h.pool = &p
	h.identity.PoolAlias = pool.PoolAlias
	return nil
}

func (h *Hypervisor) PoolMembers(ctx context.Context) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.members...), nil
}

func (h *Hypervisor) SetMembershipList(ctx context.Context, members []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.members = append([]string(nil), members...)
	return nil
}
